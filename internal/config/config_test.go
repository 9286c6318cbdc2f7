package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "https://api.meetup.test/")
	configViper.Set("api.access_token", "access-token")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != "https://api.meetup.test" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.ChatURL != "wss://api.meetup.test/ws-stomp" {
		t.Fatalf("unexpected derived chat url %q", cfg.ChatURL)
	}
	if cfg.StreamPath != "/notifications/subscribe" {
		t.Fatalf("unexpected stream path %q", cfg.StreamPath)
	}
	if cfg.StreamRetry.MaxAttempts != 8 || cfg.StreamRetry.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected stream retry %+v", cfg.StreamRetry)
	}
	if cfg.ChatRetry.MaxAttempts != 5 || cfg.ChatRetry.MaxDelay != 15*time.Second || cfg.ChatRetry.Jitter != 500*time.Millisecond {
		t.Fatalf("unexpected chat retry %+v", cfg.ChatRetry)
	}
	if cfg.ChatSubscribeRetries != 3 || cfg.ChatSubscribeRetryDelay != 500*time.Millisecond {
		t.Fatalf("unexpected subscribe retry settings %d %s", cfg.ChatSubscribeRetries, cfg.ChatSubscribeRetryDelay)
	}
	if !cfg.PushEnabled {
		t.Fatalf("expected push enabled by default")
	}
	if cfg.GatewayAddress != "127.0.0.1:8787" || len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected gateway settings %q %v", cfg.GatewayAddress, cfg.AllowedOrigins)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected log settings %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MEETUP_API_BASE_URL", "http://localhost:8080")
	t.Setenv("MEETUP_API_ACCESS_TOKEN", "env-token")
	t.Setenv("MEETUP_STREAM_MAX_ATTEMPTS", "3")
	t.Setenv("MEETUP_GATEWAY_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AccessToken != "env-token" || cfg.StreamRetry.MaxAttempts != 3 {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if cfg.ChatURL != "ws://localhost:8080/ws-stomp" {
		t.Fatalf("unexpected derived chat url %q", cfg.ChatURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadKeepsExplicitChatURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "https://api.meetup.test")
	configViper.Set("api.access_token", "access-token")
	configViper.Set("chat.url", "wss://chat.meetup.test/ws")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ChatURL != "wss://chat.meetup.test/ws" {
		t.Fatalf("unexpected chat url %q", cfg.ChatURL)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{name: "missing base url", overrides: map[string]any{"api.base_url": ""}, wantError: "api.base_url"},
		{name: "missing token", overrides: map[string]any{"api.access_token": ""}, wantError: "api.access_token"},
		{name: "bad scheme", overrides: map[string]any{"api.base_url": "ftp://api.meetup.test"}, wantError: "http or https"},
		{name: "inverted delays", overrides: map[string]any{"stream.max_delay": "500ms"}, wantError: "stream.max_delay"},
		{name: "negative jitter", overrides: map[string]any{"chat.jitter": "-1s"}, wantError: "chat.jitter"},
		{name: "zero timeout", overrides: map[string]any{"api.timeout": "0s"}, wantError: "api.timeout"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("api.base_url", "https://api.meetup.test")
			configViper.Set("api.access_token", "access-token")
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantError) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantError, err)
			}
		})
	}
}
