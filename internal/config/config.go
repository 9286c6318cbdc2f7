package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "MEETUP"

	defaultAPITimeout = 10 * time.Second

	defaultStreamPath        = "/notifications/subscribe"
	defaultStreamMaxAttempts = 8
	defaultStreamBaseDelay   = time.Second
	defaultStreamMaxDelay    = 30 * time.Second
	defaultStreamJitter      = time.Second

	defaultChatPath                = "/ws-stomp"
	defaultChatMaxAttempts         = 5
	defaultChatBaseDelay           = time.Second
	defaultChatMaxDelay            = 15 * time.Second
	defaultChatJitter              = 500 * time.Millisecond
	defaultChatSubscribeRetries    = 3
	defaultChatSubscribeRetryDelay = 500 * time.Millisecond

	defaultDatabasePath   = "meetup-realtime.db"
	defaultGatewayAddress = "127.0.0.1:8787"
	defaultAllowedOrigins = "*"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// RetryConfig holds the reconnect schedule of one transport.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// AppConfig captures runtime configuration for the realtime client.
type AppConfig struct {
	APIBaseURL              string
	AccessToken             string
	APITimeout              time.Duration
	StreamPath              string
	StreamRetry             RetryConfig
	ChatURL                 string
	ChatRetry               RetryConfig
	ChatSubscribeRetries    int
	ChatSubscribeRetryDelay time.Duration
	PushEnabled             bool
	DatabasePath            string
	GatewayAddress          string
	AllowedOrigins          []string
	LogLevel                string
	LogFormat               string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.timeout", defaultAPITimeout)
	configViper.SetDefault("stream.path", defaultStreamPath)
	configViper.SetDefault("stream.max_attempts", defaultStreamMaxAttempts)
	configViper.SetDefault("stream.base_delay", defaultStreamBaseDelay)
	configViper.SetDefault("stream.max_delay", defaultStreamMaxDelay)
	configViper.SetDefault("stream.jitter", defaultStreamJitter)
	configViper.SetDefault("chat.max_attempts", defaultChatMaxAttempts)
	configViper.SetDefault("chat.base_delay", defaultChatBaseDelay)
	configViper.SetDefault("chat.max_delay", defaultChatMaxDelay)
	configViper.SetDefault("chat.jitter", defaultChatJitter)
	configViper.SetDefault("chat.subscribe_retries", defaultChatSubscribeRetries)
	configViper.SetDefault("chat.subscribe_retry_delay", defaultChatSubscribeRetryDelay)
	configViper.SetDefault("push.enabled", true)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("gateway.address", defaultGatewayAddress)
	configViper.SetDefault("gateway.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:  strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		AccessToken: strings.TrimSpace(configViper.GetString("api.access_token")),
		APITimeout:  configViper.GetDuration("api.timeout"),
		StreamPath:  configViper.GetString("stream.path"),
		StreamRetry: RetryConfig{
			MaxAttempts: configViper.GetInt("stream.max_attempts"),
			BaseDelay:   configViper.GetDuration("stream.base_delay"),
			MaxDelay:    configViper.GetDuration("stream.max_delay"),
			Jitter:      configViper.GetDuration("stream.jitter"),
		},
		ChatURL: strings.TrimSpace(configViper.GetString("chat.url")),
		ChatRetry: RetryConfig{
			MaxAttempts: configViper.GetInt("chat.max_attempts"),
			BaseDelay:   configViper.GetDuration("chat.base_delay"),
			MaxDelay:    configViper.GetDuration("chat.max_delay"),
			Jitter:      configViper.GetDuration("chat.jitter"),
		},
		ChatSubscribeRetries:    configViper.GetInt("chat.subscribe_retries"),
		ChatSubscribeRetryDelay: configViper.GetDuration("chat.subscribe_retry_delay"),
		PushEnabled:             configViper.GetBool("push.enabled"),
		DatabasePath:            configViper.GetString("database.path"),
		GatewayAddress:          configViper.GetString("gateway.address"),
		AllowedOrigins:          splitList(configViper.GetStringSlice("gateway.allowed_origins")),
		LogLevel:                configViper.GetString("log.level"),
		LogFormat:               configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	if cfg.ChatURL == "" {
		chatURL, err := deriveChatURL(cfg.APIBaseURL)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.ChatURL = chatURL
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("api.access_token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.GatewayAddress) == "" {
		return fmt.Errorf("gateway.address is required")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.ChatSubscribeRetries < 0 {
		return fmt.Errorf("chat.subscribe_retries must not be negative")
	}
	for _, transport := range []struct {
		prefix string
		retry  RetryConfig
	}{{prefix: "stream", retry: c.StreamRetry}, {prefix: "chat", retry: c.ChatRetry}} {
		prefix, retry := transport.prefix, transport.retry
		if retry.BaseDelay <= 0 || retry.MaxDelay <= 0 {
			return fmt.Errorf("%s.base_delay and %s.max_delay must be positive", prefix, prefix)
		}
		if retry.MaxDelay < retry.BaseDelay {
			return fmt.Errorf("%s.max_delay must not be below %s.base_delay", prefix, prefix)
		}
		if retry.Jitter < 0 || retry.MaxAttempts < 0 {
			return fmt.Errorf("%s.jitter and %s.max_attempts must not be negative", prefix, prefix)
		}
	}
	return nil
}

// deriveChatURL maps the api base url onto the websocket endpoint.
func deriveChatURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("api.base_url is invalid: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("api.base_url must be http or https, got %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + defaultChatPath
	return parsed.String(), nil
}

func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
