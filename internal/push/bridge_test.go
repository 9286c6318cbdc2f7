package push

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubPlatform struct {
	permission    Permission
	permissionErr error
	token         string
	tokenCalls    int
}

func (p *stubPlatform) RequestPermission(context.Context) (Permission, error) {
	return p.permission, p.permissionErr
}

func (p *stubPlatform) Token(context.Context) (string, error) {
	p.tokenCalls++
	return p.token, nil
}

type recordingRegistrar struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRegistrar) RegisterPushToken(_ context.Context, token, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, token+"|"+subject)
	return r.err
}

func newTestBridge(t *testing.T, platform Platform, registrar Registrar) *Bridge {
	t.Helper()
	bridge, err := NewBridge(BridgeConfig{Platform: platform, Registrar: registrar})
	if err != nil {
		t.Fatalf("failed to construct bridge: %v", err)
	}
	return bridge
}

func TestBridgeDeniedPermissionYieldsNoToken(t *testing.T) {
	platform := &stubPlatform{permission: PermissionDenied, token: "device-token"}
	bridge := newTestBridge(t, platform, &recordingRegistrar{})

	if bridge.RequestPermission(context.Background()) {
		t.Fatalf("expected denied permission to report false")
	}
	token, err := bridge.RegistrationToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "" || platform.tokenCalls != 0 {
		t.Fatalf("expected no token without permission, got %q after %d calls", token, platform.tokenCalls)
	}
}

func TestBridgePermissionErrorIsNotFatal(t *testing.T) {
	platform := &stubPlatform{permissionErr: errors.New("prompt unavailable")}
	bridge := newTestBridge(t, platform, &recordingRegistrar{})
	if bridge.RequestPermission(context.Background()) {
		t.Fatalf("expected failure to report false")
	}
	if bridge.Permission() != PermissionDefault {
		t.Fatalf("expected default permission, got %s", bridge.Permission())
	}
}

func TestBridgeCachesRegistrationToken(t *testing.T) {
	platform := &stubPlatform{permission: PermissionGranted, token: "device-token"}
	bridge := newTestBridge(t, platform, &recordingRegistrar{})
	bridge.RequestPermission(context.Background())

	for range 3 {
		token, err := bridge.RegistrationToken(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "device-token" {
			t.Fatalf("unexpected token %q", token)
		}
	}
	if platform.tokenCalls != 1 {
		t.Fatalf("expected one platform token call, got %d", platform.tokenCalls)
	}
}

func TestBridgeSendsTokenOncePerSession(t *testing.T) {
	registrar := &recordingRegistrar{}
	bridge := newTestBridge(t, &stubPlatform{permission: PermissionGranted, token: "device-token"}, registrar)

	for range 2 {
		registered, err := bridge.Register(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !registered {
			t.Fatalf("expected registration to succeed")
		}
	}
	if len(registrar.calls) != 1 || registrar.calls[0] != "device-token|user-1" {
		t.Fatalf("expected a single registration call, got %v", registrar.calls)
	}
}

func TestBridgeRetriesAfterFailedRegistration(t *testing.T) {
	registrar := &recordingRegistrar{err: errors.New("backend down")}
	bridge := newTestBridge(t, &stubPlatform{permission: PermissionGranted, token: "device-token"}, registrar)

	if err := bridge.SendTokenToServer(context.Background(), "device-token", "user-1"); err == nil {
		t.Fatalf("expected registration error")
	}
	registrar.err = nil
	if err := bridge.SendTokenToServer(context.Background(), "device-token", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(registrar.calls) != 2 {
		t.Fatalf("expected the failed token to be sent again, got %v", registrar.calls)
	}
}

func TestBridgeRejectsEmptyToken(t *testing.T) {
	bridge := newTestBridge(t, &stubPlatform{}, &recordingRegistrar{})
	if err := bridge.SendTokenToServer(context.Background(), "  ", "user-1"); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestBridgeDeliversOnlyForegroundPushes(t *testing.T) {
	bridge := newTestBridge(t, &stubPlatform{}, &recordingRegistrar{})
	var received []Message
	remove := bridge.OnForegroundPush(func(message Message) {
		received = append(received, message)
	})

	bridge.Deliver(Message{Title: "background", Foreground: false})
	bridge.Deliver(Message{Title: "foreground", Foreground: true})
	if len(received) != 1 || received[0].Title != "foreground" {
		t.Fatalf("expected only the foreground push, got %+v", received)
	}
	if received[0].ReceivedAt.IsZero() {
		t.Fatalf("expected receive time to be stamped")
	}

	remove()
	bridge.Deliver(Message{Title: "after removal", Foreground: true})
	if len(received) != 1 {
		t.Fatalf("expected removed handler to stay silent, got %+v", received)
	}
}

func TestBridgeSurvivesPanickingHandler(t *testing.T) {
	bridge := newTestBridge(t, &stubPlatform{}, &recordingRegistrar{})
	bridge.OnForegroundPush(func(Message) { panic("boom") })
	delivered := false
	bridge.OnForegroundPush(func(Message) { delivered = true })

	bridge.Deliver(Message{Foreground: true})
	if !delivered {
		t.Fatalf("expected the second handler to run")
	}
}
