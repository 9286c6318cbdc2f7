package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Permission is the outcome of a notification permission prompt.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	// PermissionDefault means the prompt was dismissed without a decision.
	PermissionDefault Permission = "default"
)

var (
	errMissingPlatform  = errors.New("push: platform required")
	errMissingRegistrar = errors.New("push: registrar required")
	// ErrEmptyToken is returned when registering a blank token.
	ErrEmptyToken = errors.New("push: registration token is empty")
)

// Message is a push delivered by the platform.
type Message struct {
	Title      string
	Body       string
	Data       map[string]string
	Foreground bool
	ReceivedAt time.Time
}

// Platform is the device's push service.
type Platform interface {
	RequestPermission(ctx context.Context) (Permission, error)
	Token(ctx context.Context) (string, error)
}

// Registrar stores a registration token for a subject on the backend.
type Registrar interface {
	RegisterPushToken(ctx context.Context, token, subject string) error
}

// BridgeConfig describes a Bridge.
type BridgeConfig struct {
	Platform  Platform
	Registrar Registrar
	Logger    *zap.Logger
}

// Bridge registers the device for push and relays foreground pushes to
// handlers. It holds no notification state of its own.
type Bridge struct {
	platform  Platform
	registrar Registrar
	logger    *zap.Logger

	mu          sync.Mutex
	permission  Permission
	token       string
	registered  map[string]struct{}
	handlers    map[int64]func(Message)
	nextHandler int64
}

// NewBridge constructs a Bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Platform == nil {
		return nil, errMissingPlatform
	}
	if cfg.Registrar == nil {
		return nil, errMissingRegistrar
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		platform:   cfg.Platform,
		registrar:  cfg.Registrar,
		logger:     logger.Named("push"),
		permission: PermissionDefault,
		registered: make(map[string]struct{}),
		handlers:   make(map[int64]func(Message)),
	}, nil
}

// RequestPermission prompts for permission and reports whether it was
// granted. Denial is an expected outcome, not an error.
func (b *Bridge) RequestPermission(ctx context.Context) bool {
	permission, err := b.platform.RequestPermission(ctx)
	if err != nil {
		b.logger.Warn("permission request failed", zap.Error(err))
		permission = PermissionDefault
	}
	b.mu.Lock()
	b.permission = permission
	b.mu.Unlock()
	if permission != PermissionGranted {
		b.logger.Info("push permission not granted", zap.String("permission", string(permission)))
	}
	return permission == PermissionGranted
}

// Permission returns the last known permission.
func (b *Bridge) Permission() Permission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permission
}

// RegistrationToken returns the device token, fetching it once. Without
// granted permission it returns "".
func (b *Bridge) RegistrationToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.token != "" {
		token := b.token
		b.mu.Unlock()
		return token, nil
	}
	granted := b.permission == PermissionGranted
	b.mu.Unlock()
	if !granted {
		return "", nil
	}

	token, err := b.platform.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("push: fetch registration token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
	return token, nil
}

// SendTokenToServer registers token for subject. A token already registered
// in this session is not sent again.
func (b *Bridge) SendTokenToServer(ctx context.Context, token, subject string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	b.mu.Lock()
	_, done := b.registered[token]
	b.mu.Unlock()
	if done {
		return nil
	}
	if err := b.registrar.RegisterPushToken(ctx, token, subject); err != nil {
		return fmt.Errorf("push: register token: %w", err)
	}
	b.mu.Lock()
	b.registered[token] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("push token registered", zap.String("subject", subject))
	return nil
}

// Register runs the permission, token and server registration steps. It
// reports false without error when permission is not granted.
func (b *Bridge) Register(ctx context.Context, subject string) (bool, error) {
	if !b.RequestPermission(ctx) {
		return false, nil
	}
	token, err := b.RegistrationToken(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	if err := b.SendTokenToServer(ctx, token, subject); err != nil {
		return false, err
	}
	return true, nil
}

// OnForegroundPush registers fn for pushes arriving while the client is in
// the foreground and returns its removal func.
func (b *Bridge) OnForegroundPush(fn func(Message)) func() {
	b.mu.Lock()
	b.nextHandler++
	id := b.nextHandler
	b.handlers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Deliver is called by the platform transport for every received push.
// Background pushes are left to the platform's own presentation.
func (b *Bridge) Deliver(message Message) {
	if !message.Foreground {
		b.logger.Debug("ignoring background push")
		return
	}
	if message.ReceivedAt.IsZero() {
		message.ReceivedAt = time.Now().UTC()
	}
	b.mu.Lock()
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		b.invoke(handler, message)
	}
}

func (b *Bridge) invoke(handler func(Message), message Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("push handler panicked", zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	handler(message)
}
