// Package app assembles the realtime client from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/alerts"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/auth"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/backoff"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/chat"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/config"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/database"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/gateway"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/notifications"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/push"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/resume"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/stream"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App owns every long-lived component of one client process.
type App struct {
	Subject    string
	Dispatcher *dispatch.Dispatcher
	Stream     *stream.Client
	Chat       *chat.Client
	Push       *push.Bridge
	Store      *notifications.Store
	Toaster    *alerts.Toaster
	Desktop    *alerts.Desktop
	Handler    http.Handler

	db        *gorm.DB
	logger    *zap.Logger
	detachers []func()
}

// New opens the database and constructs all components. Nothing connects
// until Start.
func New(cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	subject, err := auth.SubjectFromToken(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve subject: %w", err)
	}

	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	application, err := assemble(cfg, subject, db, logger)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return application, nil
}

func assemble(cfg config.AppConfig, subject string, db *gorm.DB, logger *zap.Logger) (*App, error) {
	dispatcher := dispatch.NewDispatcher(logger)

	tokens, err := resume.NewStore(resume.StoreConfig{Database: db})
	if err != nil {
		return nil, err
	}

	api, err := notifications.NewClient(notifications.ClientConfig{
		BaseURL:     cfg.APIBaseURL,
		AccessToken: cfg.AccessToken,
		HTTPClient:  &http.Client{Timeout: cfg.APITimeout},
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	streamClient, err := stream.NewClient(stream.Config{
		BaseURL:     cfg.APIBaseURL,
		Path:        cfg.StreamPath,
		AccessToken: cfg.AccessToken,
		Policy:      retryPolicy(cfg.StreamRetry),
		Tokens:      tokens,
		Dispatcher:  dispatcher,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	// Subjects that are not numeric user ids send as sender 0; the backend
	// derives the sender from the access token.
	senderID, _ := strconv.ParseInt(subject, 10, 64)
	chatClient, err := chat.NewClient(chat.Config{
		URL:                 cfg.ChatURL,
		AccessToken:         cfg.AccessToken,
		SenderID:            senderID,
		Policy:              retryPolicy(cfg.ChatRetry),
		SubscribeRetries:    cfg.ChatSubscribeRetries,
		SubscribeRetryDelay: cfg.ChatSubscribeRetryDelay,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	platform, err := push.NewDevicePlatform(push.DevicePlatformConfig{Database: db, Enabled: cfg.PushEnabled})
	if err != nil {
		return nil, err
	}
	bridge, err := push.NewBridge(push.BridgeConfig{Platform: platform, Registrar: api, Logger: logger})
	if err != nil {
		return nil, err
	}

	store, err := notifications.NewStore(notifications.StoreConfig{
		Subject: subject,
		API:     api,
		Stream:  streamClient,
		Events:  dispatcher,
		Push:    bridge,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	toaster := alerts.NewToaster(alerts.ToasterConfig{Logger: logger})
	desktop, err := alerts.NewDesktop(alerts.DesktopConfig{Permission: bridge, Logger: logger})
	if err != nil {
		return nil, err
	}

	handler, err := gateway.NewHTTPHandler(gateway.Dependencies{
		Notifications:  store,
		Stream:         streamClient,
		Events:         dispatcher,
		Chat:           chatClient,
		Toasts:         toaster,
		Push:           bridge,
		Creator:        api,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Subject:    subject,
		Dispatcher: dispatcher,
		Stream:     streamClient,
		Chat:       chatClient,
		Push:       bridge,
		Store:      store,
		Toaster:    toaster,
		Desktop:    desktop,
		Handler:    handler,
		db:         db,
		logger:     logger.Named("app").With(zap.String("subject", subject)),
	}, nil
}

func retryPolicy(retry config.RetryConfig) backoff.Policy {
	return backoff.Policy{
		BaseDelay:   retry.BaseDelay,
		MaxDelay:    retry.MaxDelay,
		Jitter:      retry.Jitter,
		MaxAttempts: retry.MaxAttempts,
	}
}

// Start attaches the alert sinks, registers for push and starts the
// notification store. A failed push registration or first refresh is
// logged; the stream keeps running and later refreshes resynchronize.
func (a *App) Start(ctx context.Context) error {
	a.detachers = append(a.detachers, a.Toaster.Attach(a.Dispatcher), a.Desktop.Attach(a.Dispatcher))

	registered, err := a.Push.Register(ctx, a.Subject)
	switch {
	case err != nil:
		a.logger.Warn("push registration failed", zap.Error(err))
	case !registered:
		a.logger.Info("push notifications disabled")
	}

	if err := a.Store.Start(ctx); err != nil {
		if errors.Is(err, stream.ErrEmptySubject) || errors.Is(err, notifications.ErrStoreClosed) {
			return err
		}
		a.logger.Warn("initial notification refresh failed", zap.Error(err))
	}
	a.logger.Info("realtime client started")
	return nil
}

// Close tears down every connection and the database.
func (a *App) Close() error {
	for _, detach := range a.detachers {
		detach()
	}
	a.detachers = nil
	a.Store.Close()
	a.Chat.Close()
	a.Stream.Disconnect()
	return database.Close(a.db)
}
