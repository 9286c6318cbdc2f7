// Package alerts surfaces live notifications to the user as in-app toasts
// and desktop notifications.
package alerts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/model"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/push"
	"go.uber.org/zap"
)

const defaultToastHistory = 20

var errMissingPermission = errors.New("alerts: permission source required")

// EventSource delivers typed stream events.
type EventSource interface {
	AddListener(kind dispatch.Kind, fn dispatch.Listener) dispatch.ListenerID
	RemoveListener(kind dispatch.Kind, id dispatch.ListenerID) bool
}

// Title returns the headline shown for a notification type.
func Title(notificationType model.NotificationType) string {
	switch notificationType {
	case model.NotificationTypeChat:
		return "New chat message"
	case model.NotificationTypeSettlement:
		return "Settlement update"
	case model.NotificationTypeLike:
		return "New like"
	case model.NotificationTypeComment:
		return "New comment"
	default:
		return "Notification"
	}
}

// attach listens for live notifications only; replays of missed events
// never pop up.
func attach(events EventSource, show func(model.Notification)) func() {
	id := events.AddListener(dispatch.KindNotification, func(event dispatch.Event) {
		if event.Notification != nil {
			show(*event.Notification)
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() { events.RemoveListener(dispatch.KindNotification, id) })
	}
}

// Toast is one in-app popup.
type Toast struct {
	NotificationID int64                  `json:"notificationId"`
	Type           model.NotificationType `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	ShownAt        time.Time              `json:"shownAt"`
}

// ToasterConfig describes a Toaster.
type ToasterConfig struct {
	History int
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Toaster keeps the most recent toasts, newest first.
type Toaster struct {
	mu      sync.Mutex
	history []Toast
	limit   int
	logger  *zap.Logger
	now     func() time.Time
}

// NewToaster constructs a Toaster.
func NewToaster(cfg ToasterConfig) *Toaster {
	limit := cfg.History
	if limit <= 0 {
		limit = defaultToastHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Toaster{limit: limit, logger: logger.Named("toast"), now: clock}
}

// Attach shows a toast for every live notification until the returned func runs.
func (t *Toaster) Attach(events EventSource) func() {
	return attach(events, t.Show)
}

// Show records a toast for notification.
func (t *Toaster) Show(notification model.Notification) {
	toast := Toast{
		NotificationID: notification.NotificationID,
		Type:           notification.Type,
		Title:          Title(notification.Type),
		Message:        notification.Content,
		ShownAt:        t.now().UTC(),
	}
	t.mu.Lock()
	t.history = append([]Toast{toast}, t.history...)
	if len(t.history) > t.limit {
		t.history = t.history[:t.limit]
	}
	t.mu.Unlock()
	t.logger.Debug("toast shown", zap.Int64("notification_id", toast.NotificationID))
}

// History returns the retained toasts, newest first.
func (t *Toaster) History() []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Toast{}, t.history...)
}

// PermissionSource reports the user's notification permission.
type PermissionSource interface {
	Permission() push.Permission
}

// Presenter displays a desktop notification.
type Presenter func(title, body string) error

// DesktopConfig describes a Desktop notifier. Present defaults to logging.
type DesktopConfig struct {
	Permission PermissionSource
	Present    Presenter
	Logger     *zap.Logger
}

// Desktop raises system notifications when permission was granted.
type Desktop struct {
	permission PermissionSource
	present    Presenter
	logger     *zap.Logger
}

// NewDesktop constructs a Desktop notifier.
func NewDesktop(cfg DesktopConfig) (*Desktop, error) {
	if cfg.Permission == nil {
		return nil, errMissingPermission
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("desktop")
	present := cfg.Present
	if present == nil {
		present = func(title, body string) error {
			logger.Info("desktop notification", zap.String("title", title), zap.String("body", body))
			return nil
		}
	}
	return &Desktop{permission: cfg.Permission, present: present, logger: logger}, nil
}

// Attach raises a notification for every live notification until the
// returned func runs.
func (d *Desktop) Attach(events EventSource) func() {
	return attach(events, func(notification model.Notification) {
		d.Notify(notification)
	})
}

// Notify presents notification and reports whether it was shown. Without
// granted permission it does nothing.
func (d *Desktop) Notify(notification model.Notification) bool {
	if d.permission.Permission() != push.PermissionGranted {
		return false
	}
	if err := d.present(Title(notification.Type), notification.Content); err != nil {
		d.logger.Warn("desktop notification failed",
			zap.Int64("notification_id", notification.NotificationID),
			zap.Error(fmt.Errorf("present: %w", err)))
		return false
	}
	return true
}
