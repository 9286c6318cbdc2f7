package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotificationType enumerates the categories the backend emits.
type NotificationType string

const (
	NotificationTypeChat       NotificationType = "CHAT"
	NotificationTypeSettlement NotificationType = "SETTLEMENT"
	NotificationTypeLike       NotificationType = "LIKE"
	NotificationTypeComment    NotificationType = "COMMENT"
)

var (
	// ErrInvalidNotificationID indicates a missing or non-positive server id.
	ErrInvalidNotificationID = errors.New("model: invalid notification id")
	// ErrUnknownNotificationType indicates a type outside the known set.
	ErrUnknownNotificationType = errors.New("model: unknown notification type")
)

// ParseNotificationType normalizes raw input into a NotificationType.
func ParseNotificationType(raw string) (NotificationType, error) {
	candidate := NotificationType(strings.ToUpper(strings.TrimSpace(raw)))
	switch candidate {
	case NotificationTypeChat, NotificationTypeSettlement, NotificationTypeLike, NotificationTypeComment:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNotificationType, raw)
	}
}

// Notification is a single server-assigned notification as delivered by the
// stream or a page fetch. Only IsRead is mutated client-side.
type Notification struct {
	NotificationID int64            `json:"notificationId"`
	Content        string           `json:"content"`
	Type           NotificationType `json:"type"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Validate checks the fields consumers rely on for deduplication.
func (n Notification) Validate() error {
	if n.NotificationID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidNotificationID, n.NotificationID)
	}
	if _, err := ParseNotificationType(string(n.Type)); err != nil {
		return err
	}
	return nil
}

// UnreadCount is the payload of the unread-count channel.
type UnreadCount struct {
	Count int `json:"count"`
}
