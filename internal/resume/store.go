package resume

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChannelNotifications is the channel name of the notification stream.
const ChannelNotifications = "notification-stream"

var (
	errMissingDatabase = errors.New("resume: database connection required")
	// ErrInvalidKey indicates an empty channel or subject.
	ErrInvalidKey = errors.New("resume: channel and subject are required")
)

// Token is the last event id the client processed for a (channel, subject) pair.
type Token struct {
	Channel          string `gorm:"column:channel;primaryKey;size:64;not null"`
	Subject          string `gorm:"column:subject;primaryKey;size:190;not null"`
	EventID          string `gorm:"column:event_id;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName pins the table name.
func (Token) TableName() string {
	return "resumption_tokens"
}

// StoreConfig describes the dependencies of Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store persists resumption tokens in the client state database. It has a
// single writer per subject: the stream client currently connected for it.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// Load returns the persisted event id, or "" when none was recorded.
func (s *Store) Load(ctx context.Context, channel, subject string) (string, error) {
	channel, subject, err := normalizeKey(channel, subject)
	if err != nil {
		return "", err
	}
	var token Token
	err = s.db.WithContext(ctx).
		Where("channel = ? AND subject = ?", channel, subject).
		Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resume: load token: %w", err)
	}
	return token.EventID, nil
}

// Save records eventID as the latest processed event. Empty ids are ignored.
func (s *Store) Save(ctx context.Context, channel, subject, eventID string) error {
	channel, subject, err := normalizeKey(channel, subject)
	if err != nil {
		return err
	}
	if strings.TrimSpace(eventID) == "" {
		return nil
	}
	token := Token{
		Channel:          channel,
		Subject:          subject,
		EventID:          eventID,
		UpdatedAtSeconds: s.now().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel"}, {Name: "subject"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_id", "updated_at_s"}),
	}).Create(&token).Error
	if err != nil {
		return fmt.Errorf("resume: save token: %w", err)
	}
	return nil
}

// Clear forgets the token so the next connect requests no replay.
func (s *Store) Clear(ctx context.Context, channel, subject string) error {
	channel, subject, err := normalizeKey(channel, subject)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Where("channel = ? AND subject = ?", channel, subject).
		Delete(&Token{}).Error
	if err != nil {
		return fmt.Errorf("resume: clear token: %w", err)
	}
	return nil
}

func normalizeKey(channel, subject string) (string, string, error) {
	channel = strings.TrimSpace(channel)
	subject = strings.TrimSpace(subject)
	if channel == "" || subject == "" {
		return "", "", ErrInvalidKey
	}
	return channel, subject, nil
}
