package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("push: database connection required")

// Device is the locally persisted push identity of this client.
type Device struct {
	ID               uint   `gorm:"column:id;primaryKey"`
	Token            string `gorm:"column:token;size:190;not null;uniqueIndex"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName pins the table name.
func (Device) TableName() string {
	return "push_devices"
}

// DevicePlatformConfig describes a DevicePlatform.
type DevicePlatformConfig struct {
	Database *gorm.DB
	Enabled  bool
	Clock    func() time.Time
}

// DevicePlatform is a Platform for headless clients: permission follows
// configuration and the registration token is a persisted device id.
type DevicePlatform struct {
	db      *gorm.DB
	enabled bool
	now     func() time.Time
}

// NewDevicePlatform constructs a DevicePlatform.
func NewDevicePlatform(cfg DevicePlatformConfig) (*DevicePlatform, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DevicePlatform{db: cfg.Database, enabled: cfg.Enabled, now: clock}, nil
}

// RequestPermission grants when push is enabled.
func (p *DevicePlatform) RequestPermission(context.Context) (Permission, error) {
	if !p.enabled {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

// Token returns the persisted device token, creating it on first use.
func (p *DevicePlatform) Token(ctx context.Context) (string, error) {
	var device Device
	err := p.db.WithContext(ctx).Order("id ASC").Take(&device).Error
	if err == nil {
		return device.Token, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("push: load device: %w", err)
	}
	device = Device{
		Token:            uuid.NewString(),
		CreatedAtSeconds: p.now().UTC().Unix(),
	}
	if err := p.db.WithContext(ctx).Create(&device).Error; err != nil {
		return "", fmt.Errorf("push: create device: %w", err)
	}
	return device.Token, nil
}
