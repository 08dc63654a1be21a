package core

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DataStore defines the persistence surface of the core. Per-row writes
// are assumed atomic; the retry policy depends only on the transient/
// permanent error classification of what these methods return.
type DataStore interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	GetDeviceBySerial(ctx context.Context, serial string) (*Device, error)
	GetDeviceByID(ctx context.Context, id uint) (*Device, error)
	ListDevicesByAccount(ctx context.Context, accountID uint) ([]*Device, error)
	UpdateDeviceState(ctx context.Context, serial string, attribute datatypes.JSONMap, powerStatus bool) (*Device, error)
	SoftDeleteDevice(ctx context.Context, serial string) error
	TouchDeviceLastSeen(ctx context.Context, serial string) error

	// Group membership operations
	GetMembership(ctx context.Context, groupID, accountID uint) (*GroupMembership, error)

	// Share grant operations
	GetActiveShare(ctx context.Context, serial string, userID uint) (*SharedPermission, error)
	CreateShare(ctx context.Context, share *SharedPermission) error
	RevokeShare(ctx context.Context, id uint) error
	ListSharesForDevice(ctx context.Context, serial string) ([]*SharedPermission, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore builds a DataStore over a gorm connection.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (s *dataStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewDataStore(tx))
	})
}

func (s *dataStore) CreateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *dataStore) UpdateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *dataStore) GetDeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	var d Device
	err := s.db.WithContext(ctx).
		Preload("Space").Preload("Space.House").
		Where("serial_number = ?", serial).First(&d).Error
	return &d, err
}

func (s *dataStore) GetDeviceByID(ctx context.Context, id uint) (*Device, error) {
	var d Device
	err := s.db.WithContext(ctx).
		Preload("Space").Preload("Space.House").
		First(&d, id).Error
	return &d, err
}

func (s *dataStore) ListDevicesByAccount(ctx context.Context, accountID uint) ([]*Device, error) {
	var devices []*Device
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&devices).Error
	return devices, err
}

// UpdateDeviceState writes the attribute bag and its mirrored power
// column in one row update and returns the fresh device.
func (s *dataStore) UpdateDeviceState(ctx context.Context, serial string, attribute datatypes.JSONMap, powerStatus bool) (*Device, error) {
	err := s.db.WithContext(ctx).Model(&Device{}).
		Where("serial_number = ?", serial).
		Updates(map[string]interface{}{
			"attribute":    attribute,
			"power_status": powerStatus,
		}).Error
	if err != nil {
		return nil, err
	}
	return s.GetDeviceBySerial(ctx, serial)
}

func (s *dataStore) SoftDeleteDevice(ctx context.Context, serial string) error {
	return s.db.WithContext(ctx).Where("serial_number = ?", serial).Delete(&Device{}).Error
}

func (s *dataStore) TouchDeviceLastSeen(ctx context.Context, serial string) error {
	return s.db.WithContext(ctx).Model(&Device{}).
		Where("serial_number = ?", serial).
		Update("last_seen", time.Now()).Error
}

func (s *dataStore) GetMembership(ctx context.Context, groupID, accountID uint) (*GroupMembership, error) {
	var m GroupMembership
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND account_id = ?", groupID, accountID).
		First(&m).Error
	return &m, err
}

func (s *dataStore) GetActiveShare(ctx context.Context, serial string, userID uint) (*SharedPermission, error) {
	var share SharedPermission
	err := s.db.WithContext(ctx).
		Where("device_serial = ? AND shared_with_user_id = ?", serial, userID).
		First(&share).Error
	return &share, err
}

func (s *dataStore) CreateShare(ctx context.Context, share *SharedPermission) error {
	return s.db.WithContext(ctx).Create(share).Error
}

func (s *dataStore) RevokeShare(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&SharedPermission{}, id).Error
}

func (s *dataStore) ListSharesForDevice(ctx context.Context, serial string) ([]*SharedPermission, error) {
	var shares []*SharedPermission
	err := s.db.WithContext(ctx).
		Where("device_serial = ?", serial).
		Order("created_at ASC").
		Find(&shares).Error
	return shares, err
}
