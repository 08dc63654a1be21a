package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Cache is the device read cache. The redis implementation lives in
// infrastructure; a nil cache disables caching.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

const deviceCacheTTL = 24 * time.Hour

// DeviceService handles device lifecycle: provisioning, pairing,
// unlinking, decommissioning and device-originated capability reports.
type DeviceService struct {
	store    DataStore
	resolver *AccessResolver
	cache    Cache
	retry    RetryPolicy
	logger   *logrus.Logger
}

// NewDeviceService builds the lifecycle service.
func NewDeviceService(store DataStore, resolver *AccessResolver, cache Cache, retry RetryPolicy, logger *logrus.Logger) *DeviceService {
	return &DeviceService{
		store:    store,
		resolver: resolver,
		cache:    cache,
		retry:    retry,
		logger:   logger,
	}
}

// ProvisionDevice registers a factory-new device with its static
// template capabilities. The device starts unowned; pairing links it to
// an account later.
func (s *DeviceService) ProvisionDevice(ctx context.Context, serial, name, deviceType string, templateCaps *CapabilitySet) (*Device, error) {
	existing, err := s.store.GetDeviceBySerial(ctx, serial)
	if err == nil && existing != nil && existing.ID != 0 {
		return nil, ErrDeviceAlreadyExists
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	device := &Device{
		DeviceID:     uuid.New().String(),
		SerialNumber: serial,
		Name:         name,
		DeviceType:   deviceType,
		Attribute:    datatypes.JSONMap{AttrPowerStatus: false},
	}
	if templateCaps != nil {
		doc, err := json.Marshal(templateCaps)
		if err != nil {
			return nil, err
		}
		device.TemplateCapabilities = doc
	}

	err = s.retry.Do(ctx, func() error {
		return s.store.CreateDevice(ctx, device)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"serial":      serial,
		"device_type": deviceType,
	}).Info("Device provisioned")

	return device, nil
}

// PairDevice links a provisioned device to an owning account and an
// optional space. A device that already has an owner cannot be paired
// again until unlinked.
func (s *DeviceService) PairDevice(ctx context.Context, serial string, accountID uint, spaceID *uint) (*Device, error) {
	device, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	if device.AccountID != nil {
		return nil, ErrDeviceAlreadyPaired
	}

	device.AccountID = &accountID
	device.SpaceID = spaceID
	err = s.retry.Do(ctx, func() error {
		return s.store.UpdateDevice(ctx, device)
	})
	if err != nil {
		return nil, err
	}

	s.invalidateCache(ctx, serial)
	s.logger.WithFields(logrus.Fields{
		"serial":     serial,
		"account_id": accountID,
	}).Info("Device paired")

	return device, nil
}

// UnlinkDevice clears ownership, placement and runtime capabilities.
// Invoked by the owner directly or by the group-exit cascade (a
// controlling group role).
func (s *DeviceService) UnlinkDevice(ctx context.Context, serial string, actorID uint) error {
	device, err := s.resolver.CheckAccess(ctx, serial, actorID, true)
	if err != nil {
		return err
	}

	device.AccountID = nil
	device.GroupID = nil
	device.SpaceID = nil
	device.Space = nil
	device.RuntimeCapabilities = nil

	err = s.retry.Do(ctx, func() error {
		return s.store.UpdateDevice(ctx, device)
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx, serial)
	s.logger.WithFields(logrus.Fields{
		"serial":   serial,
		"actor_id": actorID,
	}).Info("Device unlinked")

	return nil
}

// DecommissionDevice soft-deletes a device. Control access required.
func (s *DeviceService) DecommissionDevice(ctx context.Context, serial string, actorID uint) error {
	if _, err := s.resolver.CheckAccess(ctx, serial, actorID, true); err != nil {
		return err
	}

	err := s.retry.Do(ctx, func() error {
		return s.store.SoftDeleteDevice(ctx, serial)
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx, serial)
	s.logger.WithField("serial", serial).Info("Device decommissioned")
	return nil
}

// GetDevice returns a device the actor may at least view. Reads are
// cache-first: a hit skips the row fetch but never the authorization
// check. Misses fall through to the store and repopulate the entry;
// every mutation path invalidates it.
func (s *DeviceService) GetDevice(ctx context.Context, serial string, actorID uint) (*Device, error) {
	if cached := s.cachedDevice(ctx, serial); cached != nil {
		if err := s.resolver.Authorize(ctx, cached, actorID, false); err != nil {
			return nil, err
		}
		return cached, nil
	}

	device, err := s.resolver.CheckAccess(ctx, serial, actorID, false)
	if err != nil {
		return nil, err
	}
	s.cacheDevice(ctx, device)
	return device, nil
}

// ListOwnedDevices returns the actor's directly owned devices.
func (s *DeviceService) ListOwnedDevices(ctx context.Context, actorID uint) ([]*Device, error) {
	return s.store.ListDevicesByAccount(ctx, actorID)
}

// ReportRuntimeCapabilities stores a device-originated capability
// report. No access check: the report comes from the device itself,
// not an actor.
func (s *DeviceService) ReportRuntimeCapabilities(ctx context.Context, serial string, set CapabilitySet) error {
	device, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}

	doc, err := json.Marshal(set)
	if err != nil {
		return err
	}
	device.RuntimeCapabilities = doc

	err = s.retry.Do(ctx, func() error {
		return s.store.UpdateDevice(ctx, device)
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx, serial)
	return s.store.TouchDeviceLastSeen(ctx, serial)
}

// RecordHeartbeat marks the device as recently seen.
func (s *DeviceService) RecordHeartbeat(ctx context.Context, serial string) error {
	return s.store.TouchDeviceLastSeen(ctx, serial)
}

// cachedDevice returns the cached device for serial, or nil on a miss,
// decode failure or disabled cache.
func (s *DeviceService) cachedDevice(ctx context.Context, serial string) *Device {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, deviceCacheKey(serial))
	if err != nil || data == "" {
		return nil
	}
	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		s.logger.WithError(err).WithField("serial", serial).Debug("Discarding undecodable cache entry")
		s.invalidateCache(ctx, serial)
		return nil
	}
	return &device
}

func (s *DeviceService) cacheDevice(ctx context.Context, device *Device) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, deviceCacheKey(device.SerialNumber), string(data), deviceCacheTTL); err != nil {
		s.logger.WithError(err).WithField("serial", device.SerialNumber).Debug("Device cache write failed")
	}
}

func (s *DeviceService) invalidateCache(ctx context.Context, serial string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, deviceCacheKey(serial)); err != nil {
		s.logger.WithError(err).WithField("serial", serial).Debug("Cache invalidation failed")
	}
}
