package core

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Topic carrying share grant audit events.
const TopicShareEvents = "events/shares"

// SharingService manages VIEW/CONTROL share grants on devices. Grants
// are independent of group membership; at most one active grant exists
// per (device, grantee) pair.
type SharingService struct {
	store  DataStore
	audit  AuditSink
	logger *logrus.Logger
}

// NewSharingService builds the share manager.
func NewSharingService(store DataStore, audit AuditSink, logger *logrus.Logger) *SharingService {
	return &SharingService{store: store, audit: audit, logger: logger}
}

// CreateShare grants granteeID the given permission on the device. Only
// the direct owner or a controlling group role may create grants — a
// CONTROL grantee cannot re-share. A duplicate active grant is a
// conflict.
func (s *SharingService) CreateShare(ctx context.Context, serial string, grantorID, granteeID uint, permission PermissionType) (*SharedPermission, error) {
	if permission != PermissionView && permission != PermissionControl {
		return nil, BusinessError{"SHARE_003", "permission_type must be VIEW or CONTROL"}
	}

	device, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	if device.AccountID == nil && device.GroupID == nil &&
		(device.Space == nil || device.Space.House == nil || device.Space.House.GroupID == nil) {
		return nil, ErrDeviceNotOwned
	}

	manager, err := s.canManageShares(ctx, device, grantorID)
	if err != nil {
		return nil, err
	}
	if !manager {
		return nil, ErrAccessDenied
	}

	existing, err := s.store.GetActiveShare(ctx, serial, granteeID)
	if err == nil && existing != nil {
		return nil, ErrDuplicateShare
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	share := &SharedPermission{
		DeviceSerial:     serial,
		SharedWithUserID: granteeID,
		GrantedByUserID:  grantorID,
		PermissionType:   permission,
	}
	if err := s.store.CreateShare(ctx, share); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, "share_created", share)
	s.logger.WithFields(logrus.Fields{
		"serial":     serial,
		"grantee_id": granteeID,
		"permission": permission,
	}).Info("Share grant created")

	return share, nil
}

// RevokeShare soft-deletes the grantee's grant. Allowed for the direct
// owner, a controlling group role, or the grantee revoking their own
// access.
func (s *SharingService) RevokeShare(ctx context.Context, serial string, granteeID, actorID uint) error {
	device, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}

	if actorID != granteeID {
		manager, err := s.canManageShares(ctx, device, actorID)
		if err != nil {
			return err
		}
		if !manager {
			return ErrAccessDenied
		}
	}

	share, err := s.store.GetActiveShare(ctx, serial, granteeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrShareNotFound
		}
		return err
	}

	if err := s.store.RevokeShare(ctx, share.ID); err != nil {
		return err
	}

	s.auditEvent(ctx, "share_revoked", share)
	s.logger.WithFields(logrus.Fields{
		"serial":     serial,
		"grantee_id": granteeID,
		"actor_id":   actorID,
	}).Info("Share grant revoked")

	return nil
}

// ListShares returns the active grants on a device. Only a share
// manager sees the list.
func (s *SharingService) ListShares(ctx context.Context, serial string, actorID uint) ([]*SharedPermission, error) {
	device, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	manager, err := s.canManageShares(ctx, device, actorID)
	if err != nil {
		return nil, err
	}
	if !manager {
		return nil, ErrAccessDenied
	}

	return s.store.ListSharesForDevice(ctx, serial)
}

// canManageShares reports whether the actor is the direct owner or
// holds a controlling role in the device's group. Share grants never
// confer share management.
func (s *SharingService) canManageShares(ctx context.Context, device *Device, actorID uint) (bool, error) {
	if device.AccountID != nil && *device.AccountID == actorID {
		return true, nil
	}

	var groupID uint
	if device.GroupID != nil {
		groupID = *device.GroupID
	} else if device.Space != nil && device.Space.House != nil && device.Space.House.GroupID != nil {
		groupID = *device.Space.House.GroupID
	}
	if groupID == 0 {
		return false, nil
	}

	membership, err := s.store.GetMembership(ctx, groupID, actorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return membership.Role.CanControl(), nil
}

func (s *SharingService) auditEvent(ctx context.Context, event string, share *SharedPermission) {
	if s.audit == nil {
		return
	}
	payload := map[string]interface{}{
		"event":               event,
		"device_serial":       share.DeviceSerial,
		"shared_with_user_id": share.SharedWithUserID,
		"granted_by_user_id":  share.GrantedByUserID,
		"permission_type":     share.PermissionType,
	}
	if err := s.audit.Publish(ctx, TopicShareEvents, payload); err != nil {
		s.logger.WithError(err).Warn("Failed to publish share audit event")
	}
}
