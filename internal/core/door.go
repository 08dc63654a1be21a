package core

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Door movement limits.
const (
	servoAngleMin         = 0
	servoAngleMax         = 180
	movementDurationMinMs = 500
	movementDurationMaxMs = 5000
)

// DoorSensorReport is the firmware-originated ground truth for a door.
// Sensor data always wins: it overwrites the persisted door fields
// unconditionally and never passes through the access resolver, because
// it is device-originated rather than actor-originated.
type DoorSensorReport struct {
	SerialNumber     string `json:"serialNumber"`
	DoorState        string `json:"door_state"`
	ServoAngle       *int   `json:"servo_angle,omitempty"`
	IsMoving         *bool  `json:"is_moving,omitempty"`
	ObstacleDetected *bool  `json:"obstacle_detected,omitempty"`
	ManualOverride   *bool  `json:"manual_override,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
}

// DoorService specializes the mutation pipeline for door devices: a
// six-state machine driven by toggle commands (optimistic) and sensor
// reports (authoritative), an advisory is_moving busy-guard, and
// range-validated servo configuration.
type DoorService struct {
	store      DataStore
	resolver   *AccessResolver
	dispatcher *Dispatcher
	cache      Cache
	retry      RetryPolicy
	logger     *logrus.Logger
}

// NewDoorService builds the door subsystem.
func NewDoorService(store DataStore, resolver *AccessResolver, dispatcher *Dispatcher, cache Cache, retry RetryPolicy, logger *logrus.Logger) *DoorService {
	return &DoorService{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		cache:      cache,
		retry:      retry,
		logger:     logger,
	}
}

// ToggleDoor commands a door open or closed. The persisted state is
// updated optimistically (firmware confirms via sensor report). While
// the door is moving a non-forced toggle fails with a conflict; force
// overrides the guard, which is how emergency operations push through.
// The guard is advisory only: it is a read-then-write check, not a
// lock, so two near-simultaneous non-forced toggles can both pass it.
// timeoutMs is advisory metadata for the firmware; this layer does not
// wait for an acknowledgment.
func (s *DoorService) ToggleDoor(ctx context.Context, serial string, open bool, actorID uint, force bool, timeoutMs int) (*Device, error) {
	device, err := s.resolver.CheckAccess(ctx, serial, actorID, true)
	if err != nil {
		return nil, err
	}

	if !DeviceCapabilities(device).Has(CapDoorControl) {
		return nil, capabilityError(AttrDoorState, CapDoorControl)
	}

	if !force && isMoving(device) {
		return nil, ErrDoorBusy
	}

	target := DoorClosed
	angle := servoAngleMin
	if open {
		target = DoorOpen
		angle = servoAngleMax
	}

	delta := map[string]interface{}{
		AttrDoorState:  string(target),
		AttrServoAngle: angle,
		AttrIsMoving:   true,
	}

	merged := mergeAttribute(device.Attribute, delta)
	power := resolvePowerStatus(merged, device.PowerStatus)
	merged[AttrPowerStatus] = power

	var updated *Device
	err = s.retry.Do(ctx, func() error {
		var opErr error
		updated, opErr = s.store.UpdateDeviceState(ctx, serial, merged, power)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	s.invalidateCache(ctx, serial)
	s.dispatcher.SendCommand(ctx, serial, ActionToggleDoor, delta, map[string]interface{}{
		"timeout_ms": timeoutMs,
		"force":      force,
	}, actorRef(actorID))

	s.logger.WithFields(logrus.Fields{
		"serial":   serial,
		"actor_id": actorID,
		"target":   target,
		"force":    force,
	}).Info("Door toggle issued")

	return updated, nil
}

// UpdateConfig validates and merges door configuration. Servo angles
// must fall within [0,180] and movement duration within [500,5000]ms.
func (s *DoorService) UpdateConfig(ctx context.Context, serial string, actorID uint, cfg map[string]interface{}) (*Device, error) {
	device, err := s.resolver.CheckAccess(ctx, serial, actorID, true)
	if err != nil {
		return nil, err
	}

	if !DeviceCapabilities(device).Has(CapDoorControl) {
		return nil, capabilityError(AttrDoorConfig, CapDoorControl)
	}

	if err := validateDoorConfig(cfg); err != nil {
		return nil, err
	}

	current := map[string]interface{}{}
	if existing, ok := device.Attribute[AttrDoorConfig].(map[string]interface{}); ok {
		for k, v := range existing {
			current[k] = v
		}
	}
	for k, v := range cfg {
		current[k] = v
	}

	merged := mergeAttribute(device.Attribute, map[string]interface{}{AttrDoorConfig: current})

	var updated *Device
	err = s.retry.Do(ctx, func() error {
		var opErr error
		updated, opErr = s.store.UpdateDeviceState(ctx, serial, merged, device.PowerStatus)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	s.invalidateCache(ctx, serial)
	s.dispatcher.SendCommand(ctx, serial, ActionUpdateState, map[string]interface{}{AttrDoorConfig: cfg}, nil, actorRef(actorID))

	return updated, nil
}

// ApplySensorReport persists a firmware door report and echoes it to
// the viewer topic. No access check: the report comes from the device.
func (s *DoorService) ApplySensorReport(ctx context.Context, report DoorSensorReport) error {
	device, err := s.store.GetDeviceBySerial(ctx, report.SerialNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}

	delta := map[string]interface{}{}
	if validDoorStatus(report.DoorState) {
		delta[AttrDoorState] = report.DoorState
	} else if report.DoorState != "" {
		s.logger.WithFields(logrus.Fields{
			"serial": report.SerialNumber,
			"state":  report.DoorState,
		}).Warn("Ignoring unknown door state in sensor report")
	}
	if report.ServoAngle != nil {
		delta[AttrServoAngle] = *report.ServoAngle
	}
	if report.IsMoving != nil {
		delta[AttrIsMoving] = *report.IsMoving
	}
	if report.ObstacleDetected != nil {
		delta[AttrObstacleDetected] = *report.ObstacleDetected
	}
	if report.ManualOverride != nil {
		delta[AttrManualOverride] = *report.ManualOverride
	}
	if len(delta) == 0 {
		return nil
	}

	merged := mergeAttribute(device.Attribute, delta)

	err = s.retry.Do(ctx, func() error {
		_, opErr := s.store.UpdateDeviceState(ctx, report.SerialNumber, merged, device.PowerStatus)
		return opErr
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx, report.SerialNumber)
	s.dispatcher.BroadcastStatus(ctx, report.SerialNumber, delta)

	return nil
}

func (s *DoorService) invalidateCache(ctx context.Context, serial string) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, deviceCacheKey(serial)); err != nil {
			s.logger.WithError(err).WithField("serial", serial).Debug("Cache invalidation failed")
		}
	}
}

func isMoving(device *Device) bool {
	moving, _ := device.Attribute[AttrIsMoving].(bool)
	return moving
}

func validDoorStatus(s string) bool {
	switch DoorStatus(s) {
	case DoorClosed, DoorOpening, DoorOpen, DoorClosing, DoorError, DoorMaintenance:
		return true
	}
	return false
}

// validateDoorConfig range-checks the recognized configuration keys.
// Unrecognized keys pass through untouched.
func validateDoorConfig(cfg map[string]interface{}) error {
	for _, key := range []string{DoorCfgServoOpenAngle, DoorCfgServoCloseAngle} {
		if v, ok := cfg[key]; ok {
			n, numeric := asInt(v)
			if !numeric || n < servoAngleMin || n > servoAngleMax {
				return doorConfigError(key, servoAngleMin, servoAngleMax)
			}
		}
	}
	if v, ok := cfg[DoorCfgMovementDuration]; ok {
		n, numeric := asInt(v)
		if !numeric || n < movementDurationMinMs || n > movementDurationMaxMs {
			return doorConfigError(DoorCfgMovementDuration, movementDurationMinMs, movementDurationMaxMs)
		}
	}
	return nil
}
