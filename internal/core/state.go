package core

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// StateService is the state mutation pipeline. Every state-changing
// request passes through the same steps: resolve control access, merge
// capabilities, validate each requested field against its capability
// gate and value range, shallow-merge into the attribute bag, persist
// under the retry policy, then publish the delta to the controller
// topic. Persist happens before publish so the state a command refers
// to is already durable.
type StateService struct {
	store      DataStore
	resolver   *AccessResolver
	dispatcher *Dispatcher
	cache      Cache
	retry      RetryPolicy
	logger     *logrus.Logger
}

// NewStateService builds the mutation pipeline.
func NewStateService(store DataStore, resolver *AccessResolver, dispatcher *Dispatcher, cache Cache, retry RetryPolicy, logger *logrus.Logger) *StateService {
	return &StateService{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		cache:      cache,
		retry:      retry,
		logger:     logger,
	}
}

// UpdateState validates and applies a partial state update to the
// device addressed by serial, on behalf of actorID. The published
// command carries only the delta; firmware applies it idempotently.
func (s *StateService) UpdateState(ctx context.Context, serial string, actorID uint, partial map[string]interface{}) (*Device, error) {
	device, err := s.resolver.CheckAccess(ctx, serial, actorID, true)
	if err != nil {
		return nil, err
	}

	caps := DeviceCapabilities(device)
	if err := validatePartialState(partial, caps); err != nil {
		return nil, err
	}

	merged := mergeAttribute(device.Attribute, partial)
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
	s.dispatcher.SendCommand(ctx, serial, ActionUpdateState, partial, nil, actorRef(actorID))

	s.logger.WithFields(logrus.Fields{
		"serial":   serial,
		"actor_id": actorID,
		"fields":   len(partial),
	}).Info("Device state updated")

	return updated, nil
}

// Toggle flips the device power flag.
func (s *StateService) Toggle(ctx context.Context, serial string, actorID uint, on bool) (*Device, error) {
	return s.UpdateState(ctx, serial, actorID, map[string]interface{}{
		AttrPowerStatus: on,
	})
}

// UpdateWifi pushes new wifi credentials into the device state.
func (s *StateService) UpdateWifi(ctx context.Context, serial string, actorID uint, ssid, password string) (*Device, error) {
	return s.UpdateState(ctx, serial, actorID, map[string]interface{}{
		AttrWifiSSID:     ssid,
		AttrWifiPassword: password,
	})
}

// BulkUpdate left-folds an ordered list of partial updates into one
// merged partial and applies it with a single UpdateState call, so the
// whole request is one persist and one publish.
func (s *StateService) BulkUpdate(ctx context.Context, serial string, actorID uint, updates []map[string]interface{}) (*Device, error) {
	folded := make(map[string]interface{})
	for _, u := range updates {
		for k, v := range u {
			folded[k] = v
		}
	}
	return s.UpdateState(ctx, serial, actorID, folded)
}

func (s *StateService) invalidateCache(ctx context.Context, serial string) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, deviceCacheKey(serial)); err != nil {
			s.logger.WithError(err).WithField("serial", serial).Debug("Cache invalidation failed")
		}
	}
}

func deviceCacheKey(serial string) string { return "device:" + serial }

func actorRef(actorID uint) string { return fmt.Sprintf("account:%d", actorID) }

// validatePartialState checks every requested field against its
// capability gate and value rules. Capability misses are forbidden,
// bad values are bad requests.
func validatePartialState(partial map[string]interface{}, caps MergedCapabilities) error {
	for field, value := range partial {
		switch field {
		case AttrPowerStatus:
			if !caps.Has(CapOutput) {
				return capabilityError(field, CapOutput)
			}
			if _, ok := value.(bool); !ok {
				return formatError(field, "a boolean")
			}
		case AttrBrightness:
			if !caps.Has(CapBrightnessControl) {
				return capabilityError(field, CapBrightnessControl)
			}
			n, ok := asInt(value)
			if !ok || n < 0 || n > 100 {
				return rangeError(field, 0, 100)
			}
		case AttrColor:
			if !caps.Has(CapRGBControl) {
				return capabilityError(field, CapRGBControl)
			}
			str, ok := value.(string)
			if !ok || !colorPattern.MatchString(str) {
				return formatError(field, "#RRGGBB")
			}
		case AttrAlarmActive, AttrBuzzerOverride:
			if !caps.Has(CapAlarmControl) {
				return capabilityError(field, CapAlarmControl)
			}
			if _, ok := value.(bool); !ok {
				return formatError(field, "a boolean")
			}
		case AttrWifiSSID, AttrWifiPassword:
			if _, ok := value.(string); !ok {
				return formatError(field, "a string")
			}
		}
	}
	return nil
}

// mergeAttribute shallow-merges partial over the current bag without
// mutating either input.
func mergeAttribute(current datatypes.JSONMap, partial map[string]interface{}) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// resolvePowerStatus keeps the mirrored power column in lockstep with
// the bag.
func resolvePowerStatus(merged datatypes.JSONMap, fallback bool) bool {
	if v, ok := merged[AttrPowerStatus]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// asInt accepts the numeric shapes JSON decoding produces.
func asInt(value interface{}) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
