package core

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// Effect parameter safe ranges. Every numeric input is clamped into
// range rather than rejected; only unknown preset names fail.
const (
	effectSpeedMin    = 50
	effectSpeedMax    = 5000
	effectCountMin    = 0
	effectCountMax    = 100
	effectDurationMin = 0
	effectDurationMax = 300000
)

const effectSolid = "solid"

// EffectParams is a named effect with its parameter vector.
type EffectParams struct {
	Effect   string `json:"effect"`
	Speed    int    `json:"speed"`
	Count    int    `json:"count"`
	Duration int    `json:"duration"`
	Color    string `json:"color,omitempty"`
}

// ledPresets maps preset names to parameter vectors. The table is
// static; duration overrides come from the caller.
var ledPresets = map[string]EffectParams{
	"rainbow": {Effect: "rainbow", Speed: 200, Count: 30, Duration: 60000},
	"breathe": {Effect: "breathe", Speed: 1500, Count: 10, Duration: 30000},
	"chase":   {Effect: "chase", Speed: 100, Count: 50, Duration: 60000},
	"sparkle": {Effect: "sparkle", Speed: 80, Count: 40, Duration: 45000},
	"strobe":  {Effect: "strobe", Speed: 60, Count: 20, Duration: 15000},
	"fade":    {Effect: "fade", Speed: 2000, Count: 5, Duration: 120000},
}

// LEDService is the capability-gated effect variant of the mutation
// pipeline for LED controllers.
type LEDService struct {
	store      DataStore
	resolver   *AccessResolver
	dispatcher *Dispatcher
	cache      Cache
	retry      RetryPolicy
	logger     *logrus.Logger
}

// NewLEDService builds the effect engine.
func NewLEDService(store DataStore, resolver *AccessResolver, dispatcher *Dispatcher, cache Cache, retry RetryPolicy, logger *logrus.Logger) *LEDService {
	return &LEDService{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		cache:      cache,
		retry:      retry,
		logger:     logger,
	}
}

// ApplyPreset starts a named preset on the device, optionally
// overriding its duration. Unknown presets fail listing the valid
// names.
func (s *LEDService) ApplyPreset(ctx context.Context, serial, presetName string, durationOverride *int, actorID uint) (*Device, error) {
	preset, ok := ledPresets[presetName]
	if !ok {
		return nil, unknownPresetError(presetName, PresetNames())
	}
	if durationOverride != nil {
		preset.Duration = *durationOverride
	}
	return s.SetEffect(ctx, serial, preset, actorID)
}

// SetEffect applies an effect after gating on RGB_CONTROL and clamping
// every numeric parameter into its safe range.
func (s *LEDService) SetEffect(ctx context.Context, serial string, params EffectParams, actorID uint) (*Device, error) {
	device, err := s.resolver.CheckAccess(ctx, serial, actorID, true)
	if err != nil {
		return nil, err
	}

	caps := DeviceCapabilities(device)
	if !caps.Has(CapRGBControl) {
		return nil, capabilityError(AttrEffect, CapRGBControl)
	}

	if params.Effect == "" {
		return nil, BusinessError{"LED_002", "effect name is required"}
	}

	params.Speed = clamp(params.Speed, effectSpeedMin, effectSpeedMax)
	params.Count = clamp(params.Count, effectCountMin, effectCountMax)
	params.Duration = clamp(params.Duration, effectDurationMin, effectDurationMax)

	paramBag := map[string]interface{}{
		"speed":    params.Speed,
		"count":    params.Count,
		"duration": params.Duration,
	}
	if params.Color != "" {
		paramBag["color"] = params.Color
	}

	delta := map[string]interface{}{
		AttrEffect:       params.Effect,
		AttrEffectParams: paramBag,
	}
	merged := mergeAttribute(device.Attribute, delta)

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
	s.dispatcher.SendCommand(ctx, serial, ActionSetEffect, nil, map[string]interface{}{
		"effect":   params.Effect,
		"speed":    params.Speed,
		"count":    params.Count,
		"duration": params.Duration,
		"color":    params.Color,
	}, actorRef(actorID))

	s.logger.WithFields(logrus.Fields{
		"serial":   serial,
		"effect":   params.Effect,
		"actor_id": actorID,
	}).Info("LED effect applied")

	return updated, nil
}

// StopEffect resets the device to a neutral solid state and clears the
// effect parameters.
func (s *LEDService) StopEffect(ctx context.Context, serial string, actorID uint) (*Device, error) {
	device, err := s.resolver.CheckAccess(ctx, serial, actorID, true)
	if err != nil {
		return nil, err
	}

	caps := DeviceCapabilities(device)
	if !caps.Has(CapRGBControl) {
		return nil, capabilityError(AttrEffect, CapRGBControl)
	}

	delta := map[string]interface{}{
		AttrEffect:       effectSolid,
		AttrEffectParams: nil,
	}
	merged := mergeAttribute(device.Attribute, delta)

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
	s.dispatcher.SendCommand(ctx, serial, ActionStopEffect, nil, nil, actorRef(actorID))

	return updated, nil
}

// PresetNames returns the valid preset names in stable order.
func PresetNames() []string {
	names := make([]string, 0, len(ledPresets))
	for name := range ledPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *LEDService) invalidateCache(ctx context.Context, serial string) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, deviceCacheKey(serial)); err != nil {
			s.logger.WithError(err).WithField("serial", serial).Debug("Cache invalidation failed")
		}
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
