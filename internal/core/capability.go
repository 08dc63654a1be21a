package core

import (
	"encoding/json"
	"sort"

	"gorm.io/datatypes"
)

// Capability names a device can declare.
const (
	CapOutput            = "OUTPUT"
	CapInput             = "INPUT"
	CapSensor            = "SENSOR"
	CapRGBControl        = "RGB_CONTROL"
	CapBrightnessControl = "BRIGHTNESS_CONTROL"
	CapAlarmControl      = "ALARM_CONTROL"
	CapDoorControl       = "DOOR_CONTROL"
)

// CapabilitySet is the JSON document stored in a device's template and
// runtime capability columns.
type CapabilitySet struct {
	Capabilities []string          `json:"capabilities,omitempty"`
	Controls     map[string]string `json:"controls,omitempty"`
	DeviceType   string            `json:"device_type,omitempty"`
	Category     string            `json:"category,omitempty"`
	IsInput      *bool             `json:"is_input,omitempty"`
	IsOutput     *bool             `json:"is_output,omitempty"`
	IsSensor     *bool             `json:"is_sensor,omitempty"`
	IsActuator   *bool             `json:"is_actuator,omitempty"`
}

// MergedCapabilities is the authoritative capability view of a device:
// the template capabilities overlaid with whatever the device reported
// at runtime. All field-level validation in the mutation pipeline goes
// through this type.
type MergedCapabilities struct {
	Capabilities []string
	Controls     map[string]string
	DeviceType   string
	Category     string
	IsInput      bool
	IsOutput     bool
	IsSensor     bool
	IsActuator   bool

	caps map[string]bool
}

// Has reports whether the merged set contains the named capability.
func (m MergedCapabilities) Has(capability string) bool {
	return m.caps[capability]
}

// MergeCapabilities combines a static template capability set with a
// device-reported runtime set. Capability lists are unioned and
// de-duplicated, scalar fields prefer runtime when present, and
// controls maps are shallow-merged with runtime winning per key. When
// both inputs are nil the result is a conservative non-empty default so
// downstream validation never degrades to a no-op. Pure and
// deterministic: the same inputs always produce the same result,
// including ordering.
func MergeCapabilities(base, runtime *CapabilitySet) MergedCapabilities {
	if base == nil && runtime == nil {
		return defaultCapabilities()
	}

	merged := MergedCapabilities{
		Controls: make(map[string]string),
		caps:     make(map[string]bool),
	}

	var inputSet, outputSet, sensorSet bool
	for _, src := range []*CapabilitySet{base, runtime} {
		if src == nil {
			continue
		}
		for _, c := range src.Capabilities {
			if c != "" && !merged.caps[c] {
				merged.caps[c] = true
			}
		}
		for k, v := range src.Controls {
			merged.Controls[k] = v
		}
		if src.DeviceType != "" {
			merged.DeviceType = src.DeviceType
		}
		if src.Category != "" {
			merged.Category = src.Category
		}
		if src.IsInput != nil {
			merged.IsInput = *src.IsInput
			inputSet = true
		}
		if src.IsOutput != nil {
			merged.IsOutput = *src.IsOutput
			outputSet = true
		}
		if src.IsSensor != nil {
			merged.IsSensor = *src.IsSensor
			sensorSet = true
		}
		if src.IsActuator != nil {
			merged.IsActuator = *src.IsActuator
		}
	}

	if len(merged.caps) == 0 {
		return defaultCapabilities()
	}

	// Role flags not declared explicitly are derived from the
	// capability list; an explicit flag always wins.
	if !inputSet {
		merged.IsInput = merged.caps[CapInput]
	}
	if !outputSet {
		merged.IsOutput = merged.caps[CapOutput]
	}
	if !sensorSet {
		merged.IsSensor = merged.caps[CapSensor]
	}

	merged.Capabilities = make([]string, 0, len(merged.caps))
	for c := range merged.caps {
		merged.Capabilities = append(merged.Capabilities, c)
	}
	sort.Strings(merged.Capabilities)

	return merged
}

// defaultCapabilities is the fallback for devices with no capability
// documents at all: assume a plain controllable output so power
// commands stay legal but nothing richer is.
func defaultCapabilities() MergedCapabilities {
	return MergedCapabilities{
		Capabilities: []string{CapOutput},
		Controls:     map[string]string{},
		IsOutput:     true,
		IsActuator:   true,
		caps:         map[string]bool{CapOutput: true},
	}
}

// decodeCapabilitySet parses a stored capability document. A missing or
// empty document decodes to nil so the merge defaulting applies.
func decodeCapabilitySet(doc datatypes.JSON) *CapabilitySet {
	if len(doc) == 0 || string(doc) == "null" {
		return nil
	}
	var set CapabilitySet
	if err := json.Unmarshal(doc, &set); err != nil {
		return nil
	}
	return &set
}

// DeviceCapabilities resolves the merged capability view for a device.
func DeviceCapabilities(device *Device) MergedCapabilities {
	return MergeCapabilities(
		decodeCapabilitySet(device.TemplateCapabilities),
		decodeCapabilitySet(device.RuntimeCapabilities),
	)
}
