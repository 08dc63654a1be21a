package core

import (
	"errors"
	"fmt"
)

// BusinessError represents a domain error with a stable code. The code
// prefix maps to an HTTP status in the API layer.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Business errors.
var (
	// Lookup failures.
	ErrDeviceNotFound = BusinessError{"DEVICE_001", "device not found"}
	ErrShareNotFound  = BusinessError{"SHARE_002", "share grant not found"}

	// Authorization failures.
	ErrAccessDenied  = BusinessError{"ACCESS_001", "access denied"}
	ErrControlDenied = BusinessError{"ACCESS_002", "control permission required"}

	// Conflicts.
	ErrDoorBusy       = BusinessError{"DOOR_001", "door is currently moving"}
	ErrDuplicateShare = BusinessError{"SHARE_001", "an active share already exists for this device and user"}

	// Device lifecycle.
	ErrDeviceAlreadyExists = BusinessError{"DEVICE_002", "device already provisioned"}
	ErrDeviceNotOwned      = BusinessError{"DEVICE_003", "device has no owner or group"}
	ErrDeviceAlreadyPaired = BusinessError{"DEVICE_004", "device is already paired"}
)

// Capability and validation error constructors. Codes stay fixed so the
// API layer can classify; messages carry the offending field.

func capabilityError(field, capability string) error {
	return BusinessError{"CAP_001", fmt.Sprintf("field %q requires capability %s", field, capability)}
}

func rangeError(field string, min, max int) error {
	return BusinessError{"STATE_001", fmt.Sprintf("%s must be between %d and %d", field, min, max)}
}

func formatError(field, expected string) error {
	return BusinessError{"STATE_002", fmt.Sprintf("%s must match %s", field, expected)}
}

func doorConfigError(field string, min, max int) error {
	return BusinessError{"DOOR_002", fmt.Sprintf("%s must be between %d and %d", field, min, max)}
}

func unknownPresetError(name string, valid []string) error {
	return BusinessError{"LED_001", fmt.Sprintf("unknown preset %q, valid presets: %v", name, valid)}
}

// Error classification helpers used by the API layer and the batch
// orchestrator.

var notFoundCodes = map[string]bool{
	"DEVICE_001": true,
	"SHARE_002":  true,
}

var forbiddenCodes = map[string]bool{
	"ACCESS_001": true,
	"ACCESS_002": true,
	"CAP_001":    true,
}

var badRequestCodes = map[string]bool{
	"STATE_001":  true,
	"STATE_002":  true,
	"DOOR_002":   true,
	"DOOR_003":   true,
	"LED_001":    true,
	"LED_002":    true,
	"SHARE_003":  true,
	"DEVICE_003": true,
}

var conflictCodes = map[string]bool{
	"DOOR_001":   true,
	"DOOR_004":   true,
	"SHARE_001":  true,
	"DEVICE_002": true,
	"DEVICE_004": true,
}

func codeOf(err error) string {
	var be BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsNotFound reports whether err is a lookup failure.
func IsNotFound(err error) bool { return notFoundCodes[codeOf(err)] }

// IsForbidden reports whether err is an authorization or capability
// gate failure.
func IsForbidden(err error) bool { return forbiddenCodes[codeOf(err)] }

// IsBadRequest reports whether err is a validation failure.
func IsBadRequest(err error) bool { return badRequestCodes[codeOf(err)] }

// IsConflict reports whether err is a conflict (busy door, duplicate
// share).
func IsConflict(err error) bool { return conflictCodes[codeOf(err)] }
