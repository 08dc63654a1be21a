package core

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device represents a physical smart-home device (switch, door, camera,
// LED controller, garden relay). The serial number is the primary
// addressing key for commands; DeviceID is a secondary generated id.
type Device struct {
	ID           uint   `json:"id" gorm:"primaryKey"`
	DeviceID     string `json:"device_id" gorm:"uniqueIndex;not null"`
	SerialNumber string `json:"serial_number" gorm:"uniqueIndex;not null"`
	Name         string `json:"name"`
	DeviceType   string `json:"device_type" gorm:"index"`

	// Ownership. A device has at most one authorization root: either a
	// direct account owner or a group derived from GroupID or the
	// space->house->group chain.
	AccountID *uint `json:"account_id" gorm:"index"`
	GroupID   *uint `json:"group_id" gorm:"index"`
	SpaceID   *uint `json:"space_id" gorm:"index"`

	// Capability documents. Template capabilities are static, set at
	// provisioning; runtime capabilities are reported by the device and
	// cleared on unlink.
	TemplateCapabilities datatypes.JSON `json:"template_capabilities" gorm:"type:jsonb"`
	RuntimeCapabilities  datatypes.JSON `json:"runtime_capabilities" gorm:"type:jsonb"`

	// Attribute is the live state bag (power, brightness, color,
	// door_state, effect parameters, wifi credentials...). PowerStatus
	// mirrors attribute["power_status"] and must agree with it after
	// every successful mutation.
	Attribute   datatypes.JSONMap `json:"attribute" gorm:"type:jsonb"`
	PowerStatus bool              `json:"power_status"`

	LastSeen  *time.Time     `json:"last_seen"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Space *Space `json:"space,omitempty" gorm:"foreignKey:SpaceID"`
}

// Space is a room or area inside a house.
type Space struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Name      string         `json:"name"`
	HouseID   uint           `json:"house_id" gorm:"index;not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	House *House `json:"house,omitempty" gorm:"foreignKey:HouseID"`
}

// House groups spaces and may belong to a group (family/organization).
type House struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Name      string         `json:"name"`
	GroupID   *uint          `json:"group_id" gorm:"index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Group is a family or organization sharing a set of houses and devices.
type Group struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Name      string         `json:"name" gorm:"not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleOwner  GroupRole = "OWNER"
	RoleVice   GroupRole = "VICE"
	RoleAdmin  GroupRole = "ADMIN"
	RoleMember GroupRole = "MEMBER"
)

// CanControl reports whether the role grants device control. Plain
// members are view-only.
func (r GroupRole) CanControl() bool {
	return r == RoleOwner || r == RoleVice || r == RoleAdmin
}

// GroupMembership links an account to a group with a role.
type GroupMembership struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	GroupID   uint           `json:"group_id" gorm:"uniqueIndex:idx_group_account;not null"`
	AccountID uint           `json:"account_id" gorm:"uniqueIndex:idx_group_account;not null"`
	Role      GroupRole      `json:"role" gorm:"not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// PermissionType is the level of a share grant.
type PermissionType string

const (
	PermissionView    PermissionType = "VIEW"
	PermissionControl PermissionType = "CONTROL"
)

// SharedPermission grants an account VIEW or CONTROL on one device,
// independent of group membership. At most one active grant exists per
// (device, grantee) pair.
type SharedPermission struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	DeviceSerial     string         `json:"device_serial" gorm:"index;not null"`
	SharedWithUserID uint           `json:"shared_with_user_id" gorm:"index;not null"`
	GrantedByUserID  uint           `json:"granted_by_user_id"`
	PermissionType   PermissionType `json:"permission_type" gorm:"not null"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-" gorm:"index"`
}

// DoorStatus is the finite state of a door actuator.
type DoorStatus string

const (
	DoorClosed      DoorStatus = "CLOSED"
	DoorOpening     DoorStatus = "OPENING"
	DoorOpen        DoorStatus = "OPEN"
	DoorClosing     DoorStatus = "CLOSING"
	DoorError       DoorStatus = "ERROR"
	DoorMaintenance DoorStatus = "MAINTENANCE"
)

// TableName overrides for GORM
func (Device) TableName() string           { return "devices" }
func (Space) TableName() string            { return "spaces" }
func (House) TableName() string            { return "houses" }
func (Group) TableName() string            { return "groups" }
func (GroupMembership) TableName() string  { return "group_memberships" }
func (SharedPermission) TableName() string { return "shared_permissions" }

// Attribute bag keys. The bag is free-form but these keys carry the
// validation and mirroring rules in the mutation pipeline.
const (
	AttrPowerStatus      = "power_status"
	AttrBrightness       = "brightness"
	AttrColor            = "color"
	AttrAlarmActive      = "alarm_active"
	AttrBuzzerOverride   = "buzzer_override"
	AttrWifiSSID         = "wifi_ssid"
	AttrWifiPassword     = "wifi_password"
	AttrDoorState        = "door_state"
	AttrServoAngle       = "servo_angle"
	AttrIsMoving         = "is_moving"
	AttrObstacleDetected = "obstacle_detected"
	AttrManualOverride   = "manual_override"
	AttrDoorConfig       = "config"
	AttrEffect           = "effect"
	AttrEffectParams     = "effect_params"
)

// Door configuration keys inside attribute["config"].
const (
	DoorCfgServoOpenAngle   = "servo_open_angle"
	DoorCfgServoCloseAngle  = "servo_close_angle"
	DoorCfgMovementDuration = "movement_duration"
	DoorCfgDoorType         = "door_type"
)

// Device types with specialized behavior.
const (
	DeviceTypeSwitch        = "switch"
	DeviceTypeDoor          = "door"
	DeviceTypeCamera        = "camera"
	DeviceTypeLEDController = "led_controller"
	DeviceTypeGardenRelay   = "garden_relay"
)
