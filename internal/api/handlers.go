package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/homecore/services/smarthome/internal/core"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry) *APIHandlers {
	return &APIHandlers{services: services}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "smarthome-core",
	})
}

// respondError maps domain errors to HTTP statuses. Single-device
// operations fail fast with a specific status; batch operations never
// reach here with per-item failures.
func respondError(c *gin.Context, err error) {
	switch {
	case core.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case core.IsForbidden(err):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case core.IsBadRequest(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case core.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Device Lifecycle Endpoints ---

// ProvisionDevice registers a factory-new device
func (h *APIHandlers) ProvisionDevice(c *gin.Context) {
	var req struct {
		SerialNumber         string              `json:"serial_number" binding:"required"`
		Name                 string              `json:"name"`
		DeviceType           string              `json:"device_type"`
		TemplateCapabilities *core.CapabilitySet `json:"template_capabilities"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	device, err := h.services.Devices.ProvisionDevice(c.Request.Context(), req.SerialNumber, req.Name, req.DeviceType, req.TemplateCapabilities)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, device)
}

// PairDevice links a device to the acting account
func (h *APIHandlers) PairDevice(c *gin.Context) {
	var req struct {
		SpaceID *uint `json:"space_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	device, err := h.services.Devices.PairDevice(c.Request.Context(), c.Param("serial"), actorID(c), req.SpaceID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, device)
}

// UnlinkDevice clears ownership and runtime capabilities
func (h *APIHandlers) UnlinkDevice(c *gin.Context) {
	if err := h.services.Devices.UnlinkDevice(c.Request.Context(), c.Param("serial"), actorID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device unlinked"})
}

// DecommissionDevice soft-deletes a device
func (h *APIHandlers) DecommissionDevice(c *gin.Context) {
	if err := h.services.Devices.DecommissionDevice(c.Request.Context(), c.Param("serial"), actorID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device decommissioned"})
}

// GetDevice returns a device the actor may view
func (h *APIHandlers) GetDevice(c *gin.Context) {
	device, err := h.services.Devices.GetDevice(c.Request.Context(), c.Param("serial"), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// ListDevices returns the actor's directly owned devices
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.ListOwnedDevices(c.Request.Context(), actorID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// --- State Mutation Endpoints ---

// UpdateState applies a partial state update
func (h *APIHandlers) UpdateState(c *gin.Context) {
	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil || len(partial) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a non-empty state object is required"})
		return
	}

	device, err := h.services.State.UpdateState(c.Request.Context(), c.Param("serial"), actorID(c), partial)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// ToggleDevice flips the power flag
func (h *APIHandlers) ToggleDevice(c *gin.Context) {
	var req struct {
		On *bool `json:"on" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "on is required"})
		return
	}

	device, err := h.services.State.Toggle(c.Request.Context(), c.Param("serial"), actorID(c), *req.On)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// UpdateWifi pushes new wifi credentials
func (h *APIHandlers) UpdateWifi(c *gin.Context) {
	var req struct {
		SSID     string `json:"ssid" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ssid and password are required"})
		return
	}

	device, err := h.services.State.UpdateWifi(c.Request.Context(), c.Param("serial"), actorID(c), req.SSID, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// BulkUpdateState folds an ordered list of partial updates into one
func (h *APIHandlers) BulkUpdateState(c *gin.Context) {
	var req struct {
		Updates []map[string]interface{} `json:"updates" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "updates list is required"})
		return
	}

	device, err := h.services.State.BulkUpdate(c.Request.Context(), c.Param("serial"), actorID(c), req.Updates)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// --- Door Endpoints ---

// ToggleDoor commands a door open or closed
func (h *APIHandlers) ToggleDoor(c *gin.Context) {
	var req struct {
		Open      *bool `json:"open" binding:"required"`
		Force     bool  `json:"force"`
		TimeoutMs int   `json:"timeout_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open is required"})
		return
	}

	device, err := h.services.Doors.ToggleDoor(c.Request.Context(), c.Param("serial"), *req.Open, actorID(c), req.Force, req.TimeoutMs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// UpdateDoorConfig range-validates and merges door configuration
func (h *APIHandlers) UpdateDoorConfig(c *gin.Context) {
	var cfg map[string]interface{}
	if err := c.ShouldBindJSON(&cfg); err != nil || len(cfg) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a non-empty config object is required"})
		return
	}

	device, err := h.services.Doors.UpdateConfig(c.Request.Context(), c.Param("serial"), actorID(c), cfg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// --- LED Endpoints ---

// ApplyLEDPreset starts a named effect preset
func (h *APIHandlers) ApplyLEDPreset(c *gin.Context) {
	var req struct {
		Preset   string `json:"preset" binding:"required"`
		Duration *int   `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "preset is required"})
		return
	}

	device, err := h.services.LED.ApplyPreset(c.Request.Context(), c.Param("serial"), req.Preset, req.Duration, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// SetLEDEffect applies raw effect parameters
func (h *APIHandlers) SetLEDEffect(c *gin.Context) {
	var params core.EffectParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid effect parameters"})
		return
	}

	device, err := h.services.LED.SetEffect(c.Request.Context(), c.Param("serial"), params, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// StopLEDEffect resets the device to solid
func (h *APIHandlers) StopLEDEffect(c *gin.Context) {
	device, err := h.services.LED.StopEffect(c.Request.Context(), c.Param("serial"), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// --- Batch / Emergency Endpoints ---

// ExecuteEmergency fans an emergency door operation out to many devices.
// Always responds 200 with per-item outcomes.
func (h *APIHandlers) ExecuteEmergency(c *gin.Context) {
	var req struct {
		Serials        []string `json:"serials" binding:"required"`
		Action         string   `json:"action" binding:"required"`
		OverrideManual bool     `json:"override_manual"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serials and action are required"})
		return
	}

	result, err := h.services.Emergency.ExecuteEmergencyOperation(c.Request.Context(), req.Serials, req.Action, req.OverrideManual, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BulkRelayControl toggles many relays at once. Always responds 200
// with per-item outcomes.
func (h *APIHandlers) BulkRelayControl(c *gin.Context) {
	var req struct {
		Serials []string `json:"serials" binding:"required"`
		On      *bool    `json:"on" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serials and on are required"})
		return
	}

	result, err := h.services.Emergency.BulkRelayControl(c.Request.Context(), req.Serials, *req.On, actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Share Endpoints ---

// CreateShare grants VIEW or CONTROL to another account
func (h *APIHandlers) CreateShare(c *gin.Context) {
	var req struct {
		UserID         uint   `json:"user_id" binding:"required"`
		PermissionType string `json:"permission_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and permission_type are required"})
		return
	}

	share, err := h.services.Sharing.CreateShare(c.Request.Context(), c.Param("serial"), actorID(c), req.UserID, core.PermissionType(req.PermissionType))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, share)
}

// RevokeShare removes a grant
func (h *APIHandlers) RevokeShare(c *gin.Context) {
	granteeID, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	if err := h.services.Sharing.RevokeShare(c.Request.Context(), c.Param("serial"), uint(granteeID), actorID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "share revoked"})
}

// ListShares returns the active grants on a device
func (h *APIHandlers) ListShares(c *gin.Context) {
	shares, err := h.services.Sharing.ListShares(c.Request.Context(), c.Param("serial"), actorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares, "count": len(shares)})
}
