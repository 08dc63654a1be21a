package core

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevices(store *fakeStore) *DeviceService {
	logger := testLogger()
	resolver := NewAccessResolver(store, logger)
	return NewDeviceService(store, resolver, nil, quickRetry(), logger)
}

func newTestDevicesWithCache(store *fakeStore, cache Cache) *DeviceService {
	logger := testLogger()
	resolver := NewAccessResolver(store, logger)
	return NewDeviceService(store, resolver, cache, quickRetry(), logger)
}

func TestProvisionDevice(t *testing.T) {
	store := newFakeStore()
	svc := newTestDevices(store)

	device, err := svc.ProvisionDevice(context.Background(), "NEW-1", "Hall light", DeviceTypeSwitch, &CapabilitySet{
		Capabilities: []string{CapOutput, CapBrightnessControl},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, device.DeviceID)
	assert.Equal(t, "NEW-1", device.SerialNumber)
	assert.Nil(t, device.AccountID, "provisioned devices start unowned")
	assert.Equal(t, false, device.Attribute[AttrPowerStatus])

	caps := DeviceCapabilities(device)
	assert.True(t, caps.Has(CapBrightnessControl))
}

func TestProvisionDeviceDuplicateSerial(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("NEW-1", 7))
	svc := newTestDevices(store)

	_, err := svc.ProvisionDevice(context.Background(), "NEW-1", "Copy", DeviceTypeSwitch, nil)

	assert.ErrorIs(t, err, ErrDeviceAlreadyExists)
	assert.True(t, IsConflict(err))
}

func TestPairDevice(t *testing.T) {
	store := newFakeStore()
	store.addDevice(&Device{ID: 1, SerialNumber: "NEW-1"})
	svc := newTestDevices(store)

	device, err := svc.PairDevice(context.Background(), "NEW-1", 7, uintPtr(3))

	require.NoError(t, err)
	require.NotNil(t, device.AccountID)
	assert.Equal(t, uint(7), *device.AccountID)
	require.NotNil(t, device.SpaceID)
	assert.Equal(t, uint(3), *device.SpaceID)
}

func TestPairDeviceAlreadyPaired(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc := newTestDevices(store)

	_, err := svc.PairDevice(context.Background(), "DEV-1", 8, nil)

	assert.ErrorIs(t, err, ErrDeviceAlreadyPaired)
	assert.True(t, IsConflict(err), "already-paired must map to CONFLICT")
}

func TestUnlinkDeviceClearsOwnershipAndRuntimeCaps(t *testing.T) {
	store := newFakeStore()
	device := lightDevice("DEV-1", 7)
	device.GroupID = uintPtr(10)
	device.RuntimeCapabilities = []byte(`{"capabilities":["RGB_CONTROL"]}`)
	store.addDevice(device)
	svc := newTestDevices(store)

	err := svc.UnlinkDevice(context.Background(), "DEV-1", 7)

	require.NoError(t, err)
	persisted := store.device("DEV-1")
	assert.Nil(t, persisted.AccountID)
	assert.Nil(t, persisted.GroupID)
	assert.Nil(t, persisted.SpaceID)
	assert.Empty(t, persisted.RuntimeCapabilities)
}

func TestUnlinkDeviceRequiresControl(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	store.addShare("DEV-1", 9, PermissionView)
	svc := newTestDevices(store)

	err := svc.UnlinkDevice(context.Background(), "DEV-1", 9)

	assert.ErrorIs(t, err, ErrControlDenied)
}

func TestDecommissionDevice(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc := newTestDevices(store)

	err := svc.DecommissionDevice(context.Background(), "DEV-1", 7)

	require.NoError(t, err)
	_, err = svc.GetDevice(context.Background(), "DEV-1", 7)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestGetDeviceViewAccessSuffices(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	store.addShare("DEV-1", 9, PermissionView)
	svc := newTestDevices(store)

	device, err := svc.GetDevice(context.Background(), "DEV-1", 9)

	require.NoError(t, err)
	assert.Equal(t, "DEV-1", device.SerialNumber)
}

func TestReportRuntimeCapabilities(t *testing.T) {
	store := newFakeStore()
	store.addDevice(&Device{
		ID:                   1,
		SerialNumber:         "DEV-1",
		TemplateCapabilities: []byte(`{"capabilities":["OUTPUT"]}`),
	})
	svc := newTestDevices(store)

	err := svc.ReportRuntimeCapabilities(context.Background(), "DEV-1", CapabilitySet{
		Capabilities: []string{CapRGBControl},
		DeviceType:   "LED_STRIP",
	})

	require.NoError(t, err)
	merged := DeviceCapabilities(store.device("DEV-1"))
	assert.True(t, merged.Has(CapOutput))
	assert.True(t, merged.Has(CapRGBControl))
	assert.Equal(t, "LED_STRIP", merged.DeviceType)
}

func TestGetDeviceServesCachedRead(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	cache := newFakeCache()
	svc := newTestDevicesWithCache(store, cache)

	first, err := svc.GetDevice(context.Background(), "DEV-1", 7)
	require.NoError(t, err)
	assert.True(t, cache.has("device:DEV-1"), "read miss must populate the cache")
	assert.Equal(t, 1, store.getCount("DEV-1"))

	second, err := svc.GetDevice(context.Background(), "DEV-1", 7)
	require.NoError(t, err)
	assert.Equal(t, first.SerialNumber, second.SerialNumber)
	assert.Equal(t, 1, store.getCount("DEV-1"), "cached read must skip the store")
}

func TestGetDeviceCacheHitStillAuthorizes(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	cache := newFakeCache()
	svc := newTestDevicesWithCache(store, cache)

	_, err := svc.GetDevice(context.Background(), "DEV-1", 7)
	require.NoError(t, err)

	_, err = svc.GetDevice(context.Background(), "DEV-1", 99)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestUnlinkDeviceInvalidatesCache(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	cache := newFakeCache()
	svc := newTestDevicesWithCache(store, cache)

	_, err := svc.GetDevice(context.Background(), "DEV-1", 7)
	require.NoError(t, err)
	require.True(t, cache.has("device:DEV-1"))

	require.NoError(t, svc.UnlinkDevice(context.Background(), "DEV-1", 7))
	assert.False(t, cache.has("device:DEV-1"))
}

func TestGetDeviceUndecodableCacheEntry(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	cache := newFakeCache()
	cache.entries["device:DEV-1"] = "{not json"
	svc := newTestDevicesWithCache(store, cache)

	device, err := svc.GetDevice(context.Background(), "DEV-1", 7)

	require.NoError(t, err)
	assert.Equal(t, "DEV-1", device.SerialNumber)
	assert.Equal(t, 1, store.getCount("DEV-1"), "undecodable entry falls back to the store")
}

func TestPairDeviceRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.addDevice(&Device{ID: 1, SerialNumber: "NEW-1"})
	store.failSave["NEW-1"] = []error{driver.ErrBadConn}
	svc := newTestDevices(store)

	device, err := svc.PairDevice(context.Background(), "NEW-1", 7, nil)

	require.NoError(t, err)
	require.NotNil(t, device.AccountID)
	assert.Equal(t, 2, store.saveCount("NEW-1"), "transient write failure must be retried")
}

func TestReportRuntimeCapabilitiesUnknownDevice(t *testing.T) {
	svc := newTestDevices(newFakeStore())

	err := svc.ReportRuntimeCapabilities(context.Background(), "GHOST", CapabilitySet{})

	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
