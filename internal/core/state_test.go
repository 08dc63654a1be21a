package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestState(store *fakeStore) (*StateService, *fakePublisher) {
	logger := testLogger()
	pub := &fakePublisher{}
	resolver := NewAccessResolver(store, logger)
	dispatcher := NewDispatcher(pub, logger)
	svc := NewStateService(store, resolver, dispatcher, nil, quickRetry(), logger)
	return svc, pub
}

func lightDevice(serial string, ownerID uint) *Device {
	return &Device{
		ID:           1,
		SerialNumber: serial,
		AccountID:    &ownerID,
		TemplateCapabilities: datatypes.JSON([]byte(
			`{"capabilities":["OUTPUT","BRIGHTNESS_CONTROL","RGB_CONTROL"]}`)),
		Attribute: datatypes.JSONMap{AttrPowerStatus: false},
	}
}

func TestUpdateStatePersistsAndPublishesDelta(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, pub := newTestState(store)

	updated, err := svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrBrightness: 80,
	})

	require.NoError(t, err)
	assert.Equal(t, 80, updated.Attribute[AttrBrightness])

	cmd, ok := pub.lastCommand(ControllerTopic("DEV-1"))
	require.True(t, ok, "command published to controller topic")
	assert.Equal(t, ActionUpdateState, cmd.Action)
	assert.Equal(t, "DEV-1", cmd.SerialNumber)
	assert.Equal(t, "account:7", cmd.FromClient)
	assert.NotEmpty(t, cmd.Timestamp)

	// Only the delta travels, not the whole merged bag.
	assert.Len(t, cmd.State, 1)
	assert.EqualValues(t, 80, cmd.State[AttrBrightness])
}

func TestUpdateStatePowerMirror(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, _ := newTestState(store)

	updated, err := svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrPowerStatus: true,
	})

	require.NoError(t, err)
	assert.True(t, updated.PowerStatus)
	assert.Equal(t, true, updated.Attribute[AttrPowerStatus])

	// Updating an unrelated field keeps the mirror intact.
	updated, err = svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrBrightness: 50,
	})
	require.NoError(t, err)
	assert.True(t, updated.PowerStatus)
	assert.Equal(t, true, updated.Attribute[AttrPowerStatus])
}

func TestUpdateStateCapabilityGate(t *testing.T) {
	store := newFakeStore()
	owner := uint(7)
	store.addDevice(&Device{
		ID:                   1,
		SerialNumber:         "RELAY-1",
		AccountID:            &owner,
		TemplateCapabilities: datatypes.JSON([]byte(`{"capabilities":["OUTPUT"]}`)),
		Attribute:            datatypes.JSONMap{},
	})
	svc, pub := newTestState(store)

	_, err := svc.UpdateState(context.Background(), "RELAY-1", 7, map[string]interface{}{
		AttrColor: "#FF00AA",
	})

	assert.True(t, IsForbidden(err), "capability miss is forbidden, got %v", err)
	assert.Zero(t, store.updateCount("RELAY-1"), "nothing persisted")
	assert.Empty(t, pub.published(), "nothing published")
}

func TestUpdateStateBrightnessRange(t *testing.T) {
	cases := []struct {
		value interface{}
		ok    bool
	}{
		{-1, false},
		{0, true},
		{100, true},
		{101, false},
		{float64(55), true},
		{55.5, false},
		{"bright", false},
	}

	for _, tc := range cases {
		store := newFakeStore()
		store.addDevice(lightDevice("DEV-1", 7))
		svc, _ := newTestState(store)

		_, err := svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
			AttrBrightness: tc.value,
		})

		if tc.ok {
			assert.NoError(t, err, "brightness %v", tc.value)
		} else {
			assert.True(t, IsBadRequest(err), "brightness %v should be a bad request, got %v", tc.value, err)
		}
	}
}

func TestUpdateStateColorFormat(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, _ := newTestState(store)

	_, err := svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrColor: "red",
	})
	assert.True(t, IsBadRequest(err))

	_, err = svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrColor: "#00ff99",
	})
	assert.NoError(t, err)
}

func TestUpdateStateViewOnlyShareRefused(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	store.addShare("DEV-1", 9, PermissionView)
	svc, pub := newTestState(store)

	_, err := svc.UpdateState(context.Background(), "DEV-1", 9, map[string]interface{}{
		AttrPowerStatus: true,
	})

	assert.ErrorIs(t, err, ErrControlDenied)
	assert.Zero(t, store.updateCount("DEV-1"))
	assert.Empty(t, pub.published())
	assert.Equal(t, false, store.device("DEV-1").Attribute[AttrPowerStatus])
}

func TestUpdateStateControlShareAllowed(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	store.addShare("DEV-1", 9, PermissionControl)
	svc, _ := newTestState(store)

	updated, err := svc.UpdateState(context.Background(), "DEV-1", 9, map[string]interface{}{
		AttrPowerStatus: true,
	})

	require.NoError(t, err)
	assert.True(t, updated.PowerStatus)
}

func TestUpdateStatePreservesUnrelatedFields(t *testing.T) {
	store := newFakeStore()
	device := lightDevice("DEV-1", 7)
	device.Attribute[AttrColor] = "#112233"
	store.addDevice(device)
	svc, _ := newTestState(store)

	updated, err := svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrBrightness: 40,
	})

	require.NoError(t, err)
	assert.Equal(t, "#112233", updated.Attribute[AttrColor])
	assert.Equal(t, 40, updated.Attribute[AttrBrightness])
}

func TestToggleSetsPowerBothPlaces(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, pub := newTestState(store)

	updated, err := svc.Toggle(context.Background(), "DEV-1", 7, true)

	require.NoError(t, err)
	assert.True(t, updated.PowerStatus)

	cmd, ok := pub.lastCommand(ControllerTopic("DEV-1"))
	require.True(t, ok)
	assert.Equal(t, true, cmd.State[AttrPowerStatus])
}

func TestBulkUpdateSinglePersistSinglePublish(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, pub := newTestState(store)

	updated, err := svc.BulkUpdate(context.Background(), "DEV-1", 7, []map[string]interface{}{
		{AttrBrightness: 10},
		{AttrBrightness: 90, AttrPowerStatus: true},
		{AttrColor: "#ABCDEF"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, store.updateCount("DEV-1"), "left-fold collapses to one persist")
	assert.Len(t, pub.published(), 1, "one publish for the whole batch")

	// Later entries win per key.
	assert.Equal(t, 90, updated.Attribute[AttrBrightness])
	assert.Equal(t, true, updated.Attribute[AttrPowerStatus])
	assert.Equal(t, "#ABCDEF", updated.Attribute[AttrColor])
}

func TestUpdateStatePublishFailureStillSucceeds(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, pub := newTestState(store)
	pub.err = assert.AnError

	updated, err := svc.UpdateState(context.Background(), "DEV-1", 7, map[string]interface{}{
		AttrPowerStatus: true,
	})

	require.NoError(t, err, "publish failures never fail the mutation")
	assert.True(t, updated.PowerStatus)
	assert.Equal(t, 1, store.updateCount("DEV-1"))
}

func TestUpdateStateWifiCredentials(t *testing.T) {
	store := newFakeStore()
	store.addDevice(lightDevice("DEV-1", 7))
	svc, pub := newTestState(store)

	updated, err := svc.UpdateWifi(context.Background(), "DEV-1", 7, "home-net", "hunter2")

	require.NoError(t, err)
	assert.Equal(t, "home-net", updated.Attribute[AttrWifiSSID])
	assert.Equal(t, "hunter2", updated.Attribute[AttrWifiPassword])

	msgs := pub.onTopic(ControllerTopic("DEV-1"))
	require.Len(t, msgs, 1)
	var cmd Command
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &cmd))
	assert.Equal(t, "home-net", cmd.State[AttrWifiSSID])
}
