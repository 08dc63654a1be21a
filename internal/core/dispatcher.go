package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher is the outbound side of the realtime channel. The MQTT
// implementation lives in infrastructure; tests use an in-memory fake.
// Delivery is whatever the channel provides: assume at-most-once,
// ordered per topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Topic families. Each device has a controller-facing topic its
// firmware subscribes to and a viewer-facing topic for UI clients, so
// the two never receive each other's traffic.
const (
	topicControllerPrefix = "controller/"
	topicViewerPrefix     = "viewer/"
)

// ControllerTopic is the firmware-facing topic for a device.
func ControllerTopic(serial string) string { return topicControllerPrefix + serial }

// ViewerTopic is the UI-facing topic for a device.
func ViewerTopic(serial string) string { return topicViewerPrefix + serial }

// Command is the outbound message shape on the realtime channel. It is
// transient and never persisted; firmware must tolerate duplicates and
// loss.
type Command struct {
	Action       string                 `json:"action"`
	SerialNumber string                 `json:"serialNumber"`
	State        map[string]interface{} `json:"state,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
	FromClient   string                 `json:"fromClient,omitempty"`
	Timestamp    string                 `json:"timestamp"`
}

// Command actions.
const (
	ActionUpdateState  = "update_state"
	ActionToggleDoor   = "toggle_door"
	ActionSetEffect    = "set_effect"
	ActionStopEffect   = "stop_effect"
	ActionEmergency    = "emergency"
	ActionStatusUpdate = "status_update"
)

// Dispatcher publishes structured commands to device topics. Publishing
// is fire-and-forget: by the time a command goes out the state change
// backing it is already persisted, so a failed publish is logged and
// swallowed — a disconnected controller re-syncs on reconnect.
type Dispatcher struct {
	pub    Publisher
	logger *logrus.Logger
	now    func() time.Time
}

// NewDispatcher builds a dispatcher over the given channel.
func NewDispatcher(pub Publisher, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, logger: logger, now: time.Now}
}

// SendCommand publishes a command carrying a state delta to the
// device's controller topic.
func (d *Dispatcher) SendCommand(ctx context.Context, serial, action string, state map[string]interface{}, params map[string]interface{}, fromClient string) {
	cmd := Command{
		Action:       action,
		SerialNumber: serial,
		State:        state,
		Params:       params,
		FromClient:   fromClient,
		Timestamp:    d.now().UTC().Format(time.RFC3339),
	}
	d.publish(ctx, ControllerTopic(serial), cmd)
}

// BroadcastStatus echoes a status payload to the device's viewer topic
// for UI subscribers.
func (d *Dispatcher) BroadcastStatus(ctx context.Context, serial string, status map[string]interface{}) {
	cmd := Command{
		Action:       ActionStatusUpdate,
		SerialNumber: serial,
		State:        status,
		Timestamp:    d.now().UTC().Format(time.RFC3339),
	}
	d.publish(ctx, ViewerTopic(serial), cmd)
}

// BroadcastEvent publishes an arbitrary event payload to a topic
// outside the per-device families (aggregate emergency outcomes).
func (d *Dispatcher) BroadcastEvent(ctx context.Context, topic string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		d.logger.WithError(err).WithField("topic", topic).Error("Failed to encode event")
		return
	}
	if err := d.pub.Publish(ctx, topic, data); err != nil {
		d.logger.WithError(err).WithField("topic", topic).Warn("Failed to publish event")
	}
}

func (d *Dispatcher) publish(ctx context.Context, topic string, cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		d.logger.WithError(err).WithField("topic", topic).Error("Failed to encode command")
		return
	}
	if err := d.pub.Publish(ctx, topic, data); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"topic":  topic,
			"action": cmd.Action,
		}).Warn("Failed to publish command")
	}
}
