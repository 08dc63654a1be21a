package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Listener consumes firmware reports arriving on the controller topic
// family and reconciles them into persisted state. Reports are
// device-originated, so nothing here goes through the access resolver.
type Listener struct {
	doors      *DoorService
	devices    *DeviceService
	dispatcher *Dispatcher
	logger     *logrus.Logger
}

// NewListener builds the inbound report listener.
func NewListener(doors *DoorService, devices *DeviceService, dispatcher *Dispatcher, logger *logrus.Logger) *Listener {
	return &Listener{
		doors:      doors,
		devices:    devices,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// inboundReport is the probe shape for classifying controller-topic
// traffic. Our own published commands carry an action and are skipped;
// everything else is firmware-originated.
type inboundReport struct {
	Action       string                 `json:"action,omitempty"`
	SerialNumber string                 `json:"serialNumber"`
	DoorState    string                 `json:"door_state,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	Timestamp    string                 `json:"timestamp,omitempty"`
}

// HandleMessage routes one controller-topic message. Wired to the MQTT
// subscriber at startup.
func (l *Listener) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	serial, ok := serialFromControllerTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	var report inboundReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("malformed report on %s: %w", topic, err)
	}

	// Skip our own outbound commands: the backend subscribes to the
	// whole controller family, so publishes loop back.
	if report.Action != "" {
		return nil
	}

	if report.SerialNumber == "" {
		report.SerialNumber = serial
	}

	switch {
	case report.DoorState != "":
		var sensor DoorSensorReport
		if err := json.Unmarshal(payload, &sensor); err != nil {
			return fmt.Errorf("malformed door report on %s: %w", topic, err)
		}
		if sensor.SerialNumber == "" {
			sensor.SerialNumber = serial
		}
		return l.doors.ApplySensorReport(ctx, sensor)

	case len(report.Capabilities) > 0:
		var set CapabilitySet
		if err := json.Unmarshal(payload, &set); err != nil {
			return fmt.Errorf("malformed capability report on %s: %w", topic, err)
		}
		return l.devices.ReportRuntimeCapabilities(ctx, report.SerialNumber, set)

	case report.Metrics != nil:
		if err := l.devices.RecordHeartbeat(ctx, report.SerialNumber); err != nil {
			l.logger.WithError(err).WithField("serial", report.SerialNumber).
				Warn("Failed to record heartbeat from metrics report")
		}
		l.dispatcher.BroadcastStatus(ctx, report.SerialNumber, report.Metrics)
		return nil

	default:
		l.logger.WithFields(logrus.Fields{
			"topic":  topic,
			"serial": report.SerialNumber,
		}).Debug("Ignoring unclassified controller message")
		return nil
	}
}

func serialFromControllerTopic(topic string) (string, bool) {
	serial, found := strings.CutPrefix(topic, topicControllerPrefix)
	if !found || serial == "" || strings.Contains(serial, "/") {
		return "", false
	}
	return serial, true
}
