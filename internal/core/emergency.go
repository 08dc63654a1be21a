package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Emergency actions.
const (
	EmergencyOpen  = "open"
	EmergencyClose = "close"
)

// Topic carrying aggregate emergency outcomes for dashboards.
const TopicEmergencyEvents = "events/emergency"

// AuditSink receives aggregate operation outcomes for the ops feed.
// The service bus implementation lives in infrastructure; a nil sink
// disables auditing.
type AuditSink interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// OperationError records one device's failure inside a batch operation.
type OperationError struct {
	Serial string `json:"serial"`
	Error  string `json:"error"`
}

// OperationResult is the aggregate outcome of a batch operation. Batch
// operations always produce a result, never an error: per-item failures
// degrade the result instead of aborting it.
type OperationResult struct {
	Action    string           `json:"action"`
	Total     int              `json:"total"`
	Succeeded []string         `json:"succeeded"`
	Errors    []OperationError `json:"errors"`
	IssuedBy  uint             `json:"issued_by"`
	IssuedAt  time.Time        `json:"issued_at"`
}

// EmergencyService fans one logical operation out to many devices.
// Door operations run in fixed-size batches with an inter-batch pause
// to bound the load on the realtime channel and the firmware behind it;
// within a batch all toggles run concurrently and each failure is
// captured into the error list without cancelling its siblings.
type EmergencyService struct {
	doors      *DoorService
	state      *StateService
	store      DataStore
	dispatcher *Dispatcher
	audit      AuditSink
	logger     *logrus.Logger

	batchSize  int
	batchDelay time.Duration
	sleep      func(time.Duration)
}

// NewEmergencyService builds the orchestrator. batchSize and batchDelay
// fall back to 3 and 500ms when zero.
func NewEmergencyService(doors *DoorService, state *StateService, store DataStore, dispatcher *Dispatcher, audit AuditSink, logger *logrus.Logger, batchSize int, batchDelay time.Duration) *EmergencyService {
	if batchSize <= 0 {
		batchSize = 3
	}
	if batchDelay <= 0 {
		batchDelay = 500 * time.Millisecond
	}
	return &EmergencyService{
		doors:      doors,
		state:      state,
		store:      store,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		sleep:      time.Sleep,
	}
}

// ExecuteEmergencyOperation opens or closes every door in serials with
// forced toggles (the busy-guard never blocks an emergency). Doors
// under manual override are skipped unless overrideManual is set. After
// the last batch one aggregate event goes out for dashboards, distinct
// from the per-device commands already published along the way.
func (s *EmergencyService) ExecuteEmergencyOperation(ctx context.Context, serials []string, action string, overrideManual bool, actorID uint) (*OperationResult, error) {
	if action != EmergencyOpen && action != EmergencyClose {
		return nil, BusinessError{"DOOR_003", "emergency action must be open or close"}
	}
	open := action == EmergencyOpen

	result := &OperationResult{
		Action:    "emergency_" + action,
		Total:     len(serials),
		Succeeded: []string{},
		Errors:    []OperationError{},
		IssuedBy:  actorID,
		IssuedAt:  time.Now().UTC(),
	}

	var mu sync.Mutex
	for start := 0; start < len(serials); start += s.batchSize {
		end := start + s.batchSize
		if end > len(serials) {
			end = len(serials)
		}

		var wg sync.WaitGroup
		for _, serial := range serials[start:end] {
			wg.Add(1)
			go func(serial string) {
				defer wg.Done()
				err := s.toggleEmergencyDoor(ctx, serial, open, overrideManual, actorID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Errors = append(result.Errors, OperationError{Serial: serial, Error: err.Error()})
				} else {
					result.Succeeded = append(result.Succeeded, serial)
				}
			}(serial)
		}
		wg.Wait()

		if end < len(serials) {
			s.sleep(s.batchDelay)
		}
	}

	s.publishOutcome(ctx, result)

	s.logger.WithFields(logrus.Fields{
		"action":    result.Action,
		"total":     result.Total,
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Errors),
		"actor_id":  actorID,
	}).Info("Emergency operation completed")

	return result, nil
}

func (s *EmergencyService) toggleEmergencyDoor(ctx context.Context, serial string, open, overrideManual bool, actorID uint) error {
	if !overrideManual {
		device, err := s.store.GetDeviceBySerial(ctx, serial)
		if err == nil {
			if manual, _ := device.Attribute[AttrManualOverride].(bool); manual {
				return BusinessError{"DOOR_004", "door is under manual override"}
			}
		}
	}
	_, err := s.doors.ToggleDoor(ctx, serial, open, actorID, true, movementDurationMaxMs)
	return err
}

// BulkRelayControl toggles a set of relay devices with the same
// capture-per-item contract. Relay commands are cheap, so there is no
// batching or pacing here: everything runs at once.
func (s *EmergencyService) BulkRelayControl(ctx context.Context, serials []string, on bool, actorID uint) (*OperationResult, error) {
	action := "relay_off"
	if on {
		action = "relay_on"
	}
	result := &OperationResult{
		Action:    action,
		Total:     len(serials),
		Succeeded: []string{},
		Errors:    []OperationError{},
		IssuedBy:  actorID,
		IssuedAt:  time.Now().UTC(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, serial := range serials {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			_, err := s.state.Toggle(ctx, serial, actorID, on)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, OperationError{Serial: serial, Error: err.Error()})
			} else {
				result.Succeeded = append(result.Succeeded, serial)
			}
		}(serial)
	}
	wg.Wait()

	s.publishOutcome(ctx, result)
	return result, nil
}

func (s *EmergencyService) publishOutcome(ctx context.Context, result *OperationResult) {
	event := map[string]interface{}{
		"action": ActionEmergency,
		"result": result,
	}
	s.dispatcher.BroadcastEvent(ctx, TopicEmergencyEvents, event)
	if s.audit != nil {
		if err := s.audit.Publish(ctx, TopicEmergencyEvents, event); err != nil {
			s.logger.WithError(err).Warn("Failed to publish operation outcome to audit feed")
		}
	}
}
