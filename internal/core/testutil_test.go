package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func quickRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: func(time.Duration) {}}
}

// fakeStore is an in-memory DataStore for tests.
type fakeStore struct {
	mu          sync.Mutex
	devices     map[string]*Device
	memberships map[string]*GroupMembership
	shares      map[string]*SharedPermission
	nextShareID uint

	// failUpdate injects an error for UpdateDeviceState on a serial.
	failUpdate map[string]error
	// failGet injects an error for GetDeviceBySerial on a serial.
	failGet map[string]error
	// failSave injects errors for UpdateDevice on a serial, consumed
	// one per call so a retry can observe recovery.
	failSave map[string][]error

	updateCalls map[string]int
	saveCalls   map[string]int
	getCalls    map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:     make(map[string]*Device),
		memberships: make(map[string]*GroupMembership),
		shares:      make(map[string]*SharedPermission),
		failUpdate:  make(map[string]error),
		failGet:     make(map[string]error),
		failSave:    make(map[string][]error),
		updateCalls: make(map[string]int),
		saveCalls:   make(map[string]int),
		getCalls:    make(map[string]int),
		nextShareID: 1,
	}
}

func membershipKey(groupID, accountID uint) string {
	return fmt.Sprintf("%d:%d", groupID, accountID)
}

func shareKey(serial string, userID uint) string {
	return fmt.Sprintf("%s:%d", serial, userID)
}

func (s *fakeStore) addDevice(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Attribute == nil {
		d.Attribute = datatypes.JSONMap{}
	}
	s.devices[d.SerialNumber] = d
}

func (s *fakeStore) addMembership(groupID, accountID uint, role GroupRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[membershipKey(groupID, accountID)] = &GroupMembership{
		GroupID:   groupID,
		AccountID: accountID,
		Role:      role,
	}
}

func (s *fakeStore) addShare(serial string, userID uint, permission PermissionType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[shareKey(serial, userID)] = &SharedPermission{
		ID:               s.nextShareID,
		DeviceSerial:     serial,
		SharedWithUserID: userID,
		PermissionType:   permission,
	}
	s.nextShareID++
}

func (s *fakeStore) device(serial string) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[serial]
}

func (s *fakeStore) updateCount(serial string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls[serial]
}

func (s *fakeStore) saveCount(serial string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls[serial]
}

func (s *fakeStore) getCount(serial string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls[serial]
}

func (s *fakeStore) CreateDevice(ctx context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device.ID = uint(len(s.devices) + 1)
	if device.Attribute == nil {
		device.Attribute = datatypes.JSONMap{}
	}
	s.devices[device.SerialNumber] = device
	return nil
}

func (s *fakeStore) UpdateDevice(ctx context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls[device.SerialNumber]++
	if queue := s.failSave[device.SerialNumber]; len(queue) > 0 {
		err := queue[0]
		s.failSave[device.SerialNumber] = queue[1:]
		return err
	}
	s.devices[device.SerialNumber] = device
	return nil
}

func (s *fakeStore) GetDeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls[serial]++
	if err := s.failGet[serial]; err != nil {
		return nil, err
	}
	d, ok := s.devices[serial]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *d
	copied.Attribute = cloneBag(d.Attribute)
	return &copied, nil
}

func (s *fakeStore) GetDeviceByID(ctx context.Context, id uint) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *fakeStore) ListDevicesByAccount(ctx context.Context, accountID uint) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, d := range s.devices {
		if d.AccountID != nil && *d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateDeviceState(ctx context.Context, serial string, attribute datatypes.JSONMap, powerStatus bool) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls[serial]++
	if err := s.failUpdate[serial]; err != nil {
		return nil, err
	}
	d, ok := s.devices[serial]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	d.Attribute = cloneBag(attribute)
	d.PowerStatus = powerStatus
	copied := *d
	copied.Attribute = cloneBag(d.Attribute)
	return &copied, nil
}

func (s *fakeStore) SoftDeleteDevice(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, serial)
	return nil
}

func (s *fakeStore) TouchDeviceLastSeen(ctx context.Context, serial string) error {
	return nil
}

func (s *fakeStore) GetMembership(ctx context.Context, groupID, accountID uint) (*GroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipKey(groupID, accountID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m, nil
}

func (s *fakeStore) GetActiveShare(ctx context.Context, serial string, userID uint) (*SharedPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[shareKey(serial, userID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return share, nil
}

func (s *fakeStore) CreateShare(ctx context.Context, share *SharedPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	share.ID = s.nextShareID
	s.nextShareID++
	s.shares[shareKey(share.DeviceSerial, share.SharedWithUserID)] = share
	return nil
}

func (s *fakeStore) RevokeShare(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, share := range s.shares {
		if share.ID == id {
			delete(s.shares, key)
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *fakeStore) ListSharesForDevice(ctx context.Context, serial string) ([]*SharedPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SharedPermission
	for _, share := range s.shares {
		if share.DeviceSerial == serial {
			out = append(out, share)
		}
	}
	return out, nil
}

func (s *fakeStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return fn(ctx, s)
}

func cloneBag(bag datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

type publishedMessage struct {
	Topic   string
	Payload []byte
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, Payload: payload})
	return nil
}

func (p *fakePublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *fakePublisher) onTopic(topic string) []publishedMessage {
	var out []publishedMessage
	for _, m := range p.published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePublisher) lastCommand(topic string) (Command, bool) {
	msgs := p.onTopic(topic)
	if len(msgs) == 0 {
		return Command{}, false
	}
	var cmd Command
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &cmd); err != nil {
		return Command{}, false
	}
	return cmd, true
}

// fakeAudit records audit feed events.
type fakeAudit struct {
	mu     sync.Mutex
	events []interface{}
	topics []string
}

func (a *fakeAudit) Publish(ctx context.Context, topic string, message interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topics = append(a.topics, topic)
	a.events = append(a.events, message)
	return nil
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// fakeCache is an in-memory Cache for tests.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	getErr  error
	setErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (c *fakeCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = value
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	value, ok := c.entries[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return value, nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func uintPtr(v uint) *uint { return &v }
func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
