package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceConfig carries the dependencies shared by the domain services.
// The publish channel and audit feed are injected here rather than
// reached through package state, so every component sees exactly the
// channel it was built with.
type ServiceConfig struct {
	Store      DataStore
	Cache      Cache
	Publisher  Publisher
	Audit      AuditSink
	Logger     *logrus.Logger
	Retry      RetryPolicy
	BatchSize  int
	BatchDelay time.Duration
}

// ServiceRegistry holds all domain services.
type ServiceRegistry struct {
	Resolver   *AccessResolver
	Dispatcher *Dispatcher
	Devices    *DeviceService
	State      *StateService
	Doors      *DoorService
	LED        *LEDService
	Emergency  *EmergencyService
	Sharing    *SharingService
	Listener   *Listener
}

// NewServiceRegistry wires the domain services together.
func NewServiceRegistry(cfg ServiceConfig) *ServiceRegistry {
	resolver := NewAccessResolver(cfg.Store, cfg.Logger)
	dispatcher := NewDispatcher(cfg.Publisher, cfg.Logger)

	devices := NewDeviceService(cfg.Store, resolver, cfg.Cache, cfg.Retry, cfg.Logger)
	state := NewStateService(cfg.Store, resolver, dispatcher, cfg.Cache, cfg.Retry, cfg.Logger)
	doors := NewDoorService(cfg.Store, resolver, dispatcher, cfg.Cache, cfg.Retry, cfg.Logger)
	led := NewLEDService(cfg.Store, resolver, dispatcher, cfg.Cache, cfg.Retry, cfg.Logger)
	emergency := NewEmergencyService(doors, state, cfg.Store, dispatcher, cfg.Audit, cfg.Logger, cfg.BatchSize, cfg.BatchDelay)
	sharing := NewSharingService(cfg.Store, cfg.Audit, cfg.Logger)
	listener := NewListener(doors, devices, dispatcher, cfg.Logger)

	return &ServiceRegistry{
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Devices:    devices,
		State:      state,
		Doors:      doors,
		LED:        led,
		Emergency:  emergency,
		Sharing:    sharing,
		Listener:   listener,
	}
}
