package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"example.com/homecore/services/smarthome/config"
)

// MessageHandler processes inbound realtime messages.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// Realtime is the MQTT-backed realtime channel. It serves both
// directions: command publishing for the dispatcher and a subscriber
// for the controller topic family carrying firmware reports.
type Realtime struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewRealtime creates the channel. Call Start to connect.
func NewRealtime(cfg config.MQTTConfig, logger *logrus.Logger) (*Realtime, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("smarthome-core-%d", time.Now().UnixNano())
	}

	return &Realtime{
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}, nil
}

// RegisterHandler routes messages whose topic starts with prefix to the
// handler. Register before Start.
func (r *Realtime) RegisterHandler(prefix string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Start connects to the broker and subscribes to the configured topic
// filters.
func (r *Realtime) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.config.BrokerURL)
	opts.SetClientID(r.config.ClientID)

	if r.config.Username != "" {
		opts.SetUsername(r.config.Username)
	}
	if r.config.Password != "" {
		opts.SetPassword(r.config.Password)
	}

	opts.SetCleanSession(r.config.CleanSession)
	opts.SetKeepAlive(r.config.KeepAlive)
	opts.SetConnectTimeout(r.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(r.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(r.onConnect)
	opts.SetConnectionLostHandler(r.onConnectionLost)
	opts.SetDefaultPublishHandler(r.messageHandler)

	r.client = mqtt.NewClient(opts)

	if token := r.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	r.logger.Info("Realtime channel started")
	return nil
}

// Stop unsubscribes and disconnects.
func (r *Realtime) Stop() {
	if r.client != nil && r.client.IsConnected() {
		for _, topic := range r.config.SubscribeTopics {
			if token := r.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				r.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		r.client.Disconnect(250)
	}
	r.wg.Wait()
	r.logger.Info("Realtime channel stopped")
}

// IsConnected returns the connection status.
func (r *Realtime) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Publish implements the dispatcher's outbound contract: at-most-once,
// ordered per topic, no delivery guarantee beyond the broker's.
func (r *Realtime) Publish(ctx context.Context, topic string, payload []byte) error {
	if !r.IsConnected() {
		return fmt.Errorf("realtime channel not connected")
	}

	token := r.client.Publish(topic, r.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (r *Realtime) onConnect(client mqtt.Client) {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	r.logger.Info("Connected to MQTT broker")

	for _, topic := range r.config.SubscribeTopics {
		if token := client.Subscribe(topic, r.config.QoS, nil); token.Wait() && token.Error() != nil {
			r.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			r.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (r *Realtime) onConnectionLost(client mqtt.Client, err error) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()

	r.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (r *Realtime) messageHandler(client mqtt.Client, msg mqtt.Message) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processMessage(msg)
	}()
}

func (r *Realtime) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	r.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Received realtime message")

	handler := r.lookupHandler(topic)
	if handler == nil {
		r.logger.WithField("topic", topic).Debug("No handler registered for topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		r.logger.WithError(err).WithField("topic", topic).
			Error("Failed to process realtime message")
	}
}

func (r *Realtime) lookupHandler(topic string) MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(topic, prefix) {
			return handler
		}
	}
	return nil
}
