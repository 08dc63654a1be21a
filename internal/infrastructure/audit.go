package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"example.com/homecore/services/smarthome/config"
)

// AuditFeed publishes aggregate operation outcomes and share audit
// events to a service bus queue consumed by dashboards and compliance
// tooling. Distinct from the realtime channel: this feed is durable and
// off the device path.
type AuditFeed struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

func NewAuditFeed(cfg config.ServiceBusConfig) (*AuditFeed, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &AuditFeed{
		client: client,
		sender: sender,
	}, nil
}

func (f *AuditFeed) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"topic":     topic,
			"timestamp": time.Now().Unix(),
		},
	}

	return f.sender.SendMessage(ctx, msg, nil)
}

func (f *AuditFeed) Close() error {
	if f.sender != nil {
		if err := f.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if f.client != nil {
		return f.client.Close(context.Background())
	}

	return nil
}
