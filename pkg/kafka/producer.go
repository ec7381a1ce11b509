package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// UsageEvent is the record shape published to the usage events topic.
// Downstream billing consumes these to reconcile per-tenant counters.
type UsageEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Source         string    `json:"source"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Messages       int64     `json:"messages,omitempty"`
	PromptTokens   int64     `json:"prompt_tokens,omitempty"`
	ResponseTokens int64     `json:"response_tokens,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Producer wraps a franz-go client for publishing usage events.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
	topic  string
}

// NewProducer creates a Kafka producer for the given brokers and topic.
func NewProducer(brokers []string, topic string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("docent"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Client exposes the underlying franz-go client for health checks.
func (p *Producer) Client() *kgo.Client {
	return p.client
}

// HealthCheck pings the cluster with a short timeout.
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// PublishUsageEvent publishes a single usage event.
func (p *Producer) PublishUsageEvent(event *UsageEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	return p.PublishUsageBatch([]UsageEvent{*event})
}

// PublishUsageBatch publishes a batch of usage events in one produce call.
func (p *Producer) PublishUsageBatch(events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	var records []*kgo.Record
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
		}

		record := &kgo.Record{
			Topic: p.topic,
			Key:   []byte(event.TenantID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "source", Value: []byte(event.Source)},
				{Key: "event_type", Value: []byte(event.EventType)},
			},
		}
		records = append(records, record)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce batch: %w", err)
	}

	return nil
}
