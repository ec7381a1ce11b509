package metering

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"docent/pkg/kafka"
	"docent/pkg/logging"
)

type PublisherConfig struct {
	Brokers []string
	Topic   string
	Source  string
	Logger  logging.Logger
}

// Publisher forwards flushed usage reports to the billing topic.
type Publisher struct {
	producer *kafka.Producer
	source   string
	logger   logging.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required for billing publisher")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "billing.usage_reports"
	}
	source := cfg.Source
	if source == "" {
		source = "docent"
	}
	producer, err := kafka.NewProducer(cfg.Brokers, topic, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		producer: producer,
		source:   source,
		logger:   cfg.Logger,
	}, nil
}

func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// KafkaClient exposes the broker client for health checks.
func (p *Publisher) KafkaClient() *kgo.Client {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Client()
}

func (p *Publisher) PublishUsageReport(report UsageReport) error {
	if p == nil || p.producer == nil {
		return nil
	}
	event := kafka.UsageEvent{
		EventID:        uuid.New().String(),
		EventType:      "usage_report",
		Source:         p.source,
		TenantID:       report.TenantID,
		Messages:       int64(report.LLMCalls),
		PromptTokens:   int64(report.PromptTokens),
		ResponseTokens: int64(report.ResponseTokens),
		Timestamp:      time.Now(),
	}
	if err := p.producer.PublishUsageEvent(&event); err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.WithFields(logging.Fields{
			"tenant_id": report.TenantID,
			"event_id":  event.EventID,
		}).Info("Published usage report to billing")
	}
	return nil
}
