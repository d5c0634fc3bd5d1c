package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
)

// Producer mirrors telemetry snapshots to Kafka for downstream pipelines.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
	source string
}

// NewProducer creates a telemetry producer. source names this node in record
// headers.
func NewProducer(brokers []string, source string, logger logging.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("coxswain"),
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
		source: source,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// SendStatsSnapshot publishes one snapshot to the telemetry topic, keyed by
// stream so per-stream ordering is preserved.
func (p *Producer) SendStatsSnapshot(ctx context.Context, stats models.RealtimeStats) error {
	record := NewTelemetryRecord(uuid.New().String(), p.source, stats)
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry record: %w", err)
	}

	return p.produce(ctx, &kgo.Record{
		Topic: TelemetryTopic,
		Key:   []byte(stats.StreamID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(p.source)},
			{Key: "event_type", Value: []byte(record.EventType)},
		},
	})
}

func (p *Producer) produce(ctx context.Context, record *kgo.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
