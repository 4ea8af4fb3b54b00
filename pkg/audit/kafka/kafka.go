// Package kafka publishes audit records to an Apache Kafka topic so
// downstream consumers can follow graph changes without polling the log.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/audit"
)

// Config holds the Kafka publisher settings.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher implements audit.Publisher over a kafka-go writer. Records are
// keyed by owner so each partition's changes stay ordered per consumer.
type Publisher struct {
	writer *kafkago.Writer
	logger *zap.Logger
}

// NewPublisher creates a Kafka-backed audit publisher.
func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires brokers and a topic")
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
		Async:        false,
	}

	return &Publisher{writer: writer, logger: logger}, nil
}

// Publish sends the record as a JSON message keyed by owner. Failures are
// logged and swallowed; the audit log remains the source of truth.
func (p *Publisher) Publish(ctx context.Context, rec *audit.Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(rec.Owner),
		Value: value,
	})
	if err != nil {
		p.logger.Warn("publishing audit record failed",
			zap.String("owner", rec.Owner),
			zap.String("change_type", string(rec.ChangeType)),
			zap.Error(err),
		)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Ensure Publisher implements audit.Publisher
var _ audit.Publisher = (*Publisher)(nil)
