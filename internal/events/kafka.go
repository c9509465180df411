package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes payment events keyed by transaction reference,
// so every event for one payment lands on the same partition.
type KafkaPublisher struct {
	writer  Writer
	timeout time.Duration
	logger  *log.Logger
}

// NewKafkaPublisher writes to topic on the comma separated brokers.
func NewKafkaPublisher(brokers, topic string, logger *log.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaPublisherWithWriter(w, logger)
}

func NewKafkaPublisherWithWriter(w Writer, logger *log.Logger) *KafkaPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event payment.Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.Reference),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Printf("[events] write %s for %s failed: %v", event.Type, event.Reference, err)
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
