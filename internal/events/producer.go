package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// BookingOutcomeEvent is published after a reconciliation commits a terminal outcome
type BookingOutcomeEvent struct {
	Type             string    `json:"type"`
	BookingID        string    `json:"booking_id"`
	PaymentReference string    `json:"payment_reference"`
	Status           string    `json:"status"`
	PaymentStatus    string    `json:"payment_status"`
	AttemptState     string    `json:"attempt_state"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Source           string    `json:"source"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes booking events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
	logger *logrus.Logger
}

// NewProducer creates a Kafka producer for the booking topic
func NewProducer(brokers []string, topic string, logger *logrus.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: writer, topic: topic, logger: logger}
}

// PublishOutcome writes the event keyed by booking so a booking's events stay ordered
func (p *Producer) PublishOutcome(ctx context.Context, event BookingOutcomeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.BookingID),
		Value: data,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":      p.topic,
		"booking_id": event.BookingID,
		"type":       event.Type,
	}).Debug("Booking outcome published")
	return nil
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
