// Package ingest moves driver location reports onto the location topic.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// LocationEvent is the message published for every location report.
type LocationEvent struct {
	DriverID string       `json:"driver_id"`
	Location models.Coord `json:"location"`
	At       time.Time    `json:"at"`
}

var ErrInvalidEvent = errors.New("invalid location event")

func (e LocationEvent) Validate() error {
	if e.DriverID == "" {
		return fmt.Errorf("%w: missing driver id", ErrInvalidEvent)
	}
	if !e.Location.Valid() {
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidEvent)
	}
	return nil
}

// Decode parses and validates one message value.
func Decode(b []byte) (LocationEvent, error) {
	var ev LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return LocationEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, ev.Validate()
}

// Publisher accepts location reports for downstream consumers.
type Publisher interface {
	PublishLocation(ctx context.Context, ev LocationEvent) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys the message by driver so one driver's reports stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, ev LocationEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
