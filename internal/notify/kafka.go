package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON to a topic, keyed by a random UUID.
type Kafka struct {
	writer messageWriter
	topic  string
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

func (*Kafka) Name() string { return "kafka" }

func (k *Kafka) Notify(ctx context.Context, ev Event) error {
	ev, err := prepare(ctx, ev)
	if err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(uuid.NewString()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
