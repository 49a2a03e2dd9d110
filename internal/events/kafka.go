// Package events publishes sync outcomes to Kafka for downstream consumers.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"candle-aggregator/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per SyncEvent, keyed by symbol so a
// symbol's events stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter

	// SkipIdle drops events that neither inserted candles nor failed.
	SkipIdle bool
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		SkipIdle: true,
	}
}

// PublishSyncEvent implements model.EventPublisher.
func (p *KafkaPublisher) PublishSyncEvent(ctx context.Context, ev model.SyncEvent) error {
	if p.SkipIdle && ev.Inserted == 0 && !ev.Failed() {
		return nil
	}
	err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: ev.JSON(),
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "mode", Value: []byte(ev.Mode)},
			{Key: "tick_id", Value: []byte(ev.TickID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", ev.Symbol, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
