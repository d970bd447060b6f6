package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher writes redemption events to kafka.
type Publisher struct {
	w *kafka.Writer
}

// NewPublisher configures the writer for durability over throughput:
// RequireAll acks, hash balancing on the reservation-id key so replays of
// the same redemption land on the same partition.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *Publisher) Close() error { return p.w.Close() }

// Publish writes one event synchronously. The committer treats a failure
// here as log-and-continue: the ledger row is the source of truth and the
// topic can be backfilled from it.
func (p *Publisher) Publish(ctx context.Context, e RedemptionEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ReservationID),
		Value: b,
	})
}
