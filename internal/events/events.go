// Package events publishes dispatch outcomes and ride status changes for
// downstream consumers (re-queueing, notifications, analytics).
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TopicDispatch = "ride.dispatch"
	TopicStatus   = "ride.status"

	TypeDispatchOutcome = "dispatch.outcome"
	TypeRideTransition  = "ride.transition"
)

// Envelope is the wire shape of every event; Data is type specific.
type Envelope struct {
	Type   string    `json:"type"`
	RideID string    `json:"ride_id"`
	At     time.Time `json:"at"`
	Data   any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, e Envelope) error
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }

type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaPublisher writes to whichever topic each Publish names, keyed by
// ride id so a ride's events stay ordered within a partition.
func NewKafkaPublisher(brokers []string, timeout time.Duration) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &KafkaPublisher{writer: w, timeout: timeout}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic string, e Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(e.RideID), Value: b, Time: e.At})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Logged wraps a publisher so failures are logged instead of returned;
// publishing never blocks a ride's state change.
type Logged struct {
	Next   Publisher
	Logger *slog.Logger
}

func (l Logged) Publish(ctx context.Context, topic string, e Envelope) error {
	if l.Next == nil {
		return nil
	}
	if err := l.Next.Publish(ctx, topic, e); err != nil && l.Logger != nil {
		l.Logger.Warn("event publish failed", "topic", topic, "type", e.Type, "ride_id", e.RideID, "err", err)
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]Envelope
}

func NewRecorder() *Recorder { return &Recorder{events: make(map[string][]Envelope)} }

func (r *Recorder) Publish(_ context.Context, topic string, e Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[topic] = append(r.events[topic], e)
	return nil
}

func (r *Recorder) Events(topic string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events[topic]...)
}
