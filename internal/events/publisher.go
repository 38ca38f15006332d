// Package events publishes domain events for downstream consumers
// (notifications, listing visibility, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

type Stream string

const (
	StreamOTP          Stream = "otp"
	StreamSubscription Stream = "subscription"
	StreamPayment      Stream = "payment"
)

const (
	TypeOTPIssued             = "otp.issued"
	TypeSubscriptionPending   = "subscription.pending_payment"
	TypeSubscriptionActivated = "subscription.activated"
	TypeSubscriptionExpired   = "subscription.expired"
	TypeSubscriptionCancelled = "subscription.cancelled"
	TypePaymentInitialized    = "payment.initialized"
	TypePaymentSucceeded      = "payment.succeeded"
	TypePaymentFailed         = "payment.failed"
)

type Event struct {
	Stream     Stream                 `json:"-"`
	Type       string                 `json:"type"`
	Key        string                 `json:"key"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher routes each stream to its configured topic.
type KafkaPublisher struct {
	producer producer
	topics   map[Stream]string
}

func NewKafkaPublisher(p producer, cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		producer: p,
		topics: map[Stream]string{
			StreamOTP:          cfg.OTPTopic,
			StreamSubscription: cfg.SubscriptionTopic,
			StreamPayment:      cfg.PaymentTopic,
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	topic, ok := k.topics[event.Stream]
	if !ok || topic == "" {
		return fmt.Errorf("no topic for stream %q", event.Stream)
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return k.producer.ProduceMessage(ctx, topic, []byte(event.Key), value, map[string]string{
		"event_type": event.Type,
	})
}

// LogPublisher writes events to the log. Used when Kafka is disabled.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event Event) error {
	util.Debug("Event published",
		zap.String("stream", string(event.Stream)),
		zap.String("type", event.Type),
		zap.String("key", event.Key),
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
