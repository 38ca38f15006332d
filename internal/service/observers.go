package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/audit"
	"marketplace-identity/internal/events"
	"marketplace-identity/internal/metrics"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/search"
	"marketplace-identity/internal/util"
)

// Observers fan an applied transition out to the event stream, the audit
// trail and the entitlement index. Failures are logged and never returned.
type Observers struct {
	Events  events.Publisher
	Audit   audit.Recorder
	Index   search.Indexer
	Metrics *metrics.Registry
}

// NewObservers fills any missing sink with its no-op variant.
func NewObservers(pub events.Publisher, rec audit.Recorder, idx search.Indexer, m *metrics.Registry) *Observers {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	if rec == nil {
		rec = audit.LogRecorder{}
	}
	if idx == nil {
		idx = search.NopIndexer{}
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Observers{Events: pub, Audit: rec, Index: idx, Metrics: m}
}

var subscriptionEventTypes = map[models.SubscriptionStatus]string{
	models.StatusPendingPayment: events.TypeSubscriptionPending,
	models.StatusActive:         events.TypeSubscriptionActivated,
	models.StatusExpired:        events.TypeSubscriptionExpired,
	models.StatusCancelled:      events.TypeSubscriptionCancelled,
}

func (o *Observers) subscriptionChanged(ctx context.Context, sub *models.CategorySubscription, from models.SubscriptionStatus, reason string) {
	o.Metrics.SubscriptionTransitions.WithLabelValues(string(sub.Category), string(sub.Status)).Inc()

	data := map[string]interface{}{
		"subscription_id": sub.SubscriptionID,
		"category":        string(sub.Category),
		"from":            string(from),
		"to":              string(sub.Status),
		"billing_cycle":   string(sub.BillingCycle),
	}
	if sub.ExpiresAt != nil {
		data["expires_at"] = sub.ExpiresAt.UTC().Format(time.RFC3339)
	}
	o.publish(ctx, events.Event{
		Stream:     events.StreamSubscription,
		Type:       subscriptionEventTypes[sub.Status],
		Key:        sub.AccountID,
		OccurredAt: sub.UpdatedAt,
		Data:       data,
	})

	if err := o.Audit.Record(ctx, audit.Entry{
		Kind:      audit.KindSubscription,
		AccountID: sub.AccountID,
		EntityID:  sub.SubscriptionID,
		Category:  string(sub.Category),
		From:      string(from),
		To:        string(sub.Status),
		Reason:    reason,
		At:        sub.UpdatedAt,
	}); err != nil {
		util.Warn("Failed to record subscription audit entry", zap.Error(err))
	}

	if err := o.Index.IndexEntitlement(ctx, sub); err != nil {
		util.Warn("Failed to index entitlement",
			zap.String("account_id", sub.AccountID),
			zap.String("category", string(sub.Category)),
			zap.Error(err))
	}
}

var paymentEventTypes = map[models.PaymentStatus]string{
	models.PaymentInitialized: events.TypePaymentInitialized,
	models.PaymentSucceeded:   events.TypePaymentSucceeded,
	models.PaymentFailed:      events.TypePaymentFailed,
}

func (o *Observers) paymentChanged(ctx context.Context, p *models.PaymentTransaction, from models.PaymentStatus, at time.Time) {
	o.publish(ctx, events.Event{
		Stream:     events.StreamPayment,
		Type:       paymentEventTypes[p.Status],
		Key:        p.AccountID,
		OccurredAt: at,
		Data: map[string]interface{}{
			"payment_id":      p.PaymentID,
			"reference":       p.Reference,
			"subscription_id": p.SubscriptionID,
			"amount":          FormatAmount(p.AmountMinor),
			"currency":        p.Currency,
			"status":          string(p.Status),
		},
	})

	if err := o.Audit.Record(ctx, audit.Entry{
		Kind:      audit.KindPayment,
		AccountID: p.AccountID,
		EntityID:  p.PaymentID,
		Category:  string(p.Category),
		From:      string(from),
		To:        string(p.Status),
		Reason:    p.FailureReason,
		At:        at,
	}); err != nil {
		util.Warn("Failed to record payment audit entry", zap.Error(err))
	}
}

func (o *Observers) publish(ctx context.Context, ev events.Event) {
	if err := o.Events.Publish(ctx, ev); err != nil {
		util.Warn("Failed to publish event",
			zap.String("type", ev.Type),
			zap.String("key", ev.Key),
			zap.Error(err))
	}
}
