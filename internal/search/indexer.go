// Package search projects category entitlements into Elasticsearch so the
// listing subsystem can filter providers by active category.
package search

import (
	"context"
	"time"

	"marketplace-identity/internal/models"
)

type Indexer interface {
	IndexEntitlement(ctx context.Context, sub *models.CategorySubscription) error
}

type EntitlementDocument struct {
	AccountID      string     `json:"account_id"`
	Category       string     `json:"category"`
	SubscriptionID string     `json:"subscription_id"`
	Status         string     `json:"status"`
	Active         bool       `json:"active"`
	BillingCycle   string     `json:"billing_cycle"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func DocumentID(accountID string, category models.Category) string {
	return accountID + ":" + string(category)
}

func NewDocument(sub *models.CategorySubscription) EntitlementDocument {
	return EntitlementDocument{
		AccountID:      sub.AccountID,
		Category:       string(sub.Category),
		SubscriptionID: sub.SubscriptionID,
		Status:         string(sub.Status),
		Active:         sub.Status == models.StatusActive,
		BillingCycle:   string(sub.BillingCycle),
		ExpiresAt:      sub.ExpiresAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

type documentWriter interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ESIndexer keeps one document per (account, category).
type ESIndexer struct {
	es    documentWriter
	index string
}

func NewESIndexer(es documentWriter, index string) *ESIndexer {
	return &ESIndexer{es: es, index: index}
}

func (i *ESIndexer) IndexEntitlement(ctx context.Context, sub *models.CategorySubscription) error {
	return i.es.IndexDocument(ctx, i.index, DocumentID(sub.AccountID, sub.Category), NewDocument(sub))
}

// NopIndexer is used when Elasticsearch is disabled.
type NopIndexer struct{}

func (NopIndexer) IndexEntitlement(context.Context, *models.CategorySubscription) error { return nil }
