package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const subscriptionColumns = `account_id, category, subscription_id, status, billing_cycle, price_minor, currency,
	started_at, expires_at, payment_id, created_at, updated_at`

var (
	selectSubscriptionCQL = `SELECT ` + subscriptionColumns + ` FROM category_subscriptions WHERE account_id = ? AND category = ?`
	listSubscriptionsCQL  = `SELECT ` + subscriptionColumns + ` FROM category_subscriptions WHERE account_id = ?`
	insertSubscriptionCQL = `INSERT INTO category_subscriptions (` + subscriptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	casSubscriptionCQL = `UPDATE category_subscriptions SET subscription_id = ?, status = ?, billing_cycle = ?,
		price_minor = ?, currency = ?, started_at = ?, expires_at = ?, payment_id = ?, updated_at = ?
		WHERE account_id = ? AND category = ? IF status = ? AND subscription_id = ?`
	insertSubscriptionIDCQL = `INSERT INTO subscriptions_by_id (subscription_id, account_id, category) VALUES (?, ?, ?)`
	selectSubscriptionIDCQL = `SELECT account_id, category FROM subscriptions_by_id WHERE subscription_id = ?`
)

// SubscriptionRepository keeps one row per (account, category) plus a
// subscriptions_by_id lookup row for every generation id. The lookup row is
// written before the conditional write that introduces the id, so an
// applied row is always resolvable; a lookup row whose write lost is
// harmless because GetByID callers compare the current id.
type SubscriptionRepository struct {
	client cqlRunner
}

var _ repository.SubscriptionRepository = (*SubscriptionRepository)(nil)

func NewSubscriptionRepository(client *ScyllaClient) *SubscriptionRepository {
	return &SubscriptionRepository{client: client}
}

func scanTargets(s *models.CategorySubscription) []interface{} {
	return []interface{}{
		&s.AccountID, &s.Category, &s.SubscriptionID, &s.Status, &s.BillingCycle, &s.PriceMinor, &s.Currency,
		&s.StartedAt, &s.ExpiresAt, &s.PaymentID, &s.CreatedAt, &s.UpdatedAt,
	}
}

func (r *SubscriptionRepository) Get(ctx context.Context, accountID string, category models.Category) (*models.CategorySubscription, error) {
	sub := &models.CategorySubscription{}
	err := r.client.Scan(ctx, selectSubscriptionCQL, []interface{}{accountID, string(category)}, scanTargets(sub)...)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get subscription",
			zap.String("account_id", accountID),
			zap.String("category", string(category)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, subscriptionID string) (*models.CategorySubscription, error) {
	var accountID, category string
	err := r.client.Scan(ctx, selectSubscriptionIDCQL, []interface{}{subscriptionID}, &accountID, &category)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve subscription id: %w", err)
	}
	return r.Get(ctx, accountID, models.Category(category))
}

func (r *SubscriptionRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.CategorySubscription, error) {
	iter := r.client.Iter(ctx, listSubscriptionsCQL, accountID)

	var out []*models.CategorySubscription
	for {
		sub := &models.CategorySubscription{}
		if !iter.Scan(scanTargets(sub)...) {
			break
		}
		out = append(out, sub)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list subscriptions", zap.String("account_id", accountID), zap.Error(err))
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

func (r *SubscriptionRepository) Insert(ctx context.Context, s *models.CategorySubscription) (bool, error) {
	if err := r.indexID(ctx, s); err != nil {
		return false, err
	}
	applied, err := r.client.ExecCAS(ctx, insertSubscriptionCQL,
		s.AccountID, string(s.Category), s.SubscriptionID, string(s.Status), string(s.BillingCycle), s.PriceMinor,
		s.Currency, s.StartedAt, s.ExpiresAt, s.PaymentID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return applied, nil
}

func (r *SubscriptionRepository) CompareAndSwap(ctx context.Context, s *models.CategorySubscription, expectStatus models.SubscriptionStatus, expectID string) (bool, error) {
	if s.SubscriptionID != expectID {
		if err := r.indexID(ctx, s); err != nil {
			return false, err
		}
	}
	applied, err := r.client.ExecCAS(ctx, casSubscriptionCQL,
		s.SubscriptionID, string(s.Status), string(s.BillingCycle), s.PriceMinor, s.Currency,
		s.StartedAt, s.ExpiresAt, s.PaymentID, s.UpdatedAt,
		s.AccountID, string(s.Category), string(expectStatus), expectID)
	if err != nil {
		util.Error("Conditional subscription update failed",
			zap.String("subscription_id", expectID),
			zap.String("to", string(s.Status)),
			zap.Error(err))
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	return applied, nil
}

func (r *SubscriptionRepository) indexID(ctx context.Context, s *models.CategorySubscription) error {
	if err := r.client.ExecuteWithRetry(ctx, insertSubscriptionIDCQL, s.SubscriptionID, s.AccountID, string(s.Category)); err != nil {
		return fmt.Errorf("failed to index subscription id: %w", err)
	}
	return nil
}
