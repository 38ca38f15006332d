package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketplace-identity/internal/bucketing"
	"marketplace-identity/internal/config"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const (
	casRetries       = 5
	sweepParallelism = 8
)

// LedgerService owns the per-(account, category) subscription row. Every
// state change is a compare-and-swap on the observed status and
// subscription id, so concurrent writers never both apply.
type LedgerService struct {
	subs       repository.SubscriptionRepository
	payments   repository.PaymentRepository
	selections repository.SelectionRepository
	deadlines  repository.DeadlineRepository
	buckets    *bucketing.BucketingManager
	catalog    *Catalog
	observers  *Observers
	cfg        config.SubscriptionConfig
	now        func() time.Time
}

func NewLedgerService(
	subs repository.SubscriptionRepository,
	payments repository.PaymentRepository,
	selections repository.SelectionRepository,
	deadlines repository.DeadlineRepository,
	buckets *bucketing.BucketingManager,
	catalog *Catalog,
	observers *Observers,
	cfg config.SubscriptionConfig,
) *LedgerService {
	return &LedgerService{
		subs:       subs,
		payments:   payments,
		selections: selections,
		deadlines:  deadlines,
		buckets:    buckets,
		catalog:    catalog,
		observers:  observers,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (s *LedgerService) WithClock(now func() time.Time) *LedgerService {
	s.now = now
	return s
}

// StartSubscription puts the category into pending_payment at the catalog
// price for cycle. Expired and cancelled rows are restarted under a new
// subscription id so payments for the old generation cannot activate it.
func (s *LedgerService) StartSubscription(ctx context.Context, accountID string, category models.Category, cycle models.BillingCycle) (*models.CategorySubscription, error) {
	if !category.Valid() {
		return nil, ErrInvalidCategory
	}
	if !cycle.Valid() {
		return nil, ErrInvalidBillingCycle
	}
	price, ok := s.catalog.Price(cycle)
	if !ok {
		return nil, ErrInvalidBillingCycle
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		now := s.now()
		cur, err := s.subs.Get(ctx, accountID, category)
		if errors.Is(err, repository.ErrNotFound) {
			sub := &models.CategorySubscription{
				AccountID:      accountID,
				Category:       category,
				SubscriptionID: uuid.NewString(),
				Status:         models.StatusPendingPayment,
				BillingCycle:   cycle,
				PriceMinor:     price,
				Currency:       s.catalog.Currency(),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			applied, err := s.subs.Insert(ctx, sub)
			if err != nil {
				return nil, err
			}
			if !applied {
				continue
			}
			s.pendingStarted(ctx, sub, models.StatusNone)
			return sub, nil
		}
		if err != nil {
			return nil, err
		}

		cur, err = s.refresh(ctx, cur)
		if err != nil {
			return nil, err
		}
		if cur.Status == models.StatusActive {
			return nil, ErrAlreadyActive
		}

		next := cur.Clone()
		if cur.Status != models.StatusPendingPayment {
			next.SubscriptionID = uuid.NewString()
			next.CreatedAt = now
		}
		next.Status = models.StatusPendingPayment
		next.BillingCycle = cycle
		next.PriceMinor = price
		next.Currency = s.catalog.Currency()
		next.StartedAt = nil
		next.ExpiresAt = nil
		next.PaymentID = ""
		next.UpdatedAt = now

		applied, err := s.subs.CompareAndSwap(ctx, next, cur.Status, cur.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if applied {
			s.pendingStarted(ctx, next, cur.Status)
			return next, nil
		}
	}
	return nil, fmt.Errorf("start subscription: %w", repository.ErrConflict)
}

func (s *LedgerService) pendingStarted(ctx context.Context, sub *models.CategorySubscription, from models.SubscriptionStatus) {
	if s.cfg.PendingTTL > 0 {
		s.putDeadline(ctx, sub, models.DeadlineCheckout, sub.UpdatedAt.Add(s.cfg.PendingTTL))
	}
	s.observers.subscriptionChanged(ctx, sub, from, "checkout_started")
	util.Info("Subscription awaiting payment",
		zap.String("account_id", sub.AccountID),
		zap.String("category", string(sub.Category)),
		zap.String("subscription_id", sub.SubscriptionID))
}

// ActivateSubscription moves the row to active for a succeeded payment. It
// is idempotent: a replay for the payment that already activated the row
// returns the row without side effects.
func (s *LedgerService) ActivateSubscription(ctx context.Context, subscriptionID, paymentID string) (*models.CategorySubscription, error) {
	payment, err := s.payments.GetByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotSucceeded
	}
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentSucceeded {
		return nil, ErrPaymentNotSucceeded
	}
	if payment.SubscriptionID != subscriptionID {
		return nil, ErrStaleSubscription
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.subs.GetByID(ctx, subscriptionID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		if err != nil {
			return nil, err
		}
		if cur.SubscriptionID != subscriptionID {
			return nil, ErrStaleSubscription
		}
		if cur.PaymentID == paymentID && (cur.Status == models.StatusActive || cur.Status == models.StatusExpired) {
			return cur, nil
		}

		switch cur.Status {
		case models.StatusPendingPayment, models.StatusCancelled:
		case models.StatusActive:
			return nil, ErrAlreadyActive
		default:
			return nil, ErrStaleSubscription
		}
		// A pending row can be re-priced after checkout began; the customer
		// gets the cycle they paid for, not the row's latest terms.
		cycle := payment.BillingCycle
		if cycle == "" {
			if payment.AmountMinor != cur.PriceMinor || payment.Currency != cur.Currency {
				return nil, ErrInvalidAmount
			}
			cycle = cur.BillingCycle
		}
		if cycle != cur.BillingCycle || payment.AmountMinor != cur.PriceMinor {
			util.Info("Activating on checkout terms",
				zap.String("subscription_id", subscriptionID),
				zap.String("paid_cycle", string(cycle)),
				zap.String("row_cycle", string(cur.BillingCycle)))
		}

		now := s.now()
		expiresAt, err := cycle.ExpiresAt(now)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		next.BillingCycle = cycle
		next.PriceMinor = payment.AmountMinor
		next.Currency = payment.Currency
		next.Status = models.StatusActive
		next.StartedAt = &now
		next.ExpiresAt = expiresAt
		next.PaymentID = paymentID
		next.UpdatedAt = now

		applied, err := s.subs.CompareAndSwap(ctx, next, cur.Status, cur.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}

		if expiresAt != nil {
			s.putDeadline(ctx, next, models.DeadlineExpiry, *expiresAt)
		}
		if _, err := s.selections.PutIfAbsent(ctx, &models.ActiveCategorySelection{
			AccountID:      next.AccountID,
			Category:       next.Category,
			SubscriptionID: next.SubscriptionID,
			UpdatedAt:      now,
		}); err != nil {
			util.Warn("Failed to default active category", zap.String("account_id", next.AccountID), zap.Error(err))
		}
		s.observers.subscriptionChanged(ctx, next, cur.Status, "payment_succeeded")
		util.Info("Subscription activated",
			zap.String("account_id", next.AccountID),
			zap.String("category", string(next.Category)),
			zap.String("subscription_id", next.SubscriptionID),
			zap.String("payment_id", paymentID))
		return next, nil
	}
	return nil, fmt.Errorf("activate subscription: %w", repository.ErrConflict)
}

// ListForAccount returns the account's rows in catalog order, expiring any
// that are past due first.
func (s *LedgerService) ListForAccount(ctx context.Context, accountID string) ([]*models.CategorySubscription, error) {
	rows, err := s.subs.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if rows[i], err = s.refresh(ctx, row); err != nil {
			return nil, err
		}
	}

	order := make(map[models.Category]int, len(models.AllCategories))
	for i, c := range models.AllCategories {
		order[c] = i
	}
	sort.Slice(rows, func(i, j int) bool { return order[rows[i].Category] < order[rows[j].Category] })
	return rows, nil
}

func (s *LedgerService) HasActiveSubscription(ctx context.Context, accountID string, category models.Category) (bool, error) {
	if !category.Valid() {
		return false, ErrInvalidCategory
	}
	sub, err := s.subs.Get(ctx, accountID, category)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sub, err = s.refresh(ctx, sub); err != nil {
		return false, err
	}
	return sub.Status == models.StatusActive, nil
}

// ExpireSubscription forces an active subscription to expired regardless of
// its deadline.
func (s *LedgerService) ExpireSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSubscriptionNotFound
	}
	if err != nil {
		return err
	}
	if sub.SubscriptionID != subscriptionID {
		return ErrStaleSubscription
	}
	if sub.Status != models.StatusActive {
		return ErrNotSubscribed
	}
	applied, err := s.expire(ctx, sub, "forced")
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotSubscribed
	}
	return nil
}

// ExpireDueSubscriptions expires every active row whose deadline has passed
// and returns how many were transitioned.
func (s *LedgerService) ExpireDueSubscriptions(ctx context.Context) (int, error) {
	return s.sweep(ctx, models.DeadlineExpiry, func(ctx context.Context, entry models.DeadlineEntry, now time.Time) (bool, error) {
		sub, err := s.subs.Get(ctx, entry.AccountID, entry.Category)
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if sub.SubscriptionID != entry.SubscriptionID || !sub.PastDue(now) {
			return false, nil
		}
		return s.expire(ctx, sub, "deadline")
	})
}

// CancelAbandonedCheckouts cancels pending rows that have waited longer than
// the configured pending TTL for a payment.
func (s *LedgerService) CancelAbandonedCheckouts(ctx context.Context) (int, error) {
	if s.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	return s.sweep(ctx, models.DeadlineCheckout, func(ctx context.Context, entry models.DeadlineEntry, now time.Time) (bool, error) {
		sub, err := s.subs.Get(ctx, entry.AccountID, entry.Category)
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if sub.SubscriptionID != entry.SubscriptionID ||
			sub.Status != models.StatusPendingPayment ||
			now.Before(sub.UpdatedAt.Add(s.cfg.PendingTTL)) {
			return false, nil
		}

		next := sub.Clone()
		next.Status = models.StatusCancelled
		next.UpdatedAt = now
		applied, err := s.subs.CompareAndSwap(ctx, next, models.StatusPendingPayment, sub.SubscriptionID)
		if err != nil || !applied {
			return false, err
		}
		s.observers.subscriptionChanged(ctx, next, models.StatusPendingPayment, "checkout_abandoned")
		return true, nil
	})
}

type sweepFunc func(ctx context.Context, entry models.DeadlineEntry, now time.Time) (bool, error)

// sweep walks every bucket of the deadline index concurrently. Each due
// entry is handled and then removed, whether or not it still applied.
func (s *LedgerService) sweep(ctx context.Context, kind models.DeadlineKind, handle sweepFunc) (int, error) {
	start := time.Now()
	defer func() {
		s.observers.Metrics.SweepDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 500
	}
	now := s.now()
	var transitioned atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for bucket := 0; bucket < s.buckets.DeadlineBuckets(); bucket++ {
		bucket := bucket
		g.Go(func() error {
			for {
				entries, err := s.deadlines.Due(gctx, bucket, kind, now, batch)
				if err != nil {
					return fmt.Errorf("bucket %d: %w", bucket, err)
				}
				for _, entry := range entries {
					applied, err := handle(gctx, entry, now)
					if err != nil {
						return fmt.Errorf("bucket %d: %w", bucket, err)
					}
					if applied {
						transitioned.Add(1)
					}
					if err := s.deadlines.Delete(gctx, entry); err != nil {
						return fmt.Errorf("bucket %d: %w", bucket, err)
					}
				}
				if len(entries) < batch {
					return nil
				}
			}
		})
	}
	err := g.Wait()

	n := int(transitioned.Load())
	if n > 0 || err != nil {
		util.Info("Deadline sweep finished",
			zap.String("kind", string(kind)),
			zap.Int("transitioned", n),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
	}
	return n, err
}

// refresh applies lazy expiry to a row read by a caller.
func (s *LedgerService) refresh(ctx context.Context, sub *models.CategorySubscription) (*models.CategorySubscription, error) {
	if !sub.PastDue(s.now()) {
		return sub, nil
	}
	if _, err := s.expire(ctx, sub, "lazy"); err != nil {
		return nil, err
	}
	return s.subs.Get(ctx, sub.AccountID, sub.Category)
}

// expire transitions an active row to expired. The selection is cleared only
// while it still points at this subscription.
func (s *LedgerService) expire(ctx context.Context, sub *models.CategorySubscription, reason string) (bool, error) {
	next := sub.Clone()
	next.Status = models.StatusExpired
	next.UpdatedAt = s.now()

	applied, err := s.subs.CompareAndSwap(ctx, next, models.StatusActive, sub.SubscriptionID)
	if err != nil || !applied {
		return false, err
	}

	if _, err := s.selections.DeleteIf(ctx, sub.AccountID, sub.SubscriptionID); err != nil {
		util.Warn("Failed to clear active category", zap.String("account_id", sub.AccountID), zap.Error(err))
	}
	if sub.ExpiresAt != nil {
		entry := s.deadlineEntry(sub, models.DeadlineExpiry, *sub.ExpiresAt)
		if err := s.deadlines.Delete(ctx, entry); err != nil {
			util.Warn("Failed to remove expiry index entry", zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
		}
	}
	s.observers.subscriptionChanged(ctx, next, models.StatusActive, reason)
	util.Info("Subscription expired",
		zap.String("account_id", sub.AccountID),
		zap.String("category", string(sub.Category)),
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("reason", reason))
	return true, nil
}

func (s *LedgerService) deadlineEntry(sub *models.CategorySubscription, kind models.DeadlineKind, at time.Time) models.DeadlineEntry {
	return models.DeadlineEntry{
		Bucket:         s.buckets.DeadlineBucket(sub.AccountID, sub.Category),
		Kind:           kind,
		Deadline:       at,
		AccountID:      sub.AccountID,
		Category:       sub.Category,
		SubscriptionID: sub.SubscriptionID,
	}
}

// putDeadline failures are logged; lazy expiry on read still converges.
func (s *LedgerService) putDeadline(ctx context.Context, sub *models.CategorySubscription, kind models.DeadlineKind, at time.Time) {
	if err := s.deadlines.Put(ctx, s.deadlineEntry(sub, kind, at)); err != nil {
		util.Error("Failed to index subscription deadline",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}
