package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func TestAccountPhoneIsUnique(t *testing.T) {
	ctx := context.Background()
	accounts := NewStore().Accounts()

	require.NoError(t, accounts.Create(ctx, &models.Account{AccountID: "a1", PhoneHash: "h1", CreatedAt: t0}))
	err := accounts.Create(ctx, &models.Account{AccountID: "a2", PhoneHash: "h1", CreatedAt: t0})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := accounts.GetByPhoneHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AccountID)

	require.NoError(t, accounts.UpdatePassword(ctx, "a1", "new-hash", t0.Add(time.Hour)))
	got, err = accounts.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.Equal(t, t0.Add(time.Hour), got.UpdatedAt)

	assert.ErrorIs(t, accounts.UpdatePassword(ctx, "missing", "x", t0), repository.ErrNotFound)
}

func TestSubscriptionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	subs := NewStore().Subscriptions()

	pending := &models.CategorySubscription{
		AccountID:      "a1",
		Category:       models.CategoryHotels,
		SubscriptionID: "s1",
		Status:         models.StatusPendingPayment,
		BillingCycle:   models.CycleMonthly,
		CreatedAt:      t0,
	}
	ok, err := subs.Insert(ctx, pending)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = subs.Insert(ctx, pending)
	require.NoError(t, err)
	assert.False(t, ok, "one row per account and category")

	active := pending.Clone()
	active.Status = models.StatusActive

	ok, err = subs.CompareAndSwap(ctx, active, models.StatusPendingPayment, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = subs.CompareAndSwap(ctx, active, models.StatusPendingPayment, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = subs.CompareAndSwap(ctx, active, models.StatusPendingPayment, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "second swap sees the new status")

	renewed := active.Clone()
	renewed.SubscriptionID = "s2"
	renewed.Status = models.StatusPendingPayment
	ok, err = subs.CompareAndSwap(ctx, renewed, models.StatusActive, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := subs.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SubscriptionID, "old ids resolve to the current row")

	list, err := subs.ListByAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubscriptionReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	subs := NewStore().Subscriptions()

	_, err := subs.Insert(ctx, &models.CategorySubscription{
		AccountID: "a1", Category: models.CategoryJobs, SubscriptionID: "s1", Status: models.StatusPendingPayment,
	})
	require.NoError(t, err)

	got, err := subs.Get(ctx, "a1", models.CategoryJobs)
	require.NoError(t, err)
	got.Status = models.StatusActive

	again, err := subs.Get(ctx, "a1", models.CategoryJobs)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPayment, again.Status)
}

func TestPaymentTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	payments := NewStore().Payments()

	p := &models.PaymentTransaction{PaymentID: "p1", Reference: "ref-1", Status: models.PaymentInitialized, CreatedAt: t0}
	require.NoError(t, payments.Create(ctx, p))
	assert.ErrorIs(t, payments.Create(ctx, &models.PaymentTransaction{PaymentID: "p2", Reference: "ref-1"}), repository.ErrConflict)

	ok, err := payments.Transition(ctx, "p1", models.PaymentInitialized, models.PaymentSucceeded, t0.Add(time.Minute), "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = payments.Transition(ctx, "p1", models.PaymentInitialized, models.PaymentFailed, t0.Add(2*time.Minute), "late")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := payments.GetByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, t0.Add(time.Minute), *got.ConfirmedAt)

	_, err = payments.Transition(ctx, "missing", models.PaymentInitialized, models.PaymentFailed, t0, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSelectionDeleteIf(t *testing.T) {
	ctx := context.Background()
	sels := NewStore().Selections()

	ok, err := sels.PutIfAbsent(ctx, &models.ActiveCategorySelection{AccountID: "a1", Category: models.CategoryHotels, SubscriptionID: "s1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sels.PutIfAbsent(ctx, &models.ActiveCategorySelection{AccountID: "a1", Category: models.CategoryJobs, SubscriptionID: "s2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sels.DeleteIf(ctx, "a1", "s2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sels.DeleteIf(ctx, "a1", "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = sels.Get(ctx, "a1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeadlinesDueOrderedAndLimited(t *testing.T) {
	ctx := context.Background()
	deadlines := NewStore().Deadlines()

	entry := func(acct string, at time.Time) models.DeadlineEntry {
		return models.DeadlineEntry{
			Bucket: 3, Kind: models.DeadlineExpiry, Deadline: at,
			AccountID: acct, Category: models.CategoryRentals, SubscriptionID: "s-" + acct,
		}
	}
	require.NoError(t, deadlines.Put(ctx, entry("c", t0.Add(2*time.Hour))))
	require.NoError(t, deadlines.Put(ctx, entry("a", t0)))
	require.NoError(t, deadlines.Put(ctx, entry("b", t0.Add(time.Hour))))
	require.NoError(t, deadlines.Put(ctx, models.DeadlineEntry{Bucket: 3, Kind: models.DeadlineCheckout, Deadline: t0, AccountID: "x"}))

	due, err := deadlines.Due(ctx, 3, models.DeadlineExpiry, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].AccountID)
	assert.Equal(t, "b", due[1].AccountID)

	due, err = deadlines.Due(ctx, 3, models.DeadlineExpiry, t0.Add(3*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].AccountID)

	require.NoError(t, deadlines.Delete(ctx, entry("a", t0)))
	due, err = deadlines.Due(ctx, 3, models.DeadlineExpiry, t0.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = deadlines.Due(ctx, 4, models.DeadlineExpiry, t0.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}
