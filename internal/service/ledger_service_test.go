package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-identity/internal/audit"
	"marketplace-identity/internal/config"
	"marketplace-identity/internal/events"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
)

func TestPaidSubscriptionActivatesOnce(t *testing.T) {
	h := newHarness(t)

	sub, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryHotels, models.CycleOneTime)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPayment, sub.Status)

	amount, err := ParseAmount("50.00")
	require.NoError(t, err)
	init, err := h.payments.InitializePayment(h.ctx, "acc-1", sub.SubscriptionID, amount)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/"+init.Reference, init.RedirectURL)

	require.NoError(t, h.payments.ConfirmPayment(h.ctx, init.Reference, models.OutcomeSuccess))

	active, err := h.store.Subscriptions().Get(h.ctx, "acc-1", models.CategoryHotels)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, active.Status)
	assert.Nil(t, active.ExpiresAt, "one-time purchases never lapse")
	assert.Equal(t, init.PaymentID, active.PaymentID)

	// Re-delivered confirmation.
	require.NoError(t, h.payments.ConfirmPayment(h.ctx, init.Reference, models.OutcomeSuccess))
	_, err = h.ledger.ActivateSubscription(h.ctx, sub.SubscriptionID, init.PaymentID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.audit.Transitions(audit.KindSubscription, string(models.StatusActive)))
	assert.Len(t, h.events.OfType(events.TypeSubscriptionActivated), 1)
	assert.Len(t, h.events.OfType(events.TypePaymentSucceeded), 1)
}

func TestActivationSetsExpiryPerCycle(t *testing.T) {
	tests := []struct {
		cycle models.BillingCycle
		want  func(time.Time) time.Time
	}{
		{models.CycleMonthly, func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{models.CycleQuarterly, func(t time.Time) time.Time { return t.AddDate(0, 3, 0) }},
		{models.CycleYearly, func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, tt := range tests {
		t.Run(string(tt.cycle), func(t *testing.T) {
			h := newHarness(t)
			active := h.subscribe("acc-1", models.CategoryRentals, tt.cycle)
			require.NotNil(t, active.ExpiresAt)
			assert.True(t, tt.want(h.clock.Now()).Equal(*active.ExpiresAt))
		})
	}
}

func TestStartSubscriptionRejectsActiveCategory(t *testing.T) {
	h := newHarness(t)
	h.subscribe("acc-1", models.CategoryJobs, models.CycleMonthly)

	_, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryJobs, models.CycleYearly)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = h.ledger.StartSubscription(h.ctx, "acc-1", models.Category("plumbing"), models.CycleYearly)
	assert.ErrorIs(t, err, ErrInvalidCategory)
	_, err = h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryHotels, models.BillingCycle("weekly"))
	assert.ErrorIs(t, err, ErrInvalidBillingCycle)
}

func TestStartSubscriptionResetsPendingInPlace(t *testing.T) {
	h := newHarness(t)

	first, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryTransport, models.CycleMonthly)
	require.NoError(t, err)
	second, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryTransport, models.CycleYearly)
	require.NoError(t, err)

	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, int64(20000), second.PriceMinor)

	rows, err := h.ledger.ListForAccount(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestExpireDueSubscriptionsClearsSelection(t *testing.T) {
	h := newHarness(t)
	active := h.subscribe("acc-1", models.CategoryHotels, models.CycleMonthly)

	sel, err := h.store.Selections().Get(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, active.SubscriptionID, sel.SubscriptionID)

	n, err := h.ledger.ExpireDueSubscriptions(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(active.ExpiresAt.Sub(h.clock.Now()) + time.Second)
	n, err = h.ledger.ExpireDueSubscriptions(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := h.store.Subscriptions().Get(h.ctx, "acc-1", models.CategoryHotels)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, row.Status)
	_, err = h.store.Selections().Get(h.ctx, "acc-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err = h.ledger.ExpireDueSubscriptions(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.audit.Transitions(audit.KindSubscription, string(models.StatusExpired)))
}

func TestExpireDueSubscriptionsAcrossBuckets(t *testing.T) {
	h := newHarness(t)
	accounts := []string{"acc-1", "acc-2", "acc-3", "acc-4", "acc-5", "acc-6", "acc-7"}
	for _, acc := range accounts {
		h.subscribe(acc, models.CategoryArtisans, models.CycleMonthly)
		h.subscribe(acc, models.CategoryJobs, models.CycleQuarterly)
	}

	h.advance(32 * 24 * time.Hour)
	n, err := h.ledger.ExpireDueSubscriptions(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(accounts), n)

	for _, acc := range accounts {
		ok, err := h.ledger.HasActiveSubscription(h.ctx, acc, models.CategoryJobs)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = h.ledger.HasActiveSubscription(h.ctx, acc, models.CategoryArtisans)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestReadsApplyLazyExpiry(t *testing.T) {
	h := newHarness(t)
	h.subscribe("acc-1", models.CategoryMarketplace, models.CycleMonthly)

	h.advance(40 * 24 * time.Hour)

	rows, err := h.ledger.ListForAccount(h.ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusExpired, rows[0].Status)

	ok, err := h.ledger.HasActiveSubscription(h.ctx, "acc-1", models.CategoryMarketplace)
	require.NoError(t, err)
	assert.False(t, ok)

	// The sweep finds nothing left to do.
	n, err := h.ledger.ExpireDueSubscriptions(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestartAfterExpiryUsesNewGeneration(t *testing.T) {
	h := newHarness(t)
	old := h.subscribe("acc-1", models.CategoryHotels, models.CycleMonthly)
	h.advance(40 * 24 * time.Hour)

	restarted, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryHotels, models.CycleMonthly)
	require.NoError(t, err)
	assert.NotEqual(t, old.SubscriptionID, restarted.SubscriptionID)
	assert.Equal(t, models.StatusPendingPayment, restarted.Status)

	// A replay of the previous generation's payment must not activate it.
	_, err = h.ledger.ActivateSubscription(h.ctx, old.SubscriptionID, old.PaymentID)
	assert.ErrorIs(t, err, ErrStaleSubscription)

	row, err := h.store.Subscriptions().Get(h.ctx, "acc-1", models.CategoryHotels)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingPayment, row.Status)
}

func TestActivateRequiresSucceededPayment(t *testing.T) {
	h := newHarness(t)
	sub, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryHotels, models.CycleMonthly)
	require.NoError(t, err)
	init, err := h.payments.InitializePayment(h.ctx, "acc-1", sub.SubscriptionID, sub.PriceMinor)
	require.NoError(t, err)

	_, err = h.ledger.ActivateSubscription(h.ctx, sub.SubscriptionID, init.PaymentID)
	assert.ErrorIs(t, err, ErrPaymentNotSucceeded)
	_, err = h.ledger.ActivateSubscription(h.ctx, sub.SubscriptionID, "no-such-payment")
	assert.ErrorIs(t, err, ErrPaymentNotSucceeded)
}

func TestAbandonedCheckoutIsCancelled(t *testing.T) {
	h := newHarness(t)
	sub, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryRentals, models.CycleMonthly)
	require.NoError(t, err)
	init, err := h.payments.InitializePayment(h.ctx, "acc-1", sub.SubscriptionID, sub.PriceMinor)
	require.NoError(t, err)

	h.advance(71 * time.Hour)
	n, err := h.ledger.CancelAbandonedCheckouts(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(2 * time.Hour)
	n, err = h.ledger.CancelAbandonedCheckouts(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := h.store.Subscriptions().Get(h.ctx, "acc-1", models.CategoryRentals)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, row.Status)

	// The customer did pay eventually; the late confirmation still activates.
	require.NoError(t, h.payments.ConfirmPayment(h.ctx, init.Reference, models.OutcomeSuccess))
	row, err = h.store.Subscriptions().Get(h.ctx, "acc-1", models.CategoryRentals)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, row.Status)
}

func TestRestartedCheckoutIsNotCancelledByStaleDeadline(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryRentals, models.CycleMonthly)
	require.NoError(t, err)

	h.advance(48 * time.Hour)
	_, err = h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryRentals, models.CycleYearly)
	require.NoError(t, err)

	h.advance(25 * time.Hour)
	n, err := h.ledger.CancelAbandonedCheckouts(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(48 * time.Hour)
	n, err = h.ledger.CancelAbandonedCheckouts(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancelledCheckoutCanBeRestarted(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Subscription.PendingTTL = time.Hour })
	sub, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryArtisans, models.CycleMonthly)
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	_, err = h.ledger.CancelAbandonedCheckouts(h.ctx)
	require.NoError(t, err)

	restarted, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryArtisans, models.CycleMonthly)
	require.NoError(t, err)
	assert.NotEqual(t, sub.SubscriptionID, restarted.SubscriptionID)
	assert.Equal(t, models.StatusPendingPayment, restarted.Status)
}

func TestForcedExpiry(t *testing.T) {
	h := newHarness(t)
	active := h.subscribe("acc-1", models.CategoryHotels, models.CycleOneTime)

	require.NoError(t, h.ledger.ExpireSubscription(h.ctx, active.SubscriptionID))
	ok, err := h.ledger.HasActiveSubscription(h.ctx, "acc-1", models.CategoryHotels)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, h.ledger.ExpireSubscription(h.ctx, active.SubscriptionID), ErrNotSubscribed)
	assert.ErrorIs(t, h.ledger.ExpireSubscription(h.ctx, "missing"), ErrSubscriptionNotFound)
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog(testConfig().Subscription)
	require.NoError(t, err)
	p, ok := c.Price(models.CycleQuarterly)
	require.True(t, ok)
	assert.Equal(t, int64(5500), p)
	assert.Equal(t, "GHS", c.Currency())

	_, err = NewCatalog(config.SubscriptionConfig{Prices: map[string]string{"monthly": "20.00"}})
	assert.Error(t, err)
	_, err = NewCatalog(config.SubscriptionConfig{Prices: map[string]string{"weekly": "2.00"}})
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"50.00", 5000, false},
		{"50", 5000, false},
		{"0.5", 50, false},
		{"200.10", 20010, false},
		{"1.005", 0, true},
		{"0", 0, true},
		{"-5.00", 0, true},
		{"fifty", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "50.00", FormatAmount(5000))
	assert.Equal(t, "0.05", FormatAmount(5))
}
