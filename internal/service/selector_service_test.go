package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
)

func TestSwitchOnlyToActiveCategories(t *testing.T) {
	h := newHarness(t)
	h.subscribe("acc-1", models.CategoryMarketplace, models.CycleMonthly)
	h.subscribe("acc-1", models.CategoryJobs, models.CycleMonthly)

	require.NoError(t, h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.CategoryJobs))
	require.NoError(t, h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.CategoryMarketplace))

	dash, err := h.selector.GetDashboardContext(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryMarketplace, dash.ActiveCategory)

	err = h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.CategoryTransport)
	assert.ErrorIs(t, err, ErrNotSubscribed)

	dash, err = h.selector.GetDashboardContext(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryMarketplace, dash.ActiveCategory)
}

func TestSwitchRejectsPendingAndExpired(t *testing.T) {
	h := newHarness(t)
	h.subscribe("acc-1", models.CategoryHotels, models.CycleMonthly)
	_, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryRentals, models.CycleYearly)
	require.NoError(t, err)

	assert.ErrorIs(t, h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.CategoryRentals), ErrNotSubscribed)

	h.advance(31 * 24 * time.Hour)
	assert.ErrorIs(t, h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.CategoryHotels), ErrNotSubscribed)
	assert.ErrorIs(t, h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.Category("nope")), ErrInvalidCategory)

	_, err = h.store.Selections().Get(h.ctx, "acc-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDashboardListsEveryCategory(t *testing.T) {
	h := newHarness(t)
	active := h.subscribe("acc-1", models.CategoryHotels, models.CycleMonthly)
	_, err := h.ledger.StartSubscription(h.ctx, "acc-1", models.CategoryJobs, models.CycleOneTime)
	require.NoError(t, err)

	dash, err := h.selector.GetDashboardContext(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryHotels, dash.ActiveCategory)
	require.Len(t, dash.Categories, len(models.AllCategories))

	got := make(map[models.Category]CategoryStatus)
	for i, c := range dash.Categories {
		assert.Equal(t, models.AllCategories[i], c.Category)
		got[c.Category] = c
	}
	assert.Equal(t, models.StatusActive, got[models.CategoryHotels].Status)
	assert.Equal(t, active.ExpiresAt, got[models.CategoryHotels].ExpiresAt)
	assert.Equal(t, models.StatusPendingPayment, got[models.CategoryJobs].Status)
	assert.Equal(t, models.StatusNone, got[models.CategoryArtisans].Status)
}

func TestDashboardDropsExpiredSelection(t *testing.T) {
	h := newHarness(t)
	h.subscribe("acc-1", models.CategoryHotels, models.CycleMonthly)
	h.subscribe("acc-1", models.CategoryJobs, models.CycleYearly)

	h.advance(31 * 24 * time.Hour)

	dash, err := h.selector.GetDashboardContext(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, dash.ActiveCategory)

	// The still-active category can be chosen.
	require.NoError(t, h.selector.SwitchActiveCategory(h.ctx, "acc-1", models.CategoryJobs))
	dash, err = h.selector.GetDashboardContext(h.ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryJobs, dash.ActiveCategory)
}

func TestDashboardForNewAccount(t *testing.T) {
	h := newHarness(t)
	dash, err := h.selector.GetDashboardContext(h.ctx, "acc-new")
	require.NoError(t, err)
	assert.Empty(t, dash.ActiveCategory)
	for _, c := range dash.Categories {
		assert.Equal(t, models.StatusNone, c.Status)
	}
}
