package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

type CategoryStatus struct {
	Category       models.Category           `json:"category"`
	Status         models.SubscriptionStatus `json:"status"`
	SubscriptionID string                    `json:"subscription_id,omitempty"`
	BillingCycle   models.BillingCycle       `json:"billing_cycle,omitempty"`
	ExpiresAt      *time.Time                `json:"expires_at,omitempty"`
}

type DashboardContext struct {
	ActiveCategory models.Category  `json:"active_category,omitempty"`
	Categories     []CategoryStatus `json:"categories"`
}

// SelectorService keeps the server-side record of which subscribed category
// the account's dashboard is showing.
type SelectorService struct {
	subs       repository.SubscriptionRepository
	selections repository.SelectionRepository
	ledger     *LedgerService
	now        func() time.Time
}

func NewSelectorService(subs repository.SubscriptionRepository, selections repository.SelectionRepository, ledger *LedgerService) *SelectorService {
	return &SelectorService{subs: subs, selections: selections, ledger: ledger, now: time.Now}
}

func (s *SelectorService) WithClock(now func() time.Time) *SelectorService {
	s.now = now
	return s
}

func (s *SelectorService) SwitchActiveCategory(ctx context.Context, accountID string, category models.Category) error {
	if !category.Valid() {
		return ErrInvalidCategory
	}
	sub, err := s.activeRow(ctx, accountID, category)
	if err != nil {
		return err
	}

	if err := s.selections.Put(ctx, &models.ActiveCategorySelection{
		AccountID:      accountID,
		Category:       category,
		SubscriptionID: sub.SubscriptionID,
		UpdatedAt:      s.now(),
	}); err != nil {
		return err
	}

	// The row may have expired between the check and the write.
	after, err := s.activeRow(ctx, accountID, category)
	if err == nil && after.SubscriptionID == sub.SubscriptionID {
		return nil
	}
	if _, derr := s.selections.DeleteIf(ctx, accountID, sub.SubscriptionID); derr != nil {
		util.Warn("Failed to clear stale selection", zap.String("account_id", accountID), zap.Error(derr))
	}
	if err != nil && !errors.Is(err, ErrNotSubscribed) {
		return err
	}
	return ErrNotSubscribed
}

func (s *SelectorService) activeRow(ctx context.Context, accountID string, category models.Category) (*models.CategorySubscription, error) {
	sub, err := s.subs.Get(ctx, accountID, category)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotSubscribed
	}
	if err != nil {
		return nil, err
	}
	if sub, err = s.ledger.refresh(ctx, sub); err != nil {
		return nil, err
	}
	if sub.Status != models.StatusActive {
		return nil, ErrNotSubscribed
	}
	return sub, nil
}

// GetDashboardContext lists every category in catalog order with the
// account's status for it, plus the selected category if it is still active.
func (s *SelectorService) GetDashboardContext(ctx context.Context, accountID string) (*DashboardContext, error) {
	var (
		rows      []*models.CategorySubscription
		selection *models.ActiveCategorySelection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = s.ledger.ListForAccount(gctx, accountID)
		return err
	})
	g.Go(func() error {
		sel, err := s.selections.Get(gctx, accountID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		selection = sel
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byCategory := make(map[models.Category]*models.CategorySubscription, len(rows))
	for _, r := range rows {
		byCategory[r.Category] = r
	}

	dash := &DashboardContext{Categories: make([]CategoryStatus, 0, len(models.AllCategories))}
	for _, c := range models.AllCategories {
		st := CategoryStatus{Category: c, Status: models.StatusNone}
		if r, ok := byCategory[c]; ok {
			st.Status = r.Status
			st.SubscriptionID = r.SubscriptionID
			st.BillingCycle = r.BillingCycle
			st.ExpiresAt = r.ExpiresAt
		}
		dash.Categories = append(dash.Categories, st)
	}

	if selection != nil {
		r, ok := byCategory[selection.Category]
		if ok && r.Status == models.StatusActive && r.SubscriptionID == selection.SubscriptionID {
			dash.ActiveCategory = selection.Category
		} else if _, err := s.selections.DeleteIf(ctx, accountID, selection.SubscriptionID); err != nil {
			util.Warn("Failed to clear stale selection", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	return dash, nil
}
