package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
)

const (
	selectSelectionCQL = `SELECT account_id, category, subscription_id, updated_at FROM active_category_selection WHERE account_id = ?`
	insertSelectionCQL = `INSERT INTO active_category_selection (account_id, category, subscription_id, updated_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`
	updateSelectionCQL = `UPDATE active_category_selection SET category = ?, subscription_id = ?, updated_at = ?
		WHERE account_id = ? IF EXISTS`
	deleteSelectionCQL = `DELETE FROM active_category_selection WHERE account_id = ? IF subscription_id = ?`
)

// SelectionRepository only issues conditional statements against
// active_category_selection so its writes never mix LWT and plain timestamps.
type SelectionRepository struct {
	client *ScyllaClient
}

var _ repository.SelectionRepository = (*SelectionRepository)(nil)

func NewSelectionRepository(client *ScyllaClient) *SelectionRepository {
	return &SelectionRepository{client: client}
}

func (r *SelectionRepository) Get(ctx context.Context, accountID string) (*models.ActiveCategorySelection, error) {
	sel := &models.ActiveCategorySelection{}
	err := r.client.Scan(ctx, selectSelectionCQL, []interface{}{accountID},
		&sel.AccountID, &sel.Category, &sel.SubscriptionID, &sel.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active category: %w", err)
	}
	return sel, nil
}

func (r *SelectionRepository) Put(ctx context.Context, sel *models.ActiveCategorySelection) error {
	for attempt := 0; attempt < 3; attempt++ {
		inserted, err := r.PutIfAbsent(ctx, sel)
		if err != nil {
			return err
		}
		if inserted {
			return nil
		}
		updated, err := r.client.ExecCAS(ctx, updateSelectionCQL,
			string(sel.Category), sel.SubscriptionID, sel.UpdatedAt, sel.AccountID)
		if err != nil {
			return fmt.Errorf("failed to update active category: %w", err)
		}
		if updated {
			return nil
		}
	}
	return repository.ErrConflict
}

func (r *SelectionRepository) PutIfAbsent(ctx context.Context, sel *models.ActiveCategorySelection) (bool, error) {
	applied, err := r.client.ExecCAS(ctx, insertSelectionCQL,
		sel.AccountID, string(sel.Category), sel.SubscriptionID, sel.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert active category: %w", err)
	}
	return applied, nil
}

func (r *SelectionRepository) DeleteIf(ctx context.Context, accountID, subscriptionID string) (bool, error) {
	applied, err := r.client.ExecCAS(ctx, deleteSelectionCQL, accountID, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to clear active category: %w", err)
	}
	return applied, nil
}
