package scylla

import (
	"context"
	"fmt"
	"time"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
)

const (
	insertDeadlineCQL = `INSERT INTO subscription_deadlines (bucket, kind, deadline, account_id, category, subscription_id)
		VALUES (?, ?, ?, ?, ?, ?)`
	deleteDeadlineCQL = `DELETE FROM subscription_deadlines
		WHERE bucket = ? AND kind = ? AND deadline = ? AND account_id = ? AND category = ?`
	dueDeadlinesCQL = `SELECT bucket, kind, deadline, account_id, category, subscription_id FROM subscription_deadlines
		WHERE bucket = ? AND kind = ? AND deadline <= ? LIMIT ?`
)

// DeadlineRepository is the sweep index: one partition per (bucket, kind),
// clustered by deadline so a sweep reads only the due prefix.
type DeadlineRepository struct {
	client *ScyllaClient
}

var _ repository.DeadlineRepository = (*DeadlineRepository)(nil)

func NewDeadlineRepository(client *ScyllaClient) *DeadlineRepository {
	return &DeadlineRepository{client: client}
}

func (r *DeadlineRepository) Put(ctx context.Context, e models.DeadlineEntry) error {
	err := r.client.ExecuteWithRetry(ctx, insertDeadlineCQL,
		e.Bucket, string(e.Kind), e.Deadline, e.AccountID, string(e.Category), e.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to index deadline: %w", err)
	}
	return nil
}

func (r *DeadlineRepository) Delete(ctx context.Context, e models.DeadlineEntry) error {
	err := r.client.ExecuteWithRetry(ctx, deleteDeadlineCQL,
		e.Bucket, string(e.Kind), e.Deadline, e.AccountID, string(e.Category))
	if err != nil {
		return fmt.Errorf("failed to delete deadline: %w", err)
	}
	return nil
}

func (r *DeadlineRepository) Due(ctx context.Context, bucket int, kind models.DeadlineKind, cutoff time.Time, limit int) ([]models.DeadlineEntry, error) {
	iter := r.client.Iter(ctx, dueDeadlinesCQL, bucket, string(kind), cutoff, limit)

	var out []models.DeadlineEntry
	var e models.DeadlineEntry
	for iter.Scan(&e.Bucket, &e.Kind, &e.Deadline, &e.AccountID, &e.Category, &e.SubscriptionID) {
		out = append(out, e)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read due deadlines in bucket %d: %w", bucket, err)
	}
	return out, nil
}
