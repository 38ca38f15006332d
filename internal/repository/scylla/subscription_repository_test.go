package scylla

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/util"
)

// recordingRunner logs statement kinds in order. Lookup-row writes fail
// while indexFailures is positive.
type recordingRunner struct {
	mu            sync.Mutex
	calls         []string
	indexFailures int
	applied       bool
}

func (r *recordingRunner) ExecuteWithRetry(_ context.Context, stmt string, _ ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.Contains(stmt, "subscriptions_by_id") {
		r.calls = append(r.calls, "index")
		if r.indexFailures > 0 {
			r.indexFailures--
			return errors.New("write timeout")
		}
		return nil
	}
	r.calls = append(r.calls, "exec")
	return nil
}

func (r *recordingRunner) ExecCAS(_ context.Context, stmt string, _ ...interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.HasPrefix(strings.TrimSpace(stmt), "INSERT") {
		r.calls = append(r.calls, "insert")
	} else {
		r.calls = append(r.calls, "cas")
	}
	return r.applied, nil
}

func (r *recordingRunner) Scan(context.Context, string, []interface{}, ...interface{}) error {
	return gocql.ErrNotFound
}

func (r *recordingRunner) Iter(context.Context, string, ...interface{}) *gocql.Iter {
	return nil
}

func pendingRow(id string) *models.CategorySubscription {
	return &models.CategorySubscription{
		AccountID:      "acct-1",
		Category:       models.CategoryHotels,
		SubscriptionID: id,
		Status:         models.StatusPendingPayment,
		BillingCycle:   models.CycleMonthly,
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestInsertIndexesBeforeConditionalWrite(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	runner := &recordingRunner{applied: true, indexFailures: 1}
	repo := &SubscriptionRepository{client: runner}
	ctx := context.Background()

	ok, err := repo.Insert(ctx, pendingRow("s1"))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"index"}, runner.calls, "no row is written when its id cannot be resolved")

	// The caller's retry finds no row and completes both writes.
	ok, err = repo.Insert(ctx, pendingRow("s1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"index", "index", "insert"}, runner.calls)
}

func TestCompareAndSwapIndexesNewGenerationFirst(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	runner := &recordingRunner{applied: true, indexFailures: 1}
	repo := &SubscriptionRepository{client: runner}
	ctx := context.Background()

	next := pendingRow("s2")
	ok, err := repo.CompareAndSwap(ctx, next, models.StatusExpired, "s1")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"index"}, runner.calls)

	ok, err = repo.CompareAndSwap(ctx, next, models.StatusExpired, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"index", "index", "cas"}, runner.calls)
}

func TestCompareAndSwapSameGenerationSkipsIndex(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	runner := &recordingRunner{applied: false}
	repo := &SubscriptionRepository{client: runner}

	active := pendingRow("s1")
	active.Status = models.StatusActive
	ok, err := repo.CompareAndSwap(context.Background(), active, models.StatusPendingPayment, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"cas"}, runner.calls)
}
