// Package audit keeps an append-only trail of subscription and payment
// state transitions.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

type Kind string

const (
	KindSubscription Kind = "subscription"
	KindPayment      Kind = "payment"
)

// Entry is one applied transition.
type Entry struct {
	Kind      Kind
	AccountID string
	EntityID  string
	Category  string
	From      string
	To        string
	Reason    string
	At        time.Time
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

type batchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const createTransitionsTable = `CREATE TABLE IF NOT EXISTS state_transitions (
	kind       LowCardinality(String),
	account_id String,
	entity_id  String,
	category   LowCardinality(String),
	from_state LowCardinality(String),
	to_state   LowCardinality(String),
	reason     String,
	at         DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (account_id, at)`

const insertTransitions = `INSERT INTO state_transitions (kind, account_id, entity_id, category, from_state, to_state, reason, at)`

// ClickHouseRecorder buffers entries and flushes them in batches, either
// when the buffer fills or on every flush interval.
type ClickHouseRecorder struct {
	db        batchWriter
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []Entry

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewClickHouseRecorder(ctx context.Context, db batchWriter, cfg config.ClickHouseConfig) (*ClickHouseRecorder, error) {
	if err := db.Exec(ctx, createTransitionsTable); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	r := &ClickHouseRecorder{
		db:        db,
		batchSize: batchSize,
		interval:  interval,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *ClickHouseRecorder) Record(_ context.Context, entry Entry) error {
	r.mu.Lock()
	r.pending = append(r.pending, entry)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *ClickHouseRecorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.kick:
			r.flush()
		case <-r.stop:
			r.flush()
			return
		}
	}
}

func (r *ClickHouseRecorder) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			string(e.Kind), e.AccountID, e.EntityID, e.Category, e.From, e.To, e.Reason, e.At.UTC(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.db.BatchInsert(ctx, insertTransitions, rows); err != nil {
		util.Error("Failed to flush audit batch", zap.Error(err), zap.Int("rows", len(rows)))
		return
	}
	util.Debug("Audit batch flushed", zap.Int("rows", len(rows)))
}

// Close flushes what is buffered and stops the background loop.
func (r *ClickHouseRecorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

// LogRecorder writes entries to the log. Used when ClickHouse is disabled.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, e Entry) error {
	util.Info("State transition",
		zap.String("kind", string(e.Kind)),
		zap.String("account_id", e.AccountID),
		zap.String("entity_id", e.EntityID),
		zap.String("from", e.From),
		zap.String("to", e.To),
	)
	return nil
}

// MemoryRecorder keeps entries in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemoryRecorder) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryRecorder) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Transitions counts entries of one kind that moved to state to.
func (m *MemoryRecorder) Transitions(kind Kind, to string) int {
	n := 0
	for _, e := range m.Entries() {
		if e.Kind == kind && e.To == to {
			n++
		}
	}
	return n
}
