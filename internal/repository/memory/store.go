// Package memory is an in-process implementation of the row repositories
// with the same conditional-write semantics as the Scylla tables. It backs
// STORAGE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
)

type subKey struct {
	accountID string
	category  models.Category
}

type deadlineKey struct {
	bucket    int
	kind      models.DeadlineKind
	deadline  int64
	accountID string
	category  models.Category
}

type Store struct {
	mu sync.Mutex

	accounts       map[string]*models.Account
	accountByPhone map[string]string

	subs      map[subKey]*models.CategorySubscription
	subByID   map[string]subKey
	payments  map[string]*models.PaymentTransaction
	payByRef  map[string]string
	selection map[string]*models.ActiveCategorySelection
	deadlines map[deadlineKey]models.DeadlineEntry
}

func NewStore() *Store {
	return &Store{
		accounts:       make(map[string]*models.Account),
		accountByPhone: make(map[string]string),
		subs:           make(map[subKey]*models.CategorySubscription),
		subByID:        make(map[string]subKey),
		payments:       make(map[string]*models.PaymentTransaction),
		payByRef:       make(map[string]string),
		selection:      make(map[string]*models.ActiveCategorySelection),
		deadlines:      make(map[deadlineKey]models.DeadlineEntry),
	}
}

func (s *Store) Accounts() repository.AccountRepository           { return accountRepo{s} }
func (s *Store) Subscriptions() repository.SubscriptionRepository { return subscriptionRepo{s} }
func (s *Store) Payments() repository.PaymentRepository           { return paymentRepo{s} }
func (s *Store) Selections() repository.SelectionRepository       { return selectionRepo{s} }
func (s *Store) Deadlines() repository.DeadlineRepository         { return deadlineRepo{s} }

type accountRepo struct{ s *Store }

func (r accountRepo) Create(_ context.Context, a *models.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, taken := r.s.accountByPhone[a.PhoneHash]; taken {
		return repository.ErrConflict
	}
	c := *a
	r.s.accounts[a.AccountID] = &c
	r.s.accountByPhone[a.PhoneHash] = a.AccountID
	return nil
}

func (r accountRepo) GetByID(_ context.Context, id string) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (r accountRepo) GetByPhoneHash(ctx context.Context, hash string) (*models.Account, error) {
	r.s.mu.Lock()
	id, ok := r.s.accountByPhone[hash]
	r.s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r accountRepo) UpdatePassword(_ context.Context, id, hash string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.PasswordHash = hash
	a.UpdatedAt = at
	return nil
}

type subscriptionRepo struct{ s *Store }

func (r subscriptionRepo) Get(_ context.Context, accountID string, category models.Category) (*models.CategorySubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[subKey{accountID, category}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sub.Clone(), nil
}

func (r subscriptionRepo) GetByID(ctx context.Context, id string) (*models.CategorySubscription, error) {
	r.s.mu.Lock()
	k, ok := r.s.subByID[id]
	r.s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.Get(ctx, k.accountID, k.category)
}

func (r subscriptionRepo) ListByAccount(_ context.Context, accountID string) ([]*models.CategorySubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.CategorySubscription
	for k, sub := range r.s.subs {
		if k.accountID == accountID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (r subscriptionRepo) Insert(_ context.Context, sub *models.CategorySubscription) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := subKey{sub.AccountID, sub.Category}
	if _, exists := r.s.subs[k]; exists {
		return false, nil
	}
	r.s.subs[k] = sub.Clone()
	r.s.subByID[sub.SubscriptionID] = k
	return true, nil
}

func (r subscriptionRepo) CompareAndSwap(_ context.Context, next *models.CategorySubscription, expectStatus models.SubscriptionStatus, expectID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := subKey{next.AccountID, next.Category}
	cur, ok := r.s.subs[k]
	if !ok || cur.Status != expectStatus || cur.SubscriptionID != expectID {
		return false, nil
	}
	r.s.subs[k] = next.Clone()
	r.s.subByID[next.SubscriptionID] = k
	return true, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Create(_ context.Context, p *models.PaymentTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, dup := r.s.payByRef[p.Reference]; dup {
		return repository.ErrConflict
	}
	r.s.payments[p.PaymentID] = p.Clone()
	r.s.payByRef[p.Reference] = p.PaymentID
	return nil
}

func (r paymentRepo) GetByID(_ context.Context, id string) (*models.PaymentTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p.Clone(), nil
}

func (r paymentRepo) GetByReference(ctx context.Context, ref string) (*models.PaymentTransaction, error) {
	r.s.mu.Lock()
	id, ok := r.s.payByRef[ref]
	r.s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r paymentRepo) Transition(_ context.Context, id string, from, to models.PaymentStatus, at time.Time, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.ConfirmedAt = &at
	p.FailureReason = reason
	return true, nil
}

func (r paymentRepo) SetRedirectURL(_ context.Context, id, url string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.RedirectURL = url
	return nil
}

type selectionRepo struct{ s *Store }

func (r selectionRepo) Get(_ context.Context, accountID string) (*models.ActiveCategorySelection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sel, ok := r.s.selection[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *sel
	return &c, nil
}

func (r selectionRepo) Put(_ context.Context, sel *models.ActiveCategorySelection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *sel
	r.s.selection[sel.AccountID] = &c
	return nil
}

func (r selectionRepo) PutIfAbsent(_ context.Context, sel *models.ActiveCategorySelection) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.selection[sel.AccountID]; ok {
		return false, nil
	}
	c := *sel
	r.s.selection[sel.AccountID] = &c
	return true, nil
}

func (r selectionRepo) DeleteIf(_ context.Context, accountID, subscriptionID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sel, ok := r.s.selection[accountID]
	if !ok || sel.SubscriptionID != subscriptionID {
		return false, nil
	}
	delete(r.s.selection, accountID)
	return true, nil
}

type deadlineRepo struct{ s *Store }

func keyOf(e models.DeadlineEntry) deadlineKey {
	return deadlineKey{e.Bucket, e.Kind, e.Deadline.UnixMilli(), e.AccountID, e.Category}
}

func (r deadlineRepo) Put(_ context.Context, e models.DeadlineEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.deadlines[keyOf(e)] = e
	return nil
}

func (r deadlineRepo) Delete(_ context.Context, e models.DeadlineEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.deadlines, keyOf(e))
	return nil
}

func (r deadlineRepo) Due(_ context.Context, bucket int, kind models.DeadlineKind, cutoff time.Time, limit int) ([]models.DeadlineEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.DeadlineEntry
	for k, e := range r.s.deadlines {
		if k.bucket == bucket && k.kind == kind && !e.Deadline.After(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
