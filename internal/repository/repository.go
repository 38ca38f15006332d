// Package repository declares the storage contracts used by the services.
// Implementations live in the scylla, memory and redis subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"marketplace-identity/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a uniqueness or conditional write lost a race.
	ErrConflict = errors.New("conditional write not applied")
	// ErrConsumed and ErrExhausted are OTP challenge states that end
	// verification.
	ErrConsumed  = errors.New("challenge already consumed")
	ErrExhausted = errors.New("challenge attempt limit reached")
)

type AccountRepository interface {
	// Create inserts the account and claims its phone hash. Returns
	// ErrConflict if the phone is already claimed.
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	GetByPhoneHash(ctx context.Context, phoneHash string) (*models.Account, error)
	UpdatePassword(ctx context.Context, accountID, passwordHash string, at time.Time) error
}

type SubscriptionRepository interface {
	Get(ctx context.Context, accountID string, category models.Category) (*models.CategorySubscription, error)
	// GetByID resolves a subscription id to the current row for its
	// (account, category). The row may carry a newer SubscriptionID.
	GetByID(ctx context.Context, subscriptionID string) (*models.CategorySubscription, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.CategorySubscription, error)
	// Insert writes a row only if none exists for (account, category).
	Insert(ctx context.Context, sub *models.CategorySubscription) (bool, error)
	// CompareAndSwap overwrites the mutable columns of the row if its
	// current status and subscription id still match the expected values.
	CompareAndSwap(ctx context.Context, next *models.CategorySubscription, expectStatus models.SubscriptionStatus, expectID string) (bool, error)
}

type PaymentRepository interface {
	// Create inserts the transaction. Returns ErrConflict on a duplicate reference.
	Create(ctx context.Context, payment *models.PaymentTransaction) error
	GetByID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error)
	GetByReference(ctx context.Context, reference string) (*models.PaymentTransaction, error)
	// Transition moves the transaction from one status to another only if
	// it is still in the from status.
	Transition(ctx context.Context, paymentID string, from, to models.PaymentStatus, at time.Time, reason string) (bool, error)
	SetRedirectURL(ctx context.Context, paymentID, redirectURL string) error
}

type SelectionRepository interface {
	Get(ctx context.Context, accountID string) (*models.ActiveCategorySelection, error)
	Put(ctx context.Context, selection *models.ActiveCategorySelection) error
	PutIfAbsent(ctx context.Context, selection *models.ActiveCategorySelection) (bool, error)
	// DeleteIf clears the selection only while it still points at subscriptionID.
	DeleteIf(ctx context.Context, accountID, subscriptionID string) (bool, error)
}

type DeadlineRepository interface {
	Put(ctx context.Context, entry models.DeadlineEntry) error
	Delete(ctx context.Context, entry models.DeadlineEntry) error
	// Due returns entries in one bucket whose deadline is at or before cutoff,
	// oldest first.
	Due(ctx context.Context, bucket int, kind models.DeadlineKind, cutoff time.Time, limit int) ([]models.DeadlineEntry, error)
}

// OTPStore holds at most one challenge per (phone, purpose).
type OTPStore interface {
	Get(ctx context.Context, phone string, purpose models.OTPPurpose) (*models.OTPChallenge, error)
	// Issue supersedes the current challenge unless an unconsumed one is
	// still inside its resend cooldown, in which case the remaining wait is
	// returned and nothing is written.
	Issue(ctx context.Context, challenge *models.OTPChallenge, ttl time.Duration, now time.Time) (time.Duration, error)
	// Consume marks the challenge consumed if it is still the current one
	// and not yet consumed. Returns ErrExhausted if more than maxAttempts
	// were reserved against it.
	Consume(ctx context.Context, phone string, purpose models.OTPPurpose, challengeID string, maxAttempts int) (bool, error)
	// ReserveAttempt atomically counts one verification attempt against the
	// current challenge and returns the new count. It fails with ErrConflict
	// if challengeID is no longer current, ErrConsumed if it was already
	// used, and ErrExhausted once maxAttempts reservations were made.
	ReserveAttempt(ctx context.Context, phone string, purpose models.OTPPurpose, challengeID string, maxAttempts int) (int, error)
}

// TicketStore burns single-use tokens.
type TicketStore interface {
	Burn(ctx context.Context, ticketID string, ttl time.Duration) (bool, error)
}

// SessionRevocationStore records per-account cut-off times for session tokens.
type SessionRevocationStore interface {
	RevokeAll(ctx context.Context, accountID string, at time.Time, ttl time.Duration) error
	RevokedBefore(ctx context.Context, accountID string) (time.Time, error)
}

// RequestCounter counts OTP requests per phone inside a fixed window.
type RequestCounter interface {
	Hit(ctx context.Context, phone string, window time.Duration) (int64, error)
	// Release returns one hit to the current window.
	Release(ctx context.Context, phone string) error
}
