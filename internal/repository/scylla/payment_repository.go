package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const (
	claimReferenceCQL = `INSERT INTO payments_by_reference (reference, payment_id) VALUES (?, ?) IF NOT EXISTS`
	insertPaymentCQL  = `INSERT INTO payment_transactions (payment_id, reference, subscription_id, account_id, category,
		billing_cycle, amount_minor, currency, status, redirect_url, failure_reason, created_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	selectPaymentCQL = `SELECT payment_id, reference, subscription_id, account_id, category, billing_cycle, amount_minor,
		currency, status, redirect_url, failure_reason, created_at, confirmed_at FROM payment_transactions WHERE payment_id = ?`
	selectReferenceCQL   = `SELECT payment_id FROM payments_by_reference WHERE reference = ?`
	transitionPaymentCQL = `UPDATE payment_transactions SET status = ?, confirmed_at = ?, failure_reason = ?
		WHERE payment_id = ? IF status = ?`
	redirectPaymentCQL = `UPDATE payment_transactions SET redirect_url = ? WHERE payment_id = ? IF EXISTS`
)

// PaymentRepository writes every payment_transactions mutation as a
// lightweight transaction so status transitions serialize per row.
type PaymentRepository struct {
	client *ScyllaClient
}

var _ repository.PaymentRepository = (*PaymentRepository)(nil)

func NewPaymentRepository(client *ScyllaClient) *PaymentRepository {
	return &PaymentRepository{client: client}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.PaymentTransaction) error {
	applied, err := r.client.ExecCAS(ctx, claimReferenceCQL, p.Reference, p.PaymentID)
	if err != nil {
		return fmt.Errorf("failed to claim payment reference: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}

	_, err = r.client.ExecCAS(ctx, insertPaymentCQL,
		p.PaymentID, p.Reference, p.SubscriptionID, p.AccountID, string(p.Category), string(p.BillingCycle),
		p.AmountMinor, p.Currency,
		string(p.Status), p.RedirectURL, p.FailureReason, p.CreatedAt, p.ConfirmedAt)
	if err != nil {
		util.Error("Failed to create payment transaction",
			zap.String("payment_id", p.PaymentID),
			zap.String("reference", p.Reference),
			zap.Error(err))
		return fmt.Errorf("failed to create payment transaction: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error) {
	p := &models.PaymentTransaction{}
	err := r.client.Scan(ctx, selectPaymentCQL, []interface{}{paymentID},
		&p.PaymentID, &p.Reference, &p.SubscriptionID, &p.AccountID, &p.Category, &p.BillingCycle, &p.AmountMinor,
		&p.Currency,
		&p.Status, &p.RedirectURL, &p.FailureReason, &p.CreatedAt, &p.ConfirmedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	var paymentID string
	if err := r.client.Scan(ctx, selectReferenceCQL, []interface{}{reference}, &paymentID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve payment reference: %w", err)
	}
	return r.GetByID(ctx, paymentID)
}

func (r *PaymentRepository) Transition(ctx context.Context, paymentID string, from, to models.PaymentStatus, at time.Time, reason string) (bool, error) {
	applied, err := r.client.ExecCAS(ctx, transitionPaymentCQL, string(to), at, reason, paymentID, string(from))
	if err != nil {
		util.Error("Payment transition failed",
			zap.String("payment_id", paymentID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
		return false, fmt.Errorf("failed to transition payment: %w", err)
	}
	return applied, nil
}

func (r *PaymentRepository) SetRedirectURL(ctx context.Context, paymentID, redirectURL string) error {
	applied, err := r.client.ExecCAS(ctx, redirectPaymentCQL, redirectURL, paymentID)
	if err != nil {
		return fmt.Errorf("failed to store redirect url: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}
