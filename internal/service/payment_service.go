package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-identity/internal/gateway"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/repository"
	"marketplace-identity/internal/util"
)

const referencePrefix = "MKT-"

type PaymentInit struct {
	PaymentID   string `json:"payment_id"`
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
}

// PaymentService runs checkout against the external gateway and turns its
// confirmations into subscription activations.
type PaymentService struct {
	payments       repository.PaymentRepository
	subs           repository.SubscriptionRepository
	accounts       repository.AccountRepository
	ledger         *LedgerService
	gateway        gateway.Gateway
	observers      *Observers
	gatewayTimeout time.Duration
	now            func() time.Time
}

func NewPaymentService(
	payments repository.PaymentRepository,
	subs repository.SubscriptionRepository,
	accounts repository.AccountRepository,
	ledger *LedgerService,
	gw gateway.Gateway,
	observers *Observers,
	gatewayTimeout time.Duration,
) *PaymentService {
	return &PaymentService{
		payments:       payments,
		subs:           subs,
		accounts:       accounts,
		ledger:         ledger,
		gateway:        gw,
		observers:      observers,
		gatewayTimeout: gatewayTimeout,
		now:            time.Now,
	}
}

func (s *PaymentService) WithClock(now func() time.Time) *PaymentService {
	s.now = now
	return s
}

// InitializePayment records a transaction for a pending subscription and
// opens a checkout session for it.
func (s *PaymentService) InitializePayment(ctx context.Context, accountID, subscriptionID string, amountMinor int64) (*PaymentInit, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sub.AccountID != accountID {
		return nil, ErrSubscriptionNotFound
	}
	if sub.SubscriptionID != subscriptionID {
		return nil, ErrStaleSubscription
	}
	if sub.Status != models.StatusPendingPayment {
		return nil, ErrSubscriptionNotPending
	}
	if amountMinor != sub.PriceMinor {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	payment := &models.PaymentTransaction{
		PaymentID:      uuid.NewString(),
		Reference:      newReference(),
		SubscriptionID: sub.SubscriptionID,
		AccountID:      accountID,
		Category:       sub.Category,
		BillingCycle:   sub.BillingCycle,
		AmountMinor:    amountMinor,
		Currency:       sub.Currency,
		Status:         models.PaymentInitialized,
		CreatedAt:      now,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	s.observers.paymentChanged(ctx, payment, "", now)

	var email string
	if acc, err := s.accounts.GetByID(ctx, accountID); err == nil {
		email = acc.Email
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	session, err := s.gateway.CreateCheckoutSession(gwCtx, gateway.CheckoutRequest{
		AmountMinor: amountMinor,
		Currency:    sub.Currency,
		Reference:   payment.Reference,
		Email:       email,
		Metadata: map[string]string{
			"subscription_id": sub.SubscriptionID,
			"category":        string(sub.Category),
		},
	})
	cancel()
	if err != nil {
		util.Error("Checkout session failed",
			zap.String("payment_id", payment.PaymentID),
			zap.String("reference", payment.Reference),
			zap.Error(err))
		s.fail(ctx, payment, "gateway_unavailable")
		return nil, &GatewayUnavailableError{Cause: err}
	}

	if err := s.payments.SetRedirectURL(ctx, payment.PaymentID, session.RedirectURL); err != nil {
		util.Warn("Failed to store redirect url", zap.String("payment_id", payment.PaymentID), zap.Error(err))
	}
	return &PaymentInit{
		PaymentID:   payment.PaymentID,
		Reference:   payment.Reference,
		RedirectURL: session.RedirectURL,
	}, nil
}

// ConfirmPayment applies a gateway outcome to the transaction named by
// reference. Replays converge: the payment transition and the activation are
// each conditional, and activation is retried even when the payment was
// already marked succeeded.
func (s *PaymentService) ConfirmPayment(ctx context.Context, reference string, outcome models.PaymentOutcome) error {
	payment, err := s.payments.GetByReference(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) {
		util.Warn("Confirmation for unknown payment reference", zap.String("reference", reference))
		s.countConfirmation(outcome, "unknown_reference")
		return ErrUnknownReference
	}
	if err != nil {
		return err
	}

	switch outcome {
	case models.OutcomeSuccess:
		return s.confirmSuccess(ctx, payment)
	case models.OutcomeFailure:
		return s.confirmFailure(ctx, payment)
	default:
		return fmt.Errorf("unknown payment outcome %q", outcome)
	}
}

func (s *PaymentService) confirmSuccess(ctx context.Context, payment *models.PaymentTransaction) error {
	if payment.Status == models.PaymentInitialized {
		now := s.now()
		applied, err := s.payments.Transition(ctx, payment.PaymentID, models.PaymentInitialized, models.PaymentSucceeded, now, "")
		if err != nil {
			return err
		}
		if applied {
			payment.Status = models.PaymentSucceeded
			payment.ConfirmedAt = &now
			s.observers.paymentChanged(ctx, payment, models.PaymentInitialized, now)
		} else if payment, err = s.payments.GetByID(ctx, payment.PaymentID); err != nil {
			return err
		}
	}

	if payment.Status == models.PaymentFailed {
		util.Warn("Success reported for a failed payment, needs reconciliation",
			zap.String("payment_id", payment.PaymentID),
			zap.String("reference", payment.Reference))
		s.countConfirmation(models.OutcomeSuccess, "ignored_failed")
		return nil
	}

	_, err := s.ledger.ActivateSubscription(ctx, payment.SubscriptionID, payment.PaymentID)
	switch {
	case err == nil:
		s.countConfirmation(models.OutcomeSuccess, "activated")
		return nil
	case errors.Is(err, ErrStaleSubscription), errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrInvalidAmount):
		util.Warn("Payment succeeded but did not activate its subscription",
			zap.String("payment_id", payment.PaymentID),
			zap.String("subscription_id", payment.SubscriptionID),
			zap.Error(err))
		s.countConfirmation(models.OutcomeSuccess, "not_applied")
		return nil
	default:
		s.countConfirmation(models.OutcomeSuccess, "error")
		return fmt.Errorf("activate subscription: %w", err)
	}
}

func (s *PaymentService) confirmFailure(ctx context.Context, payment *models.PaymentTransaction) error {
	if payment.Status != models.PaymentInitialized {
		if payment.Status == models.PaymentSucceeded {
			util.Warn("Failure reported for a succeeded payment, ignoring",
				zap.String("payment_id", payment.PaymentID))
		}
		s.countConfirmation(models.OutcomeFailure, "noop")
		return nil
	}
	s.fail(ctx, payment, "declined")
	s.countConfirmation(models.OutcomeFailure, "failed")
	return nil
}

// ConfirmByRedirect asks the gateway for the outcome of reference and applies
// it. Used on the customer's return from checkout.
func (s *PaymentService) ConfirmByRedirect(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	if _, err := s.payments.GetByReference(ctx, reference); errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownReference
	} else if err != nil {
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	outcome, err := s.gateway.VerifyTransaction(gwCtx, reference)
	cancel()
	if errors.Is(err, gateway.ErrOutcomePending) {
		return nil, ErrPaymentPending
	}
	if err != nil {
		return nil, &GatewayUnavailableError{Cause: err}
	}

	if err := s.ConfirmPayment(ctx, reference, outcome); err != nil {
		return nil, err
	}
	return s.payments.GetByReference(ctx, reference)
}

// HandleWebhook authenticates a gateway callback and applies it. Events
// other than charge outcomes are acknowledged and ignored.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !s.gateway.VerifySignature(body, signature) {
		util.Warn("Rejected webhook with invalid signature", zap.Int("body_size", len(body)))
		return ErrInvalidSignature
	}
	reference, outcome, err := gateway.ParseWebhook(body)
	if errors.Is(err, gateway.ErrUnknownEvent) {
		util.Debug("Ignoring webhook event", zap.String("reference", reference))
		return nil
	}
	if err != nil {
		return err
	}
	return s.ConfirmPayment(ctx, reference, outcome)
}

func (s *PaymentService) fail(ctx context.Context, payment *models.PaymentTransaction, reason string) {
	now := s.now()
	applied, err := s.payments.Transition(ctx, payment.PaymentID, models.PaymentInitialized, models.PaymentFailed, now, reason)
	if err != nil {
		util.Error("Failed to mark payment failed", zap.String("payment_id", payment.PaymentID), zap.Error(err))
		return
	}
	if applied {
		payment.Status = models.PaymentFailed
		payment.FailureReason = reason
		payment.ConfirmedAt = &now
		s.observers.paymentChanged(ctx, payment, models.PaymentInitialized, now)
	}
}

func (s *PaymentService) countConfirmation(outcome models.PaymentOutcome, result string) {
	s.observers.Metrics.PaymentConfirmations.WithLabelValues(string(outcome), result).Inc()
}

func newReference() string {
	return referencePrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
