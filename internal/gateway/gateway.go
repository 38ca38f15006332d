package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/models"
)

var (
	ErrOutcomePending = errors.New("transaction not yet resolved")
	ErrUnknownEvent   = errors.New("unhandled webhook event")
)

type CheckoutRequest struct {
	AmountMinor int64
	Currency    string
	Reference   string
	Email       string
	Metadata    map[string]string
}

type CheckoutSession struct {
	RedirectURL string
	Reference   string
}

// Gateway is the external payment processor.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	VerifyTransaction(ctx context.Context, reference string) (models.PaymentOutcome, error)
	VerifySignature(body []byte, signature string) bool
}

func New(cfg config.GatewayConfig) (Gateway, error) {
	switch cfg.Driver {
	case "http":
		return NewHTTPGateway(cfg), nil
	case "sandbox", "":
		return NewSandboxGateway(cfg.SecretKey, cfg.CallbackURL), nil
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.Driver)
	}
}

// Sign computes the hex HMAC-SHA512 of body, the scheme the gateway uses
// for its webhook signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil || len(expected) == 0 {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// ParseWebhook extracts the reference and outcome from a signed webhook body.
func ParseWebhook(body []byte) (string, models.PaymentOutcome, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", "", fmt.Errorf("malformed webhook body: %w", err)
	}
	if ev.Data.Reference == "" {
		return "", "", errors.New("webhook without reference")
	}
	switch ev.Event {
	case "charge.success":
		return ev.Data.Reference, models.OutcomeSuccess, nil
	case "charge.failed":
		return ev.Data.Reference, models.OutcomeFailure, nil
	default:
		return ev.Data.Reference, "", ErrUnknownEvent
	}
}

func outcomeFromStatus(status string) (models.PaymentOutcome, error) {
	switch status {
	case "success":
		return models.OutcomeSuccess, nil
	case "failed", "abandoned", "reversed":
		return models.OutcomeFailure, nil
	default:
		return "", ErrOutcomePending
	}
}
