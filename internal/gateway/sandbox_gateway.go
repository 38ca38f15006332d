package gateway

import (
	"context"
	"net/url"

	"marketplace-identity/internal/models"
)

// SandboxGateway approves every checkout without leaving the process. It
// signs webhooks the same way as the real gateway so the callback path can
// be exercised end to end in development.
type SandboxGateway struct {
	secret      string
	callbackURL string
}

func NewSandboxGateway(secret, callbackURL string) *SandboxGateway {
	return &SandboxGateway{secret: secret, callbackURL: callbackURL}
}

func (g *SandboxGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	return &CheckoutSession{
		RedirectURL: g.callbackURL + "?reference=" + url.QueryEscape(req.Reference),
		Reference:   req.Reference,
	}, nil
}

func (g *SandboxGateway) VerifyTransaction(context.Context, string) (models.PaymentOutcome, error) {
	return models.OutcomeSuccess, nil
}

func (g *SandboxGateway) VerifySignature(body []byte, signature string) bool {
	return verify(g.secret, body, signature)
}
