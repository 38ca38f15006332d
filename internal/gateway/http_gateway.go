package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/models"
	"marketplace-identity/internal/util"
)

// HTTPGateway talks to a Paystack-style REST API.
type HTTPGateway struct {
	baseURL     string
	secretKey   string
	callbackURL string
	httpClient  *http.Client
}

func NewHTTPGateway(cfg config.GatewayConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:   cfg.SecretKey,
		callbackURL: cfg.CallbackURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type initializeRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (g *HTTPGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	email := req.Email
	if email == "" {
		email = req.Reference + "@checkout.invalid"
	}
	body, err := json.Marshal(initializeRequest{
		Email:       email,
		Amount:      req.AmountMinor,
		Currency:    req.Currency,
		Reference:   req.Reference,
		CallbackURL: g.callbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := g.do(ctx, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	if data.AuthorizationURL == "" {
		return nil, fmt.Errorf("gateway returned no authorization url")
	}
	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &CheckoutSession{RedirectURL: data.AuthorizationURL, Reference: ref}, nil
}

func (g *HTTPGateway) VerifyTransaction(ctx context.Context, reference string) (models.PaymentOutcome, error) {
	var data struct {
		Status string `json:"status"`
	}
	if err := g.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return "", err
	}
	return outcomeFromStatus(data.Status)
}

func (g *HTTPGateway) VerifySignature(body []byte, signature string) bool {
	return verify(g.secretKey, body, signature)
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	util.Debug("Gateway call completed",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("gateway returned status %d with unreadable body", resp.StatusCode)
	}
	if resp.StatusCode >= 300 || !env.Status {
		return fmt.Errorf("gateway rejected request (status %d): %s", resp.StatusCode, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode gateway data: %w", err)
		}
	}
	return nil
}
