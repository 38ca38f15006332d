package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"marketplace-identity/internal/service"
)

const signatureHeader = "X-Gateway-Signature"

type paymentView struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Category  string `json:"category"`
}

// PaymentHandler receives gateway webhooks and checkout returns. Neither
// route carries a session.
type PaymentHandler struct {
	responder
	payments *service.PaymentService
}

func NewPaymentHandler(payments *service.PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{responder: responder{logger: logger}, payments: payments}
}

func (h *PaymentHandler) RegisterRoutes(router chi.Router) {
	router.Route("/payments", func(r chi.Router) {
		r.Post("/webhook", h.Webhook)
		r.Get("/callback", h.Callback)
	})
}

// Webhook must see the raw body to check the signature.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondWithError(w, errInvalidBody, "Invalid request body")
		return
	}
	if err := h.payments.HandleWebhook(r.Context(), body, r.Header.Get(signatureHeader)); err != nil {
		h.respondWithError(w, err, "Webhook rejected")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Webhook processed"))
}

func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		h.respondWithError(w, errInvalidBody, "Missing reference")
		return
	}
	payment, err := h.payments.ConfirmByRedirect(r.Context(), reference)
	if errors.Is(err, service.ErrPaymentPending) {
		h.respondWithJSON(w, http.StatusAccepted, successResponse(
			paymentView{Reference: reference, Status: "pending"}, "Payment is still processing"))
		return
	}
	if err != nil {
		h.respondWithError(w, err, "Failed to confirm payment")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(paymentView{
		Reference: payment.Reference,
		Status:    string(payment.Status),
		Amount:    service.FormatAmount(payment.AmountMinor),
		Currency:  payment.Currency,
		Category:  string(payment.Category),
	}, "Payment confirmed"))
}
