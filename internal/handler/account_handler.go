package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/service"
)

type startSubscriptionRequest struct {
	Category     string `json:"category" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required"`
}

type initPaymentRequest struct {
	Amount string `json:"amount" validate:"required,max=20"`
}

type switchCategoryRequest struct {
	Category string `json:"category" validate:"required"`
}

type subscriptionView struct {
	*models.CategorySubscription
	Price string `json:"price"`
}

func newSubscriptionView(sub *models.CategorySubscription) subscriptionView {
	return subscriptionView{CategorySubscription: sub, Price: service.FormatAmount(sub.PriceMinor)}
}

// AccountHandler serves the authenticated /me routes.
type AccountHandler struct {
	responder
	flow     *service.FlowService
	ledger   *service.LedgerService
	payments *service.PaymentService
	selector *service.SelectorService
}

func NewAccountHandler(
	flow *service.FlowService,
	ledger *service.LedgerService,
	payments *service.PaymentService,
	selector *service.SelectorService,
	logger *zap.Logger,
) *AccountHandler {
	return &AccountHandler{
		responder: responder{logger: logger},
		flow:      flow,
		ledger:    ledger,
		payments:  payments,
		selector:  selector,
	}
}

// RegisterRoutes expects the router to already require a session.
func (h *AccountHandler) RegisterRoutes(router chi.Router) {
	router.Route("/me", func(r chi.Router) {
		r.Get("/registration", h.GetRegistrationStage)
		r.Get("/subscriptions", h.ListSubscriptions)
		r.Post("/subscriptions", h.StartSubscription)
		r.Post("/subscriptions/{subscriptionID}/payments", h.InitializePayment)
		r.Get("/dashboard", h.GetDashboard)
		r.Put("/dashboard/active-category", h.SwitchActiveCategory)
	})
}

func (h *AccountHandler) GetRegistrationStage(w http.ResponseWriter, r *http.Request) {
	stage, err := h.flow.RegistrationStage(r.Context(), accountID(r.Context()))
	if err != nil {
		h.respondWithError(w, err, "Failed to load registration stage")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]service.RegistrationStage{"stage": stage}, ""))
}

func (h *AccountHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.ledger.ListForAccount(r.Context(), accountID(r.Context()))
	if err != nil {
		h.respondWithError(w, err, "Failed to list subscriptions")
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, newSubscriptionView(s))
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(views, ""))
}

func (h *AccountHandler) StartSubscription(w http.ResponseWriter, r *http.Request) {
	var req startSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.ledger.StartSubscription(r.Context(), accountID(r.Context()),
		models.Category(req.Category), models.BillingCycle(req.BillingCycle))
	if err != nil {
		h.respondWithError(w, err, "Failed to start subscription")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(newSubscriptionView(sub), "Subscription awaiting payment"))
}

func (h *AccountHandler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	var req initPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := service.ParseAmount(req.Amount)
	if err != nil {
		h.respondWithError(w, err, "Invalid amount")
		return
	}
	init, err := h.payments.InitializePayment(r.Context(), accountID(r.Context()),
		chi.URLParam(r, "subscriptionID"), amount)
	if err != nil {
		h.respondWithError(w, err, "Failed to start checkout")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(init, "Checkout created"))
}

func (h *AccountHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.selector.GetDashboardContext(r.Context(), accountID(r.Context()))
	if err != nil {
		h.respondWithError(w, err, "Failed to load dashboard")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(dash, ""))
}

func (h *AccountHandler) SwitchActiveCategory(w http.ResponseWriter, r *http.Request) {
	var req switchCategoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	category := models.Category(req.Category)
	if err := h.selector.SwitchActiveCategory(r.Context(), accountID(r.Context()), category); err != nil {
		h.respondWithError(w, err, "Failed to switch category")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]models.Category{"active_category": category}, "Active category updated"))
}
