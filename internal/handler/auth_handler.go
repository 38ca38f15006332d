package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"marketplace-identity/internal/models"
	"marketplace-identity/internal/service"
)

type otpRequest struct {
	Phone   string `json:"phone" validate:"required,max=20"`
	Purpose string `json:"purpose" validate:"required,oneof=register login password_reset"`
}

type registerRequest struct {
	Phone       string `json:"phone" validate:"required,max=20"`
	Code        string `json:"code" validate:"required,numeric,max=10"`
	DisplayName string `json:"display_name" validate:"required,max=100"`
	Email       string `json:"email" validate:"omitempty,email,max=254"`
	Password    string `json:"password" validate:"omitempty,min=8,max=128"`
}

type codeRequest struct {
	Phone string `json:"phone" validate:"required,max=20"`
	Code  string `json:"code" validate:"required,numeric,max=10"`
}

type passwordLoginRequest struct {
	Phone    string `json:"phone" validate:"required,max=20"`
	Password string `json:"password" validate:"required,max=128"`
}

type resetRequest struct {
	Ticket      string `json:"ticket" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128"`
}

// AuthHandler serves the unauthenticated registration, login and recovery
// steps.
type AuthHandler struct {
	responder
	flow *service.FlowService
}

func NewAuthHandler(flow *service.FlowService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{responder: responder{logger: logger}, flow: flow}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/otp/request", h.RequestCode)
		r.Post("/register", h.Register)
		r.Post("/login/otp", h.LoginWithCode)
		r.Post("/login", h.LoginWithPassword)
		r.Post("/password/verify", h.VerifyRecovery)
		r.Post("/password/reset", h.ResetPassword)
	})
}

// RequestCode issues a code for the purpose's flow. Login and recovery
// requests for unknown phones get the same answer as real ones.
func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		res *service.OTPIssueResult
		err error
	)
	switch models.OTPPurpose(req.Purpose) {
	case models.PurposeRegister:
		res, err = h.flow.BeginRegistration(r.Context(), req.Phone)
	case models.PurposeLogin:
		res, err = h.flow.BeginLogin(r.Context(), req.Phone)
	default:
		res, err = h.flow.BeginRecovery(r.Context(), req.Phone)
	}
	if err != nil {
		h.respondWithError(w, err, "Failed to send verification code")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Verification code sent"))
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.flow.CompleteRegistration(r.Context(), req.Phone, req.Code, service.Profile{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
	})
	if err != nil {
		h.respondWithError(w, err, "Registration failed")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(sess, "Account created"))
}

func (h *AuthHandler) LoginWithCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.flow.CompleteLogin(r.Context(), req.Phone, req.Code)
	if err != nil {
		h.respondWithError(w, err, "Login failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sess, "Logged in"))
}

func (h *AuthHandler) LoginWithPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.flow.PasswordLogin(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.respondWithError(w, err, "Login failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sess, "Logged in"))
}

func (h *AuthHandler) VerifyRecovery(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	ticket, err := h.flow.VerifyRecovery(r.Context(), req.Phone, req.Code)
	if err != nil {
		h.respondWithError(w, err, "Verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"reset_ticket": ticket}, "Code verified"))
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.flow.ResetPassword(r.Context(), req.Ticket, req.NewPassword); err != nil {
		h.respondWithError(w, err, "Password reset failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password updated"))
}
