package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"marketplace-identity/internal/service"
	"marketplace-identity/internal/util"
)

const maxBodyBytes = 1 << 20

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries machine-readable details for clients.
type Meta struct {
	CooldownSeconds  int               `json:"cooldown_seconds,omitempty"`
	PurchaseRequired bool              `json:"purchase_required,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
}

var errInvalidBody = errors.New("invalid request body")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

// responder writes the JSON envelope. Embedded by every handler.
type responder struct {
	logger *zap.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err onto a status and a client-safe message.
func (h responder) respondWithError(w http.ResponseWriter, err error, message string) {
	statusCode, public, meta := statusFor(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	if meta != nil && meta.CooldownSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(meta.CooldownSeconds))
	}
	h.respondWithJSON(w, statusCode, Response{
		Success: false,
		Error:   public,
		Message: message,
		Meta:    meta,
	})
}

// decode reads a JSON body into dst and runs its validate tags.
func (h responder) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, fmt.Errorf("%w: %v", errInvalidBody, err), "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.respondWithError(w, fmt.Errorf("%w: %v", errInvalidBody, err), "Invalid request body")
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		h.logger.Debug("Request validation failed", zap.Any("fields", fields))
		h.respondWithJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   "validation failed",
			Message: "Invalid request body",
			Meta:    &Meta{Fields: fields},
		})
		return false
	}
	return true
}

// statusFor determines the HTTP status, the public error text and any meta
// for a service error. Verification failures share one message so callers
// cannot tell which check failed.
func statusFor(err error) (int, string, *Meta) {
	var throttled *service.ThrottledError
	var gatewayDown *service.GatewayUnavailableError

	switch {
	case errors.As(err, &throttled):
		return http.StatusTooManyRequests, "please wait before requesting another code",
			&Meta{CooldownSeconds: throttled.CooldownSeconds()}
	case errors.Is(err, service.ErrTooManyRequests):
		return http.StatusTooManyRequests, "too many codes requested, try again later", nil
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "too many incorrect attempts, request a new code", nil
	case errors.Is(err, service.ErrOTPNotFound),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrOTPMismatch),
		errors.Is(err, service.ErrOTPAlreadyConsumed):
		return http.StatusBadRequest, "invalid or expired code", nil
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, errInvalidBody.Error(), nil
	case errors.Is(err, service.ErrInvalidPhone),
		errors.Is(err, service.ErrInvalidPurpose),
		errors.Is(err, service.ErrInvalidCategory),
		errors.Is(err, service.ErrInvalidBillingCycle),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidProfile):
		return http.StatusBadRequest, err.Error(), nil
	case errors.Is(err, service.ErrNotSubscribed):
		return http.StatusForbidden, err.Error(), &Meta{PurchaseRequired: true}
	case errors.Is(err, service.ErrAccountBlocked):
		return http.StatusForbidden, err.Error(), nil
	case errors.Is(err, service.ErrAlreadyActive),
		errors.Is(err, service.ErrAccountExists),
		errors.Is(err, service.ErrSubscriptionNotPending),
		errors.Is(err, service.ErrStaleSubscription),
		errors.Is(err, service.ErrPaymentNotSucceeded):
		return http.StatusConflict, err.Error(), nil
	case errors.As(err, &gatewayDown):
		return http.StatusBadGateway, "payment provider unavailable, please retry", nil
	case errors.Is(err, service.ErrUnknownReference),
		errors.Is(err, service.ErrSubscriptionNotFound),
		errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound, err.Error(), nil
	case errors.Is(err, service.ErrInvalidSignature),
		errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidTicket),
		errors.Is(err, service.ErrInvalidSession),
		errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, err.Error(), nil
	default:
		return http.StatusInternalServerError, "internal server error", nil
	}
}
