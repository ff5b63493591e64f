package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"gorm.io/gorm"
)

// ValidationError names one rejected input field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation error"
	}
	return "validation error: " + v.Errors[0].Code
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

// outcome is how one class of ledger error is shown to clients.
type outcome struct {
	target  error
	status  int
	kind    string
	message string
}

// refusals are checked in order; the first match wins.
var refusals = []outcome{
	{creditdomain.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "too many requests for this owner"},
	{usagedomain.ErrQuotaExceeded, http.StatusForbidden, "quota_exceeded", "monthly allowance exhausted"},
	{creditdomain.ErrReservationInvalid, http.StatusConflict, "reservation_invalid", "reservation is no longer held"},
	{creditdomain.ErrConcurrencyConflict, http.StatusConflict, "concurrency_conflict", "concurrent update, retry the request"},
	{ownerdomain.ErrUnknownOwner, http.StatusNotFound, "not_found", "unknown owner"},
	{creditdomain.ErrReservationNotFound, http.StatusNotFound, "not_found", "reservation not found"},
	{ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{gorm.ErrRecordNotFound, http.StatusNotFound, "not_found", "not found"},
}

// inputErrors are domain sentinels that mean the request itself was wrong,
// with the message shown for each.
var inputErrors = []struct {
	target  error
	message string
}{
	{ErrInvalidRequest, "invalid request"},
	{creditdomain.ErrInvalidAmount, "amount must be a positive integer"},
	{creditdomain.ErrInvalidSourceType, "unknown source_type"},
	{creditdomain.ErrInvalidExpiry, "expires_at must be in the future"},
	{creditdomain.ErrInvalidTTL, "ttl is out of range"},
	{creditdomain.ErrInvalidActionType, "action_type is required"},
	{creditdomain.ErrInvalidFeatureKey, "feature_key is required"},
	{creditdomain.ErrInvalidPageToken, "page_token is not a token this server issued"},
	{ownerdomain.ErrInvalidOwner, "owner type must be user or organization"},
	{ownerdomain.ErrInvalidPlan, "unknown plan"},
	{usagedomain.ErrInvalidFeatureKey, "feature_key is required"},
	{usagedomain.ErrInvalidQuantity, "quantity must be a positive integer"},
}

var internalPayload = errorPayload{Type: "internal_error", Message: "internal server error"}

// ErrorHandlingMiddleware renders the last handler error as the JSON error
// envelope unless a response was already written.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		lastErr := c.Errors.Last()
		if lastErr == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err != nil {
		_ = c.Error(err)
		c.Abort()
	}
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalPayload
	}

	var fieldErrs *ValidationErrors
	if errors.As(err, &fieldErrs) && fieldErrs != nil {
		return http.StatusBadRequest, validationPayload(fieldErrs.Errors...)
	}
	for _, in := range inputErrors {
		if errors.Is(err, in.target) {
			code := in.target.Error()
			return http.StatusBadRequest, validationPayload(ValidationError{
				Field:   fieldFor(code),
				Code:    code,
				Message: in.message,
			})
		}
	}
	for _, r := range refusals {
		if errors.Is(err, r.target) {
			return r.status, errorPayload{Type: r.kind, Message: r.message}
		}
	}
	return http.StatusInternalServerError, internalPayload
}

func validationPayload(errs ...ValidationError) errorPayload {
	return errorPayload{Type: "validation_error", Message: "validation error", Errors: errs}
}

// fieldFor derives the offending field from an invalid_<field> code.
func fieldFor(code string) string {
	if field, ok := strings.CutPrefix(code, "invalid_"); ok {
		return field
	}
	return ""
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "system", code
	}
	return "client", code
}
