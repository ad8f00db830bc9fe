package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/authorization"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	"github.com/smallbiznis/meterflow/internal/period"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
			if c.Writer.Header().Get("Retry-After") == "" {
				c.Header("Retry-After", "1")
			}
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// bindError turns a gin binding failure into field-level validation errors.
func bindError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidRequestError()
	}
	out := &ValidationErrors{Errors: make([]ValidationError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		field := toSnake(fe.Field())
		out.Errors = append(out.Errors, ValidationError{
			Field:   field,
			Code:    fe.Tag(),
			Message: field + " failed " + fe.Tag(),
		})
	}
	return out
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var usageErr *usagedomain.ValidationError
	if errors.As(err, &usageErr) {
		fields := make([]ValidationError, 0, len(usageErr.Fields))
		for _, f := range usageErr.Fields {
			fields = append(fields, ValidationError{Field: f.Field, Code: f.Reason, Message: f.Field + " " + strings.ReplaceAll(f.Reason, "_", " ")})
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  fields,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, usagedomain.ErrTenantMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, reconciliationdomain.ErrReconciliationDrift):
		return http.StatusConflict, errorPayload{
			Type:    "reconciliation_drift",
			Message: "reconciliation drift blocks finalize",
		}
	case errors.Is(err, invoicedomain.ErrFinalizeConflict):
		return http.StatusConflict, errorPayload{
			Type:    "finalize_conflict",
			Message: finalizeConflictMessage(err),
		}
	case errors.Is(err, aggregationdomain.ErrBucketSealed):
		return http.StatusConflict, errorPayload{
			Type:    "bucket_sealed",
			Message: "bucket belongs to a finalized period",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, invoicedomain.ErrInvoiceNotFinalized),
		errors.Is(err, invoicedomain.ErrCurrencyMismatch),
		errors.Is(err, invoicedomain.ErrBucketsNotClosed),
		errors.Is(err, invoicedomain.ErrReconciliationNeeded),
		errors.Is(err, ledgerdomain.ErrImmutableEntry),
		errors.Is(err, aggregationdomain.ErrRecomputeInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, usagedomain.ErrBackpressure):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the error type and code written to the request log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError && payload.Type == "internal_error" {
		return "internal_error", strings.ToLower(http.StatusText(status))
	}
	return payload.Type, code
}

// finalizeConflictMessage keeps the joined reason of a blocked finalize.
func finalizeConflictMessage(err error) string {
	switch {
	case errors.Is(err, invoicedomain.ErrBucketsNotClosed):
		return "finalize blocked: buckets not closed"
	case errors.Is(err, invoicedomain.ErrReconciliationNeeded):
		return "finalize blocked: reconciliation missing or stale"
	default:
		return "finalize conflict"
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, period.ErrInvalidCadence),
		errors.Is(err, usagedomain.ErrBatchTooLarge),
		errors.Is(err, usagedomain.ErrInvalidTenant),
		errors.Is(err, usagedomain.ErrInvalidRange),
		errors.Is(err, aggregationdomain.ErrInvalidBucket),
		errors.Is(err, reconciliationdomain.ErrInvalidScope),
		errors.Is(err, invoicedomain.ErrInvalidTenant),
		errors.Is(err, invoicedomain.ErrInvalidPeriod),
		errors.Is(err, catalogdomain.ErrInvalidUnitPrice),
		errors.Is(err, catalogdomain.ErrInvalidCurrency),
		errors.Is(err, ledgerdomain.ErrInvalidTenant),
		errors.Is(err, ledgerdomain.ErrInvalidReference),
		errors.Is(err, auditdomain.ErrInvalidTenant),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, apikeydomain.ErrInvalidTenant),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidRole),
		errors.Is(err, apikeydomain.ErrInvalidKeyID):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, usagedomain.ErrEventNotFound),
		errors.Is(err, aggregationdomain.ErrSummaryNotFound),
		errors.Is(err, reconciliationdomain.ErrRunNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, catalogdomain.ErrEventTypeNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode unwraps to the sentinel so wrapped detail never leaks.
func validationErrorCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

func toSnake(name string) string {
	var b strings.Builder
	prevUpper := true
	for _, r := range name {
		upper := r >= 'A' && r <= 'Z'
		if upper {
			if !prevUpper {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		prevUpper = upper
		b.WriteRune(r)
	}
	return b.String()
}
