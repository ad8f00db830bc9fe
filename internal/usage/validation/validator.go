// Package validation holds the schema and bounds checks applied to inbound
// usage events before they reach durable storage.
package validation

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AllowedSet answers whether a tenant may report an event type.
type AllowedSet interface {
	IsAllowed(ctx context.Context, tenantID, eventType string) (bool, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Policy  config.PolicyProvider
	Catalog catalogdomain.Service
}

type Validator struct {
	log      *zap.Logger
	clock    clock.Clock
	policy   config.PolicyProvider
	allowed  AllowedSet
	validate *validator.Validate
}

func NewValidator(p Params) *Validator {
	return New(p.Log, p.Clock, p.Policy, p.Catalog)
}

func New(log *zap.Logger, clk clock.Clock, policy config.PolicyProvider, allowed AllowedSet) *Validator {
	return &Validator{
		log:      log.Named("usage.validation"),
		clock:    clk,
		policy:   policy,
		allowed:  allowed,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

var Module = fx.Module("usage.validation",
	fx.Provide(NewValidator),
)

// Validate returns a *usagedomain.ValidationError for a bad event. Other
// errors mean the allowed set could not be consulted and the call may be retried.
func (v *Validator) Validate(ctx context.Context, req usagedomain.IngestRequest) error {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.EventType = strings.TrimSpace(req.EventType)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if err := v.validate.StructCtx(ctx, req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		return toValidationError(fieldErrs)
	}

	skew := v.policy.Get().FutureSkew
	if limit := v.clock.Now().Add(skew); req.OccurredAt.After(limit) {
		return usagedomain.NewValidationError("occurred_at", "too_far_in_future")
	}

	ok, err := v.allowed.IsAllowed(ctx, req.TenantID, req.EventType)
	if err != nil {
		return err
	}
	if !ok {
		return usagedomain.NewValidationError("event_type", "not_allowed")
	}
	return nil
}

func toValidationError(errs validator.ValidationErrors) *usagedomain.ValidationError {
	out := &usagedomain.ValidationError{Fields: make([]usagedomain.FieldError, 0, len(errs))}
	for _, fe := range errs {
		out.Fields = append(out.Fields, usagedomain.FieldError{
			Field:  fieldName(fe.StructField()),
			Reason: reason(fe),
		})
	}
	return out
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "gte":
		return "must_be_non_negative"
	case "max":
		return "too_long"
	default:
		return fe.Tag()
	}
}

func fieldName(structField string) string {
	switch structField {
	case "TenantID":
		return "tenant_id"
	case "EventType":
		return "event_type"
	case "IdempotencyKey":
		return "idempotency_key"
	case "OccurredAt":
		return "occurred_at"
	default:
		return strings.ToLower(structField)
	}
}
