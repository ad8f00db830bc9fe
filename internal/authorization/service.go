package authorization

import (
	"context"
	"errors"
)

type Service interface {
	// Authorize checks that actor may perform action on object within the tenant.
	// Actors are "system" or "api_key:<key_id>".
	Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
