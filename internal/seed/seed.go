package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/authorization"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"go.uber.org/zap"
)

const bootstrapKeyName = "bootstrap-admin"

var ErrInvalidEventTypeSpec = errors.New("invalid_bootstrap_event_type")

// Bootstrap seeds the configured tenant's allowed event types and, when the
// tenant has no keys yet, one admin API key. Safe to run on every start.
func Bootstrap(ctx context.Context, catalog catalogdomain.Service, keys apikeydomain.Service, cfg config.BootstrapConfig, log *zap.Logger) error {
	tenantID := strings.TrimSpace(cfg.TenantID)
	if tenantID == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("seed").With(zap.String("tenant_id", tenantID))

	for _, spec := range cfg.EventTypes {
		req, err := ParseEventType(tenantID, spec)
		if err != nil {
			return err
		}
		if _, err := catalog.Upsert(ctx, req); err != nil {
			return fmt.Errorf("seed event type %q: %w", req.EventType, err)
		}
	}

	if !cfg.AdminKey || keys == nil {
		return nil
	}
	ctx = obscontext.WithTenantID(ctx, tenantID)
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "seed")
	existing, err := keys.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	secret, err := keys.Create(ctx, apikeydomain.CreateRequest{
		Name:  bootstrapKeyName,
		Roles: []string{authorization.RoleAdmin},
	})
	if err != nil {
		return err
	}
	// Shown once; only the hash is stored.
	log.Warn("bootstrap admin api key created",
		zap.String("key_id", secret.KeyID),
		zap.String("api_key", secret.APIKey),
	)
	return nil
}

// ParseEventType reads "code:unit:unit_price:currency".
func ParseEventType(tenantID, spec string) (catalogdomain.UpsertRequest, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) != 4 {
		return catalogdomain.UpsertRequest{}, fmt.Errorf("%w: %q", ErrInvalidEventTypeSpec, spec)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return catalogdomain.UpsertRequest{}, fmt.Errorf("%w: %q", ErrInvalidEventTypeSpec, spec)
	}
	return catalogdomain.UpsertRequest{
		TenantID:  tenantID,
		EventType: parts[0],
		Unit:      parts[1],
		UnitPrice: parts[2],
		Currency:  parts[3],
	}, nil
}
