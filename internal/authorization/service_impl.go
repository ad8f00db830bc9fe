package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/lib/pq"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectUsage          = "usage"
	ObjectSummary        = "summary"
	ObjectWatermark      = "watermark"
	ObjectReconciliation = "reconciliation"
	ObjectInvoice        = "invoice"
	ObjectLedger         = "ledger"
	ObjectCatalog        = "catalog"
	ObjectAPIKey         = "api_key"
	ObjectAuditLog       = "audit_log"
)

const (
	ActionUsageIngest = "usage.ingest"
	ActionUsageView   = "usage.view"

	ActionSummaryView      = "summary.view"
	ActionSummaryRecompute = "summary.recompute"

	ActionWatermarkView = "watermark.view"

	ActionReconciliationView = "reconciliation.view"
	ActionReconciliationRun  = "reconciliation.run"

	ActionInvoiceView     = "invoice.view"
	ActionInvoiceRefresh  = "invoice.refresh"
	ActionInvoiceFinalize = "invoice.finalize"
	ActionInvoiceVoid     = "invoice.void"

	ActionLedgerView = "ledger.view"

	ActionCatalogView   = "catalog.view"
	ActionCatalogManage = "catalog.manage"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleIngest   = "ingest"
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
	RoleSystem   = "system"
)

// Roles lists the roles an API key may carry.
var Roles = []string{RoleIngest, RoleViewer, RoleOperator, RoleAdmin}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenant
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	actorType, actorID, roles, err := s.resolveActor(ctx, actor, tenantID)
	if err != nil {
		s.audit(ctx, "authorization.denied", actorType, actorID, tenantID, object, action)
		return err
	}

	domain := fmt.Sprintf("tenant:%s", tenantID)
	if err := s.ensureGrouping(actor, roles, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.audit(ctx, "authorization.denied", actorType, actorID, tenantID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.audit(ctx, "authorization.granted", actorType, actorID, tenantID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, tenantID string) (string, string, []string, error) {
	if actor == RoleSystem {
		return string(auditdomain.ActorTypeSystem), "", []string{"role:" + RoleSystem}, nil
	}
	if keyID, ok := strings.CutPrefix(actor, "api_key:"); ok && strings.TrimSpace(keyID) != "" {
		roles, err := s.rolesForKey(ctx, tenantID, keyID)
		if err != nil {
			return string(auditdomain.ActorTypeAPIKey), keyID, nil, err
		}
		return string(auditdomain.ActorTypeAPIKey), keyID, roles, nil
	}
	return "", "", nil, ErrInvalidActor
}

func (s *ServiceImpl) rolesForKey(ctx context.Context, tenantID string, keyID string) ([]string, error) {
	var row struct {
		Roles pq.StringArray `gorm:"column:roles"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT roles
		 FROM api_keys
		 WHERE tenant_id = ? AND key_id = ? AND is_active = ?
		 LIMIT 1`,
		tenantID,
		keyID,
		true,
	).Scan(&row).Error; err != nil {
		return nil, err
	}

	roles := make([]string, 0, len(row.Roles))
	for _, role := range row.Roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || role == RoleSystem {
			continue
		}
		roles = append(roles, "role:"+role)
	}
	if len(roles) == 0 {
		return nil, ErrForbidden
	}
	return roles, nil
}

// ensureGrouping syncs the subject's role links in the domain to roles.
func (s *ServiceImpl) ensureGrouping(subject string, roles []string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || slices.Contains(roles, rule[1]) {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	for _, role := range roles {
		has, err := s.enforcer.HasGroupingPolicy(subject, role, domain)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.enforcer.AddGroupingPolicy(subject, role, domain); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction string, actorType string, actorID string, tenantID string, object string, action string) {
	if s.auditSvc == nil || actorType == "" {
		return
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   tenantID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     auditAction,
		TargetType: "authorization",
		TargetID:   "capability",
		Metadata: map[string]any{
			"object": object,
			"action": action,
			"actor":  actorType,
		},
	}); err != nil {
		s.log.Warn("audit authorization decision", zap.Error(err))
	}
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionAPIKeyCreate, ActionAPIKeyRotate, ActionAPIKeyRevoke, ActionInvoiceFinalize, ActionInvoiceVoid:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	viewer := [][]string{
		{ObjectUsage, ActionUsageView},
		{ObjectSummary, ActionSummaryView},
		{ObjectWatermark, ActionWatermarkView},
		{ObjectReconciliation, ActionReconciliationView},
		{ObjectInvoice, ActionInvoiceView},
		{ObjectLedger, ActionLedgerView},
		{ObjectCatalog, ActionCatalogView},
	}
	operator := append(slices.Clone(viewer),
		[]string{ObjectSummary, ActionSummaryRecompute},
		[]string{ObjectReconciliation, ActionReconciliationRun},
		[]string{ObjectInvoice, ActionInvoiceRefresh},
		[]string{ObjectInvoice, ActionInvoiceFinalize},
		[]string{ObjectInvoice, ActionInvoiceVoid},
		[]string{ObjectAuditLog, ActionAuditLogView},
	)
	admin := append(slices.Clone(operator),
		[]string{ObjectUsage, ActionUsageIngest},
		[]string{ObjectCatalog, ActionCatalogManage},
		[]string{ObjectAPIKey, ActionAPIKeyView},
		[]string{ObjectAPIKey, ActionAPIKeyCreate},
		[]string{ObjectAPIKey, ActionAPIKeyRotate},
		[]string{ObjectAPIKey, ActionAPIKeyRevoke},
	)

	grants := map[string][][]string{
		RoleIngest:   {{ObjectUsage, ActionUsageIngest}},
		RoleViewer:   viewer,
		RoleOperator: operator,
		RoleAdmin:    admin,
		RoleSystem:   admin,
	}
	for role, rules := range grants {
		for _, rule := range rules {
			if _, err := enforcer.AddPolicy("role:"+role, rule[0], rule[1]); err != nil {
				return err
			}
		}
	}
	return nil
}
