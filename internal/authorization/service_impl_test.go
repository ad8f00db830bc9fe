package authorization

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE api_keys (
		id INTEGER PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		roles TEXT NOT NULL,
		is_active BOOLEAN NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO api_keys (id, tenant_id, key_id, roles, is_active) VALUES
		(1, 'T1', 'key_INGEST', '{ingest}', 1),
		(2, 'T1', 'key_OPS', '{viewer,operator}', 1),
		(3, 'T1', 'key_OLD', '{admin}', 0),
		(4, 'T2', 'key_ADMIN', '{admin}', 1)`).Error)

	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorize(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		actor  string
		tenant string
		object string
		action string
		err    error
	}{
		{name: "ingest key ingests", actor: "api_key:key_INGEST", tenant: "T1", object: ObjectUsage, action: ActionUsageIngest},
		{name: "ingest key cannot read invoices", actor: "api_key:key_INGEST", tenant: "T1", object: ObjectInvoice, action: ActionInvoiceView, err: ErrForbidden},
		{name: "operator finalizes", actor: "api_key:key_OPS", tenant: "T1", object: ObjectInvoice, action: ActionInvoiceFinalize},
		{name: "operator cannot mint keys", actor: "api_key:key_OPS", tenant: "T1", object: ObjectAPIKey, action: ActionAPIKeyCreate, err: ErrForbidden},
		{name: "inactive key", actor: "api_key:key_OLD", tenant: "T1", object: ObjectUsage, action: ActionUsageView, err: ErrForbidden},
		{name: "key bound to other tenant", actor: "api_key:key_ADMIN", tenant: "T1", object: ObjectUsage, action: ActionUsageView, err: ErrForbidden},
		{name: "admin in own tenant", actor: "api_key:key_ADMIN", tenant: "T2", object: ObjectAPIKey, action: ActionAPIKeyRevoke},
		{name: "system", actor: RoleSystem, tenant: "T9", object: ObjectInvoice, action: ActionInvoiceFinalize},
		{name: "unknown actor", actor: "user:1", tenant: "T1", object: ObjectUsage, action: ActionUsageView, err: ErrInvalidActor},
		{name: "missing tenant", actor: RoleSystem, object: ObjectUsage, action: ActionUsageView, err: ErrInvalidTenant},
		{name: "missing object", actor: RoleSystem, tenant: "T1", action: ActionUsageView, err: ErrInvalidObject},
		{name: "missing action", actor: RoleSystem, tenant: "T1", object: ObjectUsage, err: ErrInvalidAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, tc.tenant, tc.object, tc.action)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRoleLinksAreDomainScoped(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "api_key:key_ADMIN", "T2", ObjectCatalog, ActionCatalogManage))
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:key_ADMIN", "T1", ObjectCatalog, ActionCatalogManage), ErrForbidden)
}
