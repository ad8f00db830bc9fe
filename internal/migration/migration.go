package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table of the primary store, in dependency order.
func Models() []any {
	return []any{
		&usagedomain.UsageEvent{},
		&aggregationdomain.UsageSummary{},
		&watermarkdomain.Watermark{},
		&watermarkdomain.PeriodSeal{},
		&watermarkdomain.LateArrival{},
		&reconciliationdomain.Run{},
		&catalogdomain.EventType{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.InvoiceAdjustment{},
		&apikeydomain.APIKey{},
		&auditdomain.AuditLog{},
	}
}

// Apply brings the primary store up to date. PostgreSQL runs the embedded SQL
// migrations, which also install the append-only triggers; other dialects are
// local or test setups and use AutoMigrate.
func Apply(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if !db.IsPostgres(conn) {
		return conn.AutoMigrate(Models()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// RunMigrations applies the embedded PostgreSQL migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
