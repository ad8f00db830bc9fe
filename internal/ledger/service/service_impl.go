package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Post(ctx context.Context, tx *gorm.DB, posting ledgerdomain.Posting) (bool, error) {
	posting.TenantID = strings.TrimSpace(posting.TenantID)
	if posting.TenantID == "" {
		return false, ledgerdomain.ErrInvalidTenant
	}
	posting.ReferenceID = strings.TrimSpace(posting.ReferenceID)
	if strings.TrimSpace(string(posting.ReferenceType)) == "" || posting.ReferenceID == "" {
		return false, ledgerdomain.ErrInvalidReference
	}
	posting.Currency = strings.ToUpper(strings.TrimSpace(posting.Currency))
	if len(posting.Currency) != 3 {
		return false, ledgerdomain.ErrInvalidCurrency
	}
	if posting.OccurredAt.IsZero() {
		return false, ledgerdomain.ErrInvalidOccurredAt
	}
	if err := ledgerdomain.ValidateBalanced(posting.Lines); err != nil {
		return false, err
	}

	inserted := false
	write := func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		entry := ledgerdomain.LedgerEntry{
			ID:               s.genID.Generate(),
			TenantID:         posting.TenantID,
			ReferenceType:    posting.ReferenceType,
			ReferenceID:      posting.ReferenceID,
			Currency:         posting.Currency,
			IsAdjustment:     posting.IsAdjustment,
			AdjustsInvoiceID: posting.AdjustsInvoiceID,
			OccurredAt:       posting.OccurredAt.UTC(),
			CreatedAt:        now,
		}
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "reference_type"}, {Name: "reference_id"}},
				DoNothing: true,
			}).
			Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		lines := make([]ledgerdomain.LedgerEntryLine, 0, len(posting.Lines))
		for _, line := range posting.Lines {
			lines = append(lines, ledgerdomain.LedgerEntryLine{
				ID:            s.genID.Generate(),
				LedgerEntryID: entry.ID,
				TenantID:      posting.TenantID,
				AccountType:   line.AccountType,
				EntryType:     line.EntryType,
				Amount:        line.Amount,
				ReferenceType: posting.ReferenceType,
				ReferenceID:   posting.ReferenceID,
				CreatedAt:     now,
			})
		}
		if err := tx.Create(&lines).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	}

	var err error
	if tx != nil {
		err = write(tx.WithContext(ctx))
	} else {
		err = s.db.WithContext(ctx).Transaction(write)
	}
	if err != nil {
		return false, err
	}

	if inserted {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordLedgerEntry(ctx, string(posting.ReferenceType))
		}
		s.log.Info("ledger entry posted",
			zap.String("tenant_id", posting.TenantID),
			zap.String("reference_type", string(posting.ReferenceType)),
			zap.String("reference_id", posting.ReferenceID),
			zap.Bool("is_adjustment", posting.IsAdjustment),
		)
	}
	return inserted, nil
}

func (s *Service) Balance(ctx context.Context, tenantID string) (ledgerdomain.Balance, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidTenant
	}

	var rows []struct {
		AccountType ledgerdomain.AccountType
		EntryType   ledgerdomain.EntryType
		Amount      int64
	}
	err := s.db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntryLine{}).
		Select("account_type, entry_type, COALESCE(SUM(amount), 0) AS amount").
		Where("tenant_id = ?", tenantID).
		Group("account_type, entry_type").
		Scan(&rows).Error
	if err != nil {
		return ledgerdomain.Balance{}, err
	}

	balance := ledgerdomain.Balance{TenantID: tenantID}
	for _, row := range rows {
		signed := row.Amount
		if row.EntryType == ledgerdomain.EntryTypeCredit {
			balance.TotalCredits += row.Amount
			signed = -signed
		} else {
			balance.TotalDebits += row.Amount
		}
		switch row.AccountType {
		case ledgerdomain.AccountReceivable:
			balance.Receivable += signed
		case ledgerdomain.AccountRevenue:
			balance.Revenue -= signed
		case ledgerdomain.AccountCreditBalance:
			balance.CreditBalance -= signed
		}
	}
	return balance, nil
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidTenant
	}
	limit := req.Limit()

	stmt := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if req.ReferenceType != "" {
		stmt = stmt.Where("reference_type = ?", req.ReferenceType)
	}
	if referenceID := strings.TrimSpace(req.ReferenceID); referenceID != "" {
		stmt = stmt.Where("reference_id = ?", referenceID)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListEntriesResponse{}, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return ledgerdomain.ListEntriesResponse{}, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("id < ?", id)
	}

	var entries []ledgerdomain.LedgerEntry
	err := stmt.Preload("Lines", func(db *gorm.DB) *gorm.DB {
		return db.Order("entry_type DESC, id ASC")
	}).Order("id DESC").Limit(limit + 1).Find(&entries).Error
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	entries, pageInfo := pagination.Trim(entries, limit, func(e ledgerdomain.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	return ledgerdomain.ListEntriesResponse{PageInfo: pageInfo, Entries: entries}, nil
}
