package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Validator checks an inbound event before it is stored.
type Validator interface {
	Validate(ctx context.Context, req usagedomain.IngestRequest) error
}

// Observer records stored events against their bucket watermark.
type Observer interface {
	ObserveEvent(ctx context.Context, event usagedomain.UsageEvent) (watermarkdomain.Observation, error)
	ObserveReplay(ctx context.Context, event usagedomain.UsageEvent) (watermarkdomain.Observation, bool, error)
	MarkLateDeferred(ctx context.Context, eventID snowflake.ID) error
}

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Validator  Validator
	Store      usagedomain.EventStore
	Watermarks watermarkdomain.Service
	Late       usagedomain.LateUsageHandler
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	validator  Validator
	store      usagedomain.EventStore
	watermarks Observer
	late       usagedomain.LateUsageHandler
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics

	gate         *gate
	maxBatchSize int
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		log:          p.Log.Named("usage.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		validator:    p.Validator,
		store:        p.Store,
		watermarks:   p.Watermarks,
		late:         p.Late,
		auditSvc:     p.AuditSvc,
		obsMetrics:   p.ObsMetrics,
		gate:         newGate(p.Config.Ingest.MaxInFlight, p.Config.Ingest.QueueTimeout),
		maxBatchSize: p.Config.Ingest.MaxBatchSize,
	}
}

// Ingest validates, stores and observes one event. A redelivered event is a
// DuplicateIgnored outcome, never an error.
func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (usagedomain.AcceptResult, error) {
	release, err := s.gate.acquire(ctx, 1)
	if err != nil {
		if errors.Is(err, usagedomain.ErrBackpressure) {
			s.log.Warn("ingest backpressure",
				zap.String("tenant_id", req.TenantID),
				zap.Int("in_flight", s.gate.inFlight()),
			)
		}
		return usagedomain.AcceptResult{}, err
	}
	defer release()

	return s.ingest(ctx, req)
}

func (s *Service) ingest(ctx context.Context, req usagedomain.IngestRequest) (usagedomain.AcceptResult, error) {
	if tenantID := obscontext.TenantIDFromContext(ctx); tenantID != "" && strings.TrimSpace(req.TenantID) != tenantID {
		return usagedomain.AcceptResult{}, usagedomain.ErrTenantMismatch
	}

	if err := s.validator.Validate(ctx, req); err != nil {
		if errors.Is(err, usagedomain.ErrValidation) {
			s.reject(ctx, req, err)
		}
		return usagedomain.AcceptResult{Outcome: usagedomain.OutcomeRejected}, err
	}

	event := usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		TenantID:       strings.TrimSpace(req.TenantID),
		EventType:      strings.TrimSpace(req.EventType),
		Quantity:       *req.Quantity,
		Unit:           strings.TrimSpace(req.Unit),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		OccurredAt:     req.OccurredAt.UTC(),
		ReceivedAt:     s.clock.Now(),
		Source:         strings.TrimSpace(req.Source),
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	result, err := s.store.Accept(ctx, event)
	if err != nil {
		return usagedomain.AcceptResult{}, err
	}

	switch result.Outcome {
	case usagedomain.OutcomeDuplicateIgnored:
		s.recordIngest(ctx, result)
		if result.PayloadMismatch {
			s.log.Warn("idempotency key reused with different payload",
				zap.String("tenant_id", event.TenantID),
				zap.String("idempotency_key", event.IdempotencyKey),
				zap.String("event_id", result.Event.ID.String()),
			)
		}
		obs, replayed, err := s.watermarks.ObserveReplay(ctx, result.Event)
		if err != nil {
			s.log.Warn("replay observation failed", zap.String("event_id", result.Event.ID.String()), zap.Error(err))
			return result, nil
		}
		if !replayed {
			return result, nil
		}
		return result, s.handleObservation(ctx, result.Event, obs)
	case usagedomain.OutcomeInserted:
		s.recordIngest(ctx, result)
	}

	obs, err := s.watermarks.ObserveEvent(ctx, result.Event)
	if err != nil {
		// The event is durable. A redelivery replays the observation and the
		// pre-finalize reconciliation catches anything still missed.
		s.log.Error("failed to observe stored event",
			zap.String("tenant_id", result.Event.TenantID),
			zap.String("event_id", result.Event.ID.String()),
			zap.Error(err),
		)
		return result, err
	}
	return result, s.handleObservation(ctx, result.Event, obs)
}

// handleObservation defers a late arrival onto a later draft. A failure is
// returned so the caller redelivers; the late arrival stays pending until the
// adjustment is written, and the scheduler sweep retries it as well.
func (s *Service) handleObservation(ctx context.Context, event usagedomain.UsageEvent, obs watermarkdomain.Observation) error {
	if obs.Kind != watermarkdomain.ObservationLateArrival {
		return nil
	}
	if err := s.late.DeferLateUsage(ctx, event, obs.SealedInvoiceID); err != nil {
		s.log.Error("failed to defer late usage",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_id", event.ID.String()),
			zap.String("invoice_id", obs.SealedInvoiceID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("defer late usage: %w", err)
	}
	if err := s.watermarks.MarkLateDeferred(ctx, event.ID); err != nil {
		// The adjustment is idempotent per event, so a later retry is harmless.
		s.log.Warn("failed to mark late usage deferred", zap.String("event_id", event.ID.String()), zap.Error(err))
	}
	return nil
}

// IngestBatch ingests each item independently. Validation failures are
// reported per item; storage failures abort the remainder.
func (s *Service) IngestBatch(ctx context.Context, reqs []usagedomain.IngestRequest) ([]usagedomain.BatchItemResult, error) {
	if s.maxBatchSize > 0 && len(reqs) > s.maxBatchSize {
		return nil, usagedomain.ErrBatchTooLarge
	}

	release, err := s.gate.acquire(ctx, len(reqs))
	if err != nil {
		if errors.Is(err, usagedomain.ErrBackpressure) {
			s.log.Warn("ingest batch backpressure",
				zap.Int("batch_size", len(reqs)),
				zap.Int("in_flight", s.gate.inFlight()),
			)
		}
		return nil, err
	}
	defer release()

	results := make([]usagedomain.BatchItemResult, 0, len(reqs))
	for i, req := range reqs {
		res, err := s.ingest(ctx, req)
		item := usagedomain.BatchItemResult{Index: i, Outcome: res.Outcome}
		if res.Event.ID != 0 {
			item.EventID = res.Event.ID.String()
		}
		if err != nil {
			if !errors.Is(err, usagedomain.ErrValidation) && !errors.Is(err, usagedomain.ErrTenantMismatch) {
				return results, err
			}
			item.Outcome = usagedomain.OutcomeRejected
			item.Error = err.Error()
		}
		results = append(results, item)
	}
	return results, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidTenant
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.Start.Before(req.End) {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidRange
	}
	return s.store.List(ctx, req)
}

func (s *Service) reject(ctx context.Context, req usagedomain.IngestRequest, err error) {
	s.log.Info("usage event rejected",
		zap.String("tenant_id", req.TenantID),
		zap.String("event_type", req.EventType),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Error(err),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordIngest(ctx, req.EventType, string(usagedomain.OutcomeRejected), 0)
	}
	if s.auditSvc == nil || strings.TrimSpace(req.TenantID) == "" {
		return
	}
	metadata := map[string]any{
		"event_type":      req.EventType,
		"idempotency_key": req.IdempotencyKey,
		"reason":          err.Error(),
	}
	if auditErr := s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   req.TenantID,
		Action:     "usage.rejected",
		TargetType: "usage_event",
		Metadata:   metadata,
	}); auditErr != nil {
		s.log.Warn("failed to audit rejected usage", zap.Error(auditErr))
	}
}

func (s *Service) recordIngest(ctx context.Context, result usagedomain.AcceptResult) {
	if s.obsMetrics == nil {
		return
	}
	var quantity int64
	if result.Outcome == usagedomain.OutcomeInserted {
		quantity = result.Event.Quantity
	}
	s.obsMetrics.RecordIngest(ctx, result.Event.EventType, string(result.Outcome), quantity)
}
