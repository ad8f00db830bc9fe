package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/authorization"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	"github.com/smallbiznis/meterflow/internal/observability"
	obsmiddleware "github.com/smallbiznis/meterflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/meterflow/internal/observability/tracing"
	"github.com/smallbiznis/meterflow/internal/opssignal"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obsCfg.ServiceName))
	r.Use(obstracing.SpanEnricher())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine            *gin.Engine
	cfg               config.Config
	log               *zap.Logger
	clock             clock.Clock
	policy            config.PolicyProvider
	apiKeySvc         apikeydomain.Service
	authzSvc          authorization.Service
	auditSvc          auditdomain.Service
	usageSvc          usagedomain.Service
	summarySvc        aggregationdomain.Service
	watermarkSvc      watermarkdomain.Service
	reconciliationSvc reconciliationdomain.Service
	invoiceSvc        invoicedomain.Service
	ledgerSvc         ledgerdomain.Service
	catalogSvc        catalogdomain.Service
	usageLimiter      *ratelimit.UsageIngestLimiter
	obsMetrics        *obsmetrics.Metrics
	signals           *opssignal.Signals
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	Log               *zap.Logger
	Clock             clock.Clock
	Policy            config.PolicyProvider
	APIKeySvc         apikeydomain.Service
	AuthzSvc          authorization.Service
	AuditSvc          auditdomain.Service
	UsageSvc          usagedomain.Service
	SummarySvc        aggregationdomain.Service
	WatermarkSvc      watermarkdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	InvoiceSvc        invoicedomain.Service
	LedgerSvc         ledgerdomain.Service
	CatalogSvc        catalogdomain.Service
	UsageLimiter      *ratelimit.UsageIngestLimiter `optional:"true"`
	ObsMetrics        *obsmetrics.Metrics           `optional:"true"`
	Signals           *opssignal.Signals            `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		log:               p.Log.Named("http.server"),
		clock:             p.Clock,
		policy:            p.Policy,
		apiKeySvc:         p.APIKeySvc,
		authzSvc:          p.AuthzSvc,
		auditSvc:          p.AuditSvc,
		usageSvc:          p.UsageSvc,
		summarySvc:        p.SummarySvc,
		watermarkSvc:      p.WatermarkSvc,
		reconciliationSvc: p.ReconciliationSvc,
		invoiceSvc:        p.InvoiceSvc,
		ledgerSvc:         p.LedgerSvc,
		catalogSvc:        p.CatalogSvc,
		usageLimiter:      p.UsageLimiter,
		obsMetrics:        p.ObsMetrics,
		signals:           p.Signals,
	}
}

// RegisterRoutes mounts the ingest and operator API. Every /v1 route needs an
// API key whose roles grant the route's action in the key's tenant.
func (s *Server) RegisterRoutes() {
	if s.signals != nil {
		s.engine.GET("/metrics/ops", s.OpsSignals)
	}

	v1 := s.engine.Group("/v1", s.APIKeyRequired())

	usage := v1.Group("/usage/events")
	usage.POST("", s.authorize(authorization.ObjectUsage, authorization.ActionUsageIngest), s.IngestUsage)
	usage.POST("/batch", s.authorize(authorization.ObjectUsage, authorization.ActionUsageIngest), s.IngestUsageBatch)
	usage.GET("", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUsageEvents)

	summaries := v1.Group("/summaries")
	summaries.GET("", s.authorize(authorization.ObjectSummary, authorization.ActionSummaryView), s.ListSummaries)
	summaries.GET("/:event_type/:bucket_start", s.authorize(authorization.ObjectSummary, authorization.ActionSummaryView), s.GetSummary)
	summaries.POST("/recompute", s.authorize(authorization.ObjectSummary, authorization.ActionSummaryRecompute), s.RecomputeSummary)

	v1.GET("/watermarks", s.authorize(authorization.ObjectWatermark, authorization.ActionWatermarkView), s.ListWatermarks)
	v1.GET("/periods/status", s.authorize(authorization.ObjectWatermark, authorization.ActionWatermarkView), s.GetPeriodStatus)

	reconciliations := v1.Group("/reconciliations")
	reconciliations.GET("", s.authorize(authorization.ObjectReconciliation, authorization.ActionReconciliationView), s.ListReconciliationRuns)
	reconciliations.POST("", s.authorize(authorization.ObjectReconciliation, authorization.ActionReconciliationRun), s.RunReconciliation)

	invoices := v1.Group("/invoices")
	invoices.GET("", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceView), s.ListInvoices)
	invoices.GET("/:id", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceView), s.GetInvoice)
	invoices.POST("/refresh", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceRefresh), s.RefreshInvoice)
	invoices.POST("/finalize", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceFinalize), s.FinalizeInvoice)
	invoices.POST("/:id/void", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceVoid), s.VoidInvoice)

	ledger := v1.Group("/ledger")
	ledger.GET("/entries", s.authorize(authorization.ObjectLedger, authorization.ActionLedgerView), s.ListLedgerEntries)
	ledger.GET("/balance", s.authorize(authorization.ObjectLedger, authorization.ActionLedgerView), s.GetLedgerBalance)

	catalog := v1.Group("/catalog/event-types")
	catalog.GET("", s.authorize(authorization.ObjectCatalog, authorization.ActionCatalogView), s.ListEventTypes)
	catalog.PUT("/:event_type", s.authorize(authorization.ObjectCatalog, authorization.ActionCatalogManage), s.UpsertEventType)

	v1.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)

	apiKeys := v1.Group("/api-keys")
	apiKeys.GET("", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	apiKeys.POST("", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	apiKeys.POST("/:key_id/rotate", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	apiKeys.DELETE("/:key_id", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)
}

// OpsSignals serves the operator gauges that are otherwise pushed.
func (s *Server) OpsSignals(c *gin.Context) {
	if err := s.signals.Refresh(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	promhttp.HandlerFor(s.signals.Registry(), promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
