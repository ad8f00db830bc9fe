package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PipelinePolicy holds the operational knobs of the metering pipeline.
// Every value except bucket_size and billing_period can be changed at runtime
// by editing the policy file. Those two shape stored buckets and invoices and
// are fixed for the life of the process.
type PipelinePolicy struct {
	BucketSize       time.Duration `mapstructure:"bucket_size"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	ReopenSettle     time.Duration `mapstructure:"reopen_settle"`
	FutureSkew       time.Duration `mapstructure:"future_skew"`
	BillingPeriod    string        `mapstructure:"billing_period"`
	FinalizeDeadline time.Duration `mapstructure:"finalize_deadline"`

	RecomputeInterval      time.Duration `mapstructure:"recompute_interval"`
	CountReconcileInterval time.Duration `mapstructure:"count_reconcile_interval"`
	SumReconcileInterval   time.Duration `mapstructure:"sum_reconcile_interval"`

	// DriftToleranceBPS is the accepted |delta|/total ratio in basis points.
	DriftToleranceBPS float64 `mapstructure:"drift_tolerance_bps"`

	// EventRetention is how long raw events outlive their occurred_at.
	// Zero keeps events forever.
	EventRetention time.Duration `mapstructure:"event_retention"`
}

func DefaultPipelinePolicy() PipelinePolicy {
	return PipelinePolicy{
		BucketSize:             time.Hour,
		GracePeriod:            48 * time.Hour,
		ReopenSettle:           time.Hour,
		FutureSkew:             5 * time.Minute,
		BillingPeriod:          "monthly",
		FinalizeDeadline:       72 * time.Hour,
		RecomputeInterval:      time.Hour,
		CountReconcileInterval: time.Hour,
		SumReconcileInterval:   24 * time.Hour,
		DriftToleranceBPS:      1,
	}
}

// ErrImmutablePolicyKey rejects a reload that changes a key fixed at startup.
var ErrImmutablePolicyKey = errors.New("immutable pipeline policy key")

// PolicyProvider exposes the current pipeline policy.
type PolicyProvider interface {
	Get() PipelinePolicy
}

type PipelinePolicyHolder struct {
	current atomic.Value // holds PipelinePolicy
}

// NewStaticPolicy returns a holder that never reloads.
func NewStaticPolicy(p PipelinePolicy) *PipelinePolicyHolder {
	holder := &PipelinePolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPipelinePolicyHolder(cfg Config, log *zap.Logger) (*PipelinePolicyHolder, error) {
	log = log.Named("config.pipeline")
	v := viper.New()

	if file := strings.TrimSpace(cfg.PolicyFile); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pipeline")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/meterflow")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("METERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPipelinePolicy()
	v.SetDefault("pipeline.bucket_size", defaults.BucketSize)
	v.SetDefault("pipeline.grace_period", defaults.GracePeriod)
	v.SetDefault("pipeline.reopen_settle", defaults.ReopenSettle)
	v.SetDefault("pipeline.event_retention", defaults.EventRetention)
	v.SetDefault("pipeline.future_skew", defaults.FutureSkew)
	v.SetDefault("pipeline.billing_period", defaults.BillingPeriod)
	v.SetDefault("pipeline.finalize_deadline", defaults.FinalizeDeadline)
	v.SetDefault("pipeline.recompute_interval", defaults.RecomputeInterval)
	v.SetDefault("pipeline.count_reconcile_interval", defaults.CountReconcileInterval)
	v.SetDefault("pipeline.sum_reconcile_interval", defaults.SumReconcileInterval)
	v.SetDefault("pipeline.drift_tolerance_bps", defaults.DriftToleranceBPS)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy PipelinePolicy
	if err := v.UnmarshalKey("pipeline", &policy); err != nil {
		return nil, err
	}
	if err := ValidatePipelinePolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicy(policy)
	if !fileLoaded {
		log.Info("pipeline policy file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelinePolicy
		if err := v.UnmarshalKey("pipeline", &updated); err != nil {
			log.Warn("pipeline policy reload failed", zap.Error(err))
			return
		}
		holder.reload(updated, e.Name, log)
	})

	return holder, nil
}

func (h *PipelinePolicyHolder) Get() PipelinePolicy {
	return h.current.Load().(PipelinePolicy)
}

// reload swaps in updated unless it is invalid or changes an immutable key.
// A rejected reload keeps the running policy.
func (h *PipelinePolicyHolder) reload(updated PipelinePolicy, file string, log *zap.Logger) bool {
	if err := ValidatePipelinePolicy(updated); err != nil {
		log.Warn("invalid pipeline policy ignored", zap.String("file", file), zap.Error(err))
		return false
	}
	if err := checkImmutable(h.Get(), updated); err != nil {
		log.Error("pipeline policy reload rejected, restart to apply", zap.String("file", file), zap.Error(err))
		return false
	}
	h.current.Store(updated)
	log.Info("pipeline policy reloaded", zap.String("file", file))
	return true
}

func checkImmutable(current, updated PipelinePolicy) error {
	if current.BucketSize != updated.BucketSize {
		return fmt.Errorf("%w: bucket_size %s -> %s", ErrImmutablePolicyKey, current.BucketSize, updated.BucketSize)
	}
	if normalizeCadence(current.BillingPeriod) != normalizeCadence(updated.BillingPeriod) {
		return fmt.Errorf("%w: billing_period %s -> %s", ErrImmutablePolicyKey, current.BillingPeriod, updated.BillingPeriod)
	}
	return nil
}

func normalizeCadence(cadence string) string {
	return strings.ToLower(strings.TrimSpace(cadence))
}

func ValidatePipelinePolicy(p PipelinePolicy) error {
	if p.BucketSize <= 0 {
		return errors.New("pipeline.bucket_size must be positive")
	}
	if (24*time.Hour)%p.BucketSize != 0 {
		return errors.New("pipeline.bucket_size must divide a day evenly")
	}
	if p.GracePeriod < 0 || p.ReopenSettle < 0 || p.FutureSkew < 0 || p.FinalizeDeadline < 0 {
		return errors.New("pipeline durations cannot be negative")
	}
	switch normalizeCadence(p.BillingPeriod) {
	case "monthly", "weekly", "daily":
	default:
		return errors.New("pipeline.billing_period must be monthly, weekly or daily")
	}
	if p.DriftToleranceBPS <= 0 {
		return errors.New("pipeline.drift_tolerance_bps must be greater than zero")
	}
	if p.EventRetention < 0 {
		return errors.New("pipeline.event_retention cannot be negative")
	}
	if p.EventRetention > 0 && p.EventRetention < p.GracePeriod+p.FinalizeDeadline {
		return errors.New("pipeline.event_retention must cover grace_period plus finalize_deadline")
	}
	if p.RecomputeInterval <= 0 || p.CountReconcileInterval <= 0 || p.SumReconcileInterval <= 0 {
		return errors.New("pipeline intervals must be positive")
	}
	return nil
}
