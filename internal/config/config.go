package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Analytics AnalyticsConfig
	Archive   ArchiveConfig
	Redis     RedisConfig
	Ingest    IngestConfig
	RateLimit RateLimitConfig
	OpsSignal OpsSignalConfig
	Scheduler SchedulerConfig
	Bootstrap BootstrapConfig

	Observability ObservabilityConfig

	PolicyFile string
}

// ObservabilityConfig covers logs, traces and OTLP metrics.
type ObservabilityConfig struct {
	LogLevel           string
	LogFormat          string
	LogSampleInitial   int
	LogSampleAfter     int
	SlowQueryThreshold time.Duration

	OtelEnabled  bool
	OtelEndpoint string
	OtelProtocol string
	OtelSampling float64
}

// AnalyticsConfig describes the analytical warehouse copy. Disabled when Type is empty.
type AnalyticsConfig struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c AnalyticsConfig) Enabled() bool {
	return strings.TrimSpace(c.Type) != ""
}

// ArchiveConfig describes the S3-compatible archival copy. Disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

func (c ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type IngestConfig struct {
	MaxInFlight  int
	QueueTimeout time.Duration
	MaxBatchSize int
}

type RateLimitConfig struct {
	Enabled       bool
	FailOpen      bool
	UsageIngest   int
	UsageBurst    int
	WindowSeconds int
}

type OpsSignalConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Job       string
}

// SchedulerConfig controls the background pipeline jobs. An empty Jobs list
// enables every job.
type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	Jobs        []string
}

// BootstrapConfig seeds one tenant on startup so a fresh install can ingest.
// EventTypes entries are "code:unit:unit_price:currency".
type BootstrapConfig struct {
	TenantID   string
	EventTypes []string
	AdminKey   bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "meterflow"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Analytics: AnalyticsConfig{
			Type:     strings.ToLower(strings.TrimSpace(getenv("ANALYTICS_DATABASE_TYPE", ""))),
			Host:     getenv("ANALYTICS_DATABASE_HOST", "localhost"),
			Port:     getenv("ANALYTICS_DATABASE_PORT", "5432"),
			Name:     getenv("ANALYTICS_DATABASE_NAME", "meterflow_analytics"),
			User:     getenv("ANALYTICS_DATABASE_USER", "postgres"),
			Password: getenv("ANALYTICS_DATABASE_PASSWORD", ""),
			SSLMode:  getenv("ANALYTICS_DATABASE_SSLMODE", "disable"),
		},
		Archive: ArchiveConfig{
			Bucket:       strings.TrimSpace(getenv("ARCHIVE_BUCKET", "")),
			Prefix:       strings.Trim(getenv("ARCHIVE_PREFIX", "usage-events"), "/"),
			Endpoint:     strings.TrimSpace(getenv("ARCHIVE_ENDPOINT", "")),
			Region:       getenv("ARCHIVE_REGION", "us-east-1"),
			AccessKey:    strings.TrimSpace(getenv("ARCHIVE_ACCESS_KEY", "")),
			SecretKey:    strings.TrimSpace(getenv("ARCHIVE_SECRET_KEY", "")),
			UsePathStyle: getenvBool("ARCHIVE_USE_PATH_STYLE", true),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Ingest: IngestConfig{
			MaxInFlight:  getenvInt("INGEST_MAX_IN_FLIGHT", 256),
			QueueTimeout: getenvDuration("INGEST_QUEUE_TIMEOUT", 2*time.Second),
			MaxBatchSize: getenvInt("INGEST_MAX_BATCH_SIZE", 500),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			FailOpen:      getenvBool("RATE_LIMIT_FAIL_OPEN", true),
			UsageIngest:   getenvInt("RATE_LIMIT_USAGE_INGEST", 1000),
			UsageBurst:    getenvInt("RATE_LIMIT_USAGE_BURST", 2000),
			WindowSeconds: getenvInt("RATE_LIMIT_WINDOW_SECONDS", 1),
		},
		OpsSignal: OpsSignalConfig{
			Enabled:   getenvBool("OPS_SIGNAL_ENABLED", false),
			Exporter:  strings.ToLower(getenv("OPS_SIGNAL_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("OPS_SIGNAL_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("OPS_SIGNAL_AUTH_TOKEN", "")),
			Job:       getenv("OPS_SIGNAL_JOB", "meterflow"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			JobTimeout:  getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
			Jobs:        getenvList("SCHEDULER_JOBS"),
		},
		Bootstrap: BootstrapConfig{
			TenantID:   strings.TrimSpace(getenv("BOOTSTRAP_TENANT_ID", "")),
			EventTypes: getenvList("BOOTSTRAP_EVENT_TYPES"),
			AdminKey:   getenvBool("BOOTSTRAP_ADMIN_API_KEY", true),
		},
		Observability: ObservabilityConfig{
			LogLevel:           strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:          strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			LogSampleInitial:   getenvInt("LOG_SAMPLE_INITIAL", 100),
			LogSampleAfter:     getenvInt("LOG_SAMPLE_THEREAFTER", 100),
			SlowQueryThreshold: getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
			OtelEnabled:        getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:       strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:       otlpProtocol(),
			OtelSampling:       getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		PolicyFile: getenv("PIPELINE_POLICY_FILE", ""),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// otlpProtocol prefers the trace-specific variable, as the OTLP exporters do.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	return strings.ToLower(strings.TrimSpace(protocol))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
