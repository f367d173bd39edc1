package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/patentradar/patent-signals/internal/utils"
)

// Config captures every setting the signal engine needs to boot.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Clients     ClientsConfig     `yaml:"clients"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Detection   DetectionConfig   `yaml:"detection"`
	Novelty     NoveltyConfig     `yaml:"novelty"`
	Matching    MatchingConfig    `yaml:"matching"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Runs        RunsConfig        `yaml:"runs"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
	Reflection      bool          `yaml:"reflection"`
	MaxRecvMsgBytes int           `yaml:"maxRecvMsgBytes" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects the relational backend holding bins, signals, scores and alerts.
type StoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"maxIdleConns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	OpTimeout       time.Duration `yaml:"opTimeout" validate:"gt=0"`
}

// CacheConfig controls the Valkey cache used for lookups and run leases.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries" validate:"gte=0"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	NeighborsTTL time.Duration `yaml:"neighborsTTL"`
	TopicTTL     time.Duration `yaml:"topicTTL"`
	RunLeaseTTL  time.Duration `yaml:"runLeaseTTL"`
}

// ClientsConfig groups the collaborator endpoints.
type ClientsConfig struct {
	Ingestion IngestionClientConfig `yaml:"ingestion"`
	Index     IndexClientConfig     `yaml:"index"`
	Topics    TopicClientConfig     `yaml:"topics"`
}

// IngestionClientConfig configures the patent feed.
type IngestionClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	PatentsPath string        `yaml:"patentsPath"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// IndexClientConfig configures the Qdrant nearest-neighbour index.
type IndexClientConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	APIKey     string        `yaml:"apiKey"`
	Collection string        `yaml:"collection" validate:"required"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	RateLimit  float64       `yaml:"rateLimit" validate:"gte=0"`
	Burst      int           `yaml:"burst" validate:"gte=0"`
}

// TopicClientConfig configures the topic-clustering lookup.
type TopicClientConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	TopicPath string        `yaml:"topicPath"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
}

// AggregationConfig controls weekly binning.
type AggregationConfig struct {
	LatenessWindow time.Duration `yaml:"latenessWindow" validate:"gt=0"`
	CursorOverlap  time.Duration `yaml:"cursorOverlap" validate:"gte=0"`
	// InitialLookback bounds the first fetch when no cursor exists yet.
	InitialLookback time.Duration `yaml:"initialLookback" validate:"gt=0"`
}

// DetectionConfig controls the acceleration z-score.
type DetectionConfig struct {
	MinHistoryWeeks      int     `yaml:"minHistoryWeeks" validate:"gte=2"`
	BaselineWeeks        int     `yaml:"baselineWeeks" validate:"gtefield=MinHistoryWeeks"`
	ZThreshold           float64 `yaml:"zThreshold" validate:"gt=0"`
	SeasonalWindowWeeks  int     `yaml:"seasonalWindowWeeks" validate:"gte=3"`
	SeasonalHistoryWeeks int     `yaml:"seasonalHistoryWeeks" validate:"gte=52"`
}

// NoveltyConfig controls feature construction and the scoring artifact.
type NoveltyConfig struct {
	Neighbors         int     `yaml:"neighbors" validate:"gte=1"`
	CalibrationWindow int     `yaml:"calibrationWindow" validate:"gte=0"`
	CalibrationMin    float64 `yaml:"calibrationMin"`
	CalibrationMax    float64 `yaml:"calibrationMax" validate:"gtfield=CalibrationMin"`
	CPCBreadthCap     int     `yaml:"cpcBreadthCap" validate:"gte=1"`
	CitationCap       int     `yaml:"citationCap" validate:"gte=1"`
	RecentDays        int     `yaml:"recentDays" validate:"gte=1"`
	ModelPath         string  `yaml:"modelPath"`
	HighCutoff        float64 `yaml:"highCutoff" validate:"gte=0,lte=100"`
}

// MatchingConfig controls watchlist rule evaluation.
type MatchingConfig struct {
	MinNewFilings int           `yaml:"minNewFilings" validate:"gte=1"`
	EvidenceScale float64       `yaml:"evidenceScale" validate:"gt=0"`
	Lookback      time.Duration `yaml:"lookback" validate:"gt=0"`
}

// AlertsConfig controls debouncing.
type AlertsConfig struct {
	DebounceWindow time.Duration `yaml:"debounceWindow" validate:"gt=0"`
}

// RunsConfig bounds fan-out and retries inside a run.
type RunsConfig struct {
	Concurrency    int           `yaml:"concurrency" validate:"gte=1"`
	RetryAttempts  uint          `yaml:"retryAttempts" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initialBackoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" validate:"gtefield=InitialBackoff"`
	UnitTimeout    time.Duration `yaml:"unitTimeout" validate:"gt=0"`
}

// RetryPolicy converts the run settings into the shared retry policy.
func (r RunsConfig) RetryPolicy() utils.RetryPolicy {
	return utils.RetryPolicy{MaxAttempts: r.RetryAttempts, InitialInterval: r.InitialBackoff, MaxInterval: r.MaxBackoff}
}

// ScheduleConfig drives the in-process scheduler in serve mode.
type ScheduleConfig struct {
	Enabled             bool          `yaml:"enabled"`
	AggregationInterval time.Duration `yaml:"aggregationInterval"`
	DetectionInterval   time.Duration `yaml:"detectionInterval"`
	ScoringInterval     time.Duration `yaml:"scoringInterval"`
	EvaluationInterval  time.Duration `yaml:"evaluationInterval"`
}

// DeliveryConfig configures the alert handoff.
type DeliveryConfig struct {
	WebhookURL string            `yaml:"webhookURL" validate:"omitempty,url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout" validate:"gt=0"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Stdout  bool `yaml:"stdout"`
}

var validate = validator.New()

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PATENT_SIGNALS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

// Validate checks field constraints and returns a configuration error listing each failure.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return utils.Configuration("config.validate", "invalid fields: "+strings.Join(fields, ", "), nil)
		}
		return utils.Configuration("config.validate", "invalid config", err)
	}
	if c.Detection.SeasonalWindowWeeks%2 == 0 {
		return utils.Configuration("config.validate", "detection.seasonalWindowWeeks must be odd", nil)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			Reflection:      true,
			MaxRecvMsgBytes: 4 << 20,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "file:patent-signals.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
			OpTimeout:       5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "patent-signals",
			NeighborsTTL: 24 * time.Hour,
			TopicTTL:     6 * time.Hour,
			RunLeaseTTL:  30 * time.Minute,
		},
		Clients: ClientsConfig{
			Ingestion: IngestionClientConfig{PatentsPath: "/api/v1/patents", Timeout: 10 * time.Second},
			Index:     IndexClientConfig{Collection: "patents", Timeout: 5 * time.Second, RateLimit: 20, Burst: 10},
			Topics:    TopicClientConfig{TopicPath: "/api/v1/topics/patents", Timeout: 5 * time.Second},
		},
		Aggregation: AggregationConfig{
			LatenessWindow:  14 * 24 * time.Hour,
			CursorOverlap:   24 * time.Hour,
			InitialLookback: 3 * 365 * 24 * time.Hour,
		},
		Detection: DetectionConfig{
			MinHistoryWeeks:      12,
			BaselineWeeks:        52,
			ZThreshold:           2.0,
			SeasonalWindowWeeks:  13,
			SeasonalHistoryWeeks: 104,
		},
		Novelty: NoveltyConfig{
			Neighbors:         50,
			CalibrationWindow: 1000,
			CalibrationMin:    0,
			CalibrationMax:    1,
			CPCBreadthCap:     5,
			CitationCap:       100,
			RecentDays:        30,
			HighCutoff:        80,
		},
		Matching: MatchingConfig{
			MinNewFilings: 5,
			EvidenceScale: 2,
			Lookback:      7 * 24 * time.Hour,
		},
		Alerts: AlertsConfig{DebounceWindow: 7 * 24 * time.Hour},
		Runs: RunsConfig{
			Concurrency:    8,
			RetryAttempts:  3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			UnitTimeout:    30 * time.Second,
		},
		Schedule: ScheduleConfig{
			AggregationInterval: 24 * time.Hour,
			DetectionInterval:   7 * 24 * time.Hour,
			ScoringInterval:     24 * time.Hour,
			EvaluationInterval:  24 * time.Hour,
		},
		Delivery: DeliveryConfig{Timeout: 10 * time.Second},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PATENT_SIGNALS_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("PATENT_SIGNALS_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("PATENT_SIGNALS_GRPC_REFLECTION"); v != "" {
		cfg.Server.Reflection = parseBool(v)
	}
	if v := os.Getenv("PATENT_SIGNALS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PATENT_SIGNALS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("PATENT_SIGNALS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PATENT_SIGNALS_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("PATENT_SIGNALS_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("PATENT_SIGNALS_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("PATENT_SIGNALS_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("PATENT_SIGNALS_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("PATENT_SIGNALS_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("PATENT_SIGNALS_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("PATENT_SIGNALS_INGESTION_URL"); v != "" {
		cfg.Clients.Ingestion.BaseURL = v
	}
	if v := os.Getenv("PATENT_SIGNALS_INDEX_URL"); v != "" {
		cfg.Clients.Index.BaseURL = v
	}
	if v := os.Getenv("PATENT_SIGNALS_INDEX_API_KEY"); v != "" {
		cfg.Clients.Index.APIKey = v
	}
	if v := os.Getenv("PATENT_SIGNALS_INDEX_COLLECTION"); v != "" {
		cfg.Clients.Index.Collection = v
	}
	if v := os.Getenv("PATENT_SIGNALS_TOPICS_URL"); v != "" {
		cfg.Clients.Topics.BaseURL = v
	}
	if v := os.Getenv("PATENT_SIGNALS_NOVELTY_MODEL"); v != "" {
		cfg.Novelty.ModelPath = v
	}
	if v := os.Getenv("PATENT_SIGNALS_Z_THRESHOLD"); v != "" {
		if z, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.ZThreshold = z
		}
	}
	if v := os.Getenv("PATENT_SIGNALS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runs.Concurrency = n
		}
	}
	if v := os.Getenv("PATENT_SIGNALS_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerts.DebounceWindow = d
		}
	}
	if v := os.Getenv("PATENT_SIGNALS_SCHEDULE_ENABLED"); v != "" {
		cfg.Schedule.Enabled = parseBool(v)
	}
	if v := os.Getenv("PATENT_SIGNALS_WEBHOOK_URL"); v != "" {
		cfg.Delivery.WebhookURL = v
	}
	if v := os.Getenv("PATENT_SIGNALS_TRACING"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
		cfg.Tracing.Stdout = cfg.Tracing.Enabled
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
