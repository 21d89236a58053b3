// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Search engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Evaluation configuration
	Evaluation EvaluationConfig `yaml:"evaluation"`

	// Qrels auto-labeling configuration
	Labeling LabelingConfig `yaml:"labeling"`

	// Search cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Report history configuration
	History HistoryConfig `yaml:"history"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// EngineConfig holds Elasticsearch connection settings.
type EngineConfig struct {
	URLs           string   `envconfig:"RECIPE_ES_URLS" yaml:"urls"` // comma-separated
	Index          string   `envconfig:"RECIPE_ES_INDEX" yaml:"index"`
	Fields         []string `envconfig:"RECIPE_ES_FIELDS" yaml:"fields"`
	Username       string   `envconfig:"RECIPE_ES_USERNAME" yaml:"username"`
	Password       string   `envconfig:"RECIPE_ES_PASSWORD" yaml:"password"`
	TimeoutSeconds int      `envconfig:"RECIPE_ES_TIMEOUT" yaml:"timeout_seconds"`
	QPS            float64  `envconfig:"RECIPE_ES_QPS" yaml:"qps"` // 0 = unthrottled
	DocCacheSize   int      `envconfig:"RECIPE_ES_DOC_CACHE_SIZE" yaml:"doc_cache_size"`
	BulkSize       int      `envconfig:"RECIPE_ES_BULK_SIZE" yaml:"bulk_size"`
	BulkWorkers    int      `envconfig:"RECIPE_ES_BULK_WORKERS" yaml:"bulk_workers"`
}

// EvaluationConfig holds comparison run settings.
type EvaluationConfig struct {
	QueriesFile        string  `envconfig:"RECIPE_QUERIES_FILE" yaml:"queries_file"`
	QrelsFile          string  `envconfig:"RECIPE_QRELS_FILE" yaml:"qrels_file"`
	QrelsFormat        string  `envconfig:"RECIPE_QRELS_FORMAT" yaml:"qrels_format"`
	TopK               int     `envconfig:"RECIPE_TOP_K" yaml:"top_k"`
	QueryIDStart       int     `envconfig:"RECIPE_QUERY_ID_START" yaml:"query_id_start"`
	RelevanceThreshold int     `envconfig:"RECIPE_RELEVANCE_THRESHOLD" yaml:"relevance_threshold"`
	BM25K1             float64 `envconfig:"RECIPE_BM25_K1" yaml:"bm25_k1"`
	BM25B              float64 `envconfig:"RECIPE_BM25_B" yaml:"bm25_b"`
	ReportFile         string  `envconfig:"RECIPE_REPORT_FILE" yaml:"report_file"`
	RunDir             string  `envconfig:"RECIPE_RUN_DIR" yaml:"run_dir"`
	SampleQueries      int     `envconfig:"RECIPE_SAMPLE_QUERIES" yaml:"sample_queries"`
	SampleResults      int     `envconfig:"RECIPE_SAMPLE_RESULTS" yaml:"sample_results"`
}

// LabelingConfig holds the parameters used to auto-generate qrels.
type LabelingConfig struct {
	K1    float64 `envconfig:"RECIPE_LABEL_K1" yaml:"k1"`
	B     float64 `envconfig:"RECIPE_LABEL_B" yaml:"b"`
	Depth int     `envconfig:"RECIPE_LABEL_DEPTH" yaml:"depth"`
}

// CacheConfig holds search cache settings.
type CacheConfig struct {
	Type     string `envconfig:"RECIPE_CACHE_TYPE" yaml:"type"`
	Size     int    `envconfig:"RECIPE_CACHE_SIZE" yaml:"size"`
	TTL      int    `envconfig:"RECIPE_CACHE_TTL" yaml:"ttl"` // seconds, 0 = no expiry
	RedisURL string `envconfig:"RECIPE_REDIS_URL" yaml:"redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"RECIPE_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"RECIPE_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"RECIPE_KAFKA_GROUP" yaml:"kafka_group"`
	EventLog     string `envconfig:"RECIPE_BUS_EVENT_LOG" yaml:"event_log"` // JSONL file, empty = off
}

// HistoryConfig holds report history settings.
type HistoryConfig struct {
	Enabled        bool   `envconfig:"RECIPE_HISTORY_ENABLED" yaml:"enabled"`
	RedisURL       string `envconfig:"RECIPE_HISTORY_REDIS_URL" yaml:"redis_url"`
	RetentionHours int    `envconfig:"RECIPE_HISTORY_RETENTION_HOURS" yaml:"retention_hours"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"RECIPE_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"RECIPE_LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Engine = EngineConfig{
		URLs:           "http://localhost:9200",
		Index:          "recipes",
		Fields:         []string{"contents"},
		TimeoutSeconds: 30,
		DocCacheSize:   1024,
		BulkSize:       500,
		BulkWorkers:    2,
	}

	cfg.Evaluation = EvaluationConfig{
		QueriesFile:        "data/recipes/recipes-queries.txt",
		QrelsFile:          "data/recipes/recipes-qrels.txt",
		QrelsFormat:        "simple",
		TopK:               10,
		QueryIDStart:       1,
		RelevanceThreshold: 1,
		BM25K1:             1.2,
		BM25B:              0.75,
		ReportFile:         "retrieval_comparison_results.json",
		SampleQueries:      3,
		SampleResults:      5,
	}

	cfg.Labeling = LabelingConfig{
		K1:    0.9,
		B:     0.4,
		Depth: 10,
	}

	cfg.Cache = CacheConfig{
		Type:     "none",
		Size:     10000,
		TTL:      0,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "recipe-eval",
	}

	cfg.History = HistoryConfig{
		Enabled:        false,
		RedisURL:       "redis://localhost:6379",
		RetentionHours: 24 * 30,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Engine validation
	if len(c.Engine.URLList()) == 0 {
		errs = append(errs, "engine urls must not be empty")
	}
	if strings.TrimSpace(c.Engine.Index) == "" {
		errs = append(errs, "engine index must not be empty")
	}
	if len(c.Engine.Fields) == 0 {
		errs = append(errs, "engine fields must not be empty")
	}
	if c.Engine.TimeoutSeconds < 1 {
		errs = append(errs, "engine timeout_seconds must be positive")
	}
	if c.Engine.QPS < 0 {
		errs = append(errs, "engine qps must not be negative")
	}
	if c.Engine.BulkSize < 1 {
		errs = append(errs, "engine bulk_size must be positive")
	}
	if c.Engine.BulkWorkers < 1 {
		errs = append(errs, "engine bulk_workers must be positive")
	}

	// Evaluation validation
	if c.Evaluation.TopK < 1 {
		errs = append(errs, "top_k must be positive")
	}
	if c.Evaluation.QueryIDStart < 0 {
		errs = append(errs, "query_id_start must not be negative")
	}
	if c.Evaluation.RelevanceThreshold < 1 {
		errs = append(errs, "relevance_threshold must be at least 1")
	}
	errs = append(errs, validateBM25("bm25", c.Evaluation.BM25K1, c.Evaluation.BM25B)...)

	validQrelsFormats := map[string]bool{"simple": true, "trec": true}
	if !validQrelsFormats[c.Evaluation.QrelsFormat] {
		errs = append(errs, fmt.Sprintf("invalid qrels format: %s (must be simple or trec)", c.Evaluation.QrelsFormat))
	}

	// Labeling validation
	errs = append(errs, validateBM25("labeling", c.Labeling.K1, c.Labeling.B)...)
	if c.Labeling.Depth < 1 {
		errs = append(errs, "labeling depth must be positive")
	}

	// Cache validation
	validCacheTypes := map[string]bool{"none": true, "memory": true, "redis": true}
	if !validCacheTypes[c.Cache.Type] {
		errs = append(errs, fmt.Sprintf("invalid cache type: %s (must be none, memory, or redis)", c.Cache.Type))
	}
	if c.Cache.Type == "memory" && c.Cache.Size < 1 {
		errs = append(errs, "cache size must be positive")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required when bus type is kafka")
	}

	// History validation
	if c.History.Enabled && c.History.RetentionHours < 1 {
		errs = append(errs, "history retention_hours must be positive")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateBM25(prefix string, k1, b float64) []string {
	var errs []string
	if k1 < 0 || math.IsNaN(k1) || math.IsInf(k1, 0) {
		errs = append(errs, fmt.Sprintf("%s k1 must be a finite non-negative number", prefix))
	}
	if b < 0 || b > 1 || math.IsNaN(b) {
		errs = append(errs, fmt.Sprintf("%s b must be between 0 and 1", prefix))
	}
	return errs
}

// URLList splits the comma-separated engine URLs.
func (e EngineConfig) URLList() []string {
	var urls []string
	for _, u := range strings.Split(e.URLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Timeout returns the per-call engine timeout.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// TTLDuration returns the cache entry lifetime; zero means no expiry.
func (c CacheConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// Retention returns how long reports are kept in history.
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionHours) * time.Hour
}
