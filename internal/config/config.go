package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the streamdex server configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Source    SourceConfig    `yaml:"source"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Index     IndexConfig     `yaml:"index"`
	Query     QueryConfig     `yaml:"query"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SourceConfig describes the watched JSONL input.
type SourceConfig struct {
	Path           string         `yaml:"path"`
	PollIntervalMs int            `yaml:"poll_interval_ms"`
	UseFSNotify    *bool          `yaml:"use_fsnotify"` // default true
	Fields         FieldMapConfig `yaml:"fields"`
}

// PollInterval returns the polling window.
func (s SourceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// FSNotify reports whether file notifications are enabled.
func (s SourceConfig) FSNotify() bool {
	return s.UseFSNotify == nil || *s.UseFSNotify
}

// FieldMapConfig maps record keys onto document fields.
type FieldMapConfig struct {
	ID           string   `yaml:"id_field"`
	Text         string   `yaml:"text_field"`
	FallbackText string   `yaml:"fallback_text_field"`
	Metadata     []string `yaml:"metadata_fields"`
	Timestamp    string   `yaml:"timestamp_field"`
	Deleted      string   `yaml:"deleted_field"`
}

// ChunkingConfig holds chunker settings.
type ChunkingConfig struct {
	MaxTokens     int  `yaml:"max_tokens"`
	OverlapTokens *int `yaml:"overlap_tokens"` // default 40
}

// Overlap returns the configured overlap.
func (c ChunkingConfig) Overlap() int {
	if c.OverlapTokens == nil {
		return 0
	}
	return *c.OverlapTokens
}

// EmbeddingConfig holds embedding provider, batching and cache settings.
type EmbeddingConfig struct {
	Provider            string      `yaml:"provider"` // static, openai (default: static)
	Model               string      `yaml:"model"`
	Dimensions          int         `yaml:"dimensions"`
	APIKey              string      `yaml:"api_key"`
	BaseURL             string      `yaml:"base_url"`
	BatchSize           int         `yaml:"batch_size"`
	MaxAttempts         int         `yaml:"max_attempts"`
	InitialBackoffMs    int         `yaml:"initial_backoff_ms"`
	MaxBackoffMs        int         `yaml:"max_backoff_ms"`
	RateLimitRPS        float64     `yaml:"rate_limit_rps"` // 0 = unlimited
	DocumentInstruction string      `yaml:"document_instruction"`
	QueryInstruction    string      `yaml:"query_instruction"`
	Cache               CacheConfig `yaml:"cache"`
}

// CacheConfig holds embedding cache settings.
type CacheConfig struct {
	Driver           string   `yaml:"driver"` // memory, redis, none (default: memory)
	Size             int      `yaml:"size"`
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	TTLSec           int      `yaml:"ttl_sec"` // 0 = no expiry
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// PipelineConfig holds ingestion pipeline settings.
type PipelineConfig struct {
	Workers         int `yaml:"workers"` // 0 = GOMAXPROCS
	QueueBound      int `yaml:"queue_bound"`
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

// IndexConfig holds index settings.
type IndexConfig struct {
	Shards int       `yaml:"shards"`
	ANN    ANNConfig `yaml:"ann"`
}

// ANNConfig holds the optional HNSW accelerator settings.
type ANNConfig struct {
	Enabled    bool `yaml:"enabled"`
	MinChunks  int  `yaml:"min_chunks"`
	M          int  `yaml:"m"`
	EfSearch   int  `yaml:"ef_search"`
	Oversample int  `yaml:"oversample"`
}

// QueryConfig holds query limits and the filterable metadata keys.
type QueryConfig struct {
	DefaultK         int      `yaml:"default_k"`
	MaxK             int      `yaml:"max_k"`
	DefaultTimeoutMs int      `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int      `yaml:"max_timeout_ms"`
	FilterFields     []string `yaml:"filter_fields"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from an explicit path. A .env file in the
// working directory, if present, is loaded into the environment first.
func LoadFile(configPath string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse expands ${VAR} references in data, decodes it, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Host == "" {
		c.HTTP.Host = "0.0.0.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 35
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}

	if c.Source.PollIntervalMs <= 0 {
		c.Source.PollIntervalMs = 500
	}
	f := &c.Source.Fields
	if f.ID == "" {
		f.ID = "id"
	}
	if f.Text == "" {
		f.Text = "body"
		if f.FallbackText == "" {
			f.FallbackText = "text"
		}
	}
	if f.Metadata == nil {
		f.Metadata = []string{"headline"}
	}
	if f.Timestamp == "" {
		f.Timestamp = "timestamp"
	}
	if f.Deleted == "" {
		f.Deleted = "deleted"
	}

	if c.Chunking.MaxTokens <= 0 {
		c.Chunking.MaxTokens = 400
	}
	if c.Chunking.OverlapTokens == nil {
		overlap := min(40, c.Chunking.MaxTokens/2)
		c.Chunking.OverlapTokens = &overlap
	}

	e := &c.Embedding
	if e.Provider == "" {
		e.Provider = "static"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 384
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 32
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}
	if e.InitialBackoffMs <= 0 {
		e.InitialBackoffMs = 200
	}
	if e.MaxBackoffMs <= 0 {
		e.MaxBackoffMs = 5000
	}
	if e.Cache.Driver == "" {
		e.Cache.Driver = "memory"
	}
	if e.Cache.Size <= 0 {
		e.Cache.Size = 100_000
	}
	if e.Cache.ReadinessTimeout <= 0 {
		e.Cache.ReadinessTimeout = 10
	}

	if c.Pipeline.QueueBound <= 0 {
		c.Pipeline.QueueBound = 1024
	}
	if c.Pipeline.DrainTimeoutSec <= 0 {
		c.Pipeline.DrainTimeoutSec = 30
	}

	if c.Index.Shards <= 0 {
		c.Index.Shards = 64
	}

	q := &c.Query
	if q.DefaultK <= 0 {
		q.DefaultK = 10
	}
	if q.MaxK <= 0 {
		q.MaxK = 100
	}
	if q.DefaultTimeoutMs <= 0 {
		q.DefaultTimeoutMs = 2000
	}
	if q.MaxTimeoutMs <= 0 {
		q.MaxTimeoutMs = 30_000
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}
	if o := c.Chunking.Overlap(); o < 0 || o >= c.Chunking.MaxTokens {
		return fmt.Errorf(
			"chunking.overlap_tokens must be in [0, max_tokens), got %d with max_tokens %d",
			o, c.Chunking.MaxTokens,
		)
	}

	switch c.Embedding.Provider {
	case "static":
	case "openai":
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding.model is required for provider openai")
		}
	default:
		return fmt.Errorf("embedding.provider must be \"static\" or \"openai\", got %q", c.Embedding.Provider)
	}
	if c.Embedding.InitialBackoffMs > c.Embedding.MaxBackoffMs {
		return fmt.Errorf("embedding.initial_backoff_ms must not exceed embedding.max_backoff_ms")
	}
	if c.Embedding.RateLimitRPS < 0 {
		return fmt.Errorf("embedding.rate_limit_rps must not be negative")
	}

	switch c.Embedding.Cache.Driver {
	case "memory", "none":
	case "redis":
		if len(c.Embedding.Cache.Addrs) == 0 {
			return fmt.Errorf("embedding.cache.addrs is required for driver redis")
		}
	default:
		return fmt.Errorf(
			"embedding.cache.driver must be \"memory\", \"redis\" or \"none\", got %q",
			c.Embedding.Cache.Driver,
		)
	}

	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if c.Query.DefaultK > c.Query.MaxK {
		return fmt.Errorf("query.default_k must not exceed query.max_k, got %d > %d", c.Query.DefaultK, c.Query.MaxK)
	}
	if c.Query.DefaultTimeoutMs > c.Query.MaxTimeoutMs {
		return fmt.Errorf("query.default_timeout_ms must not exceed query.max_timeout_ms")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
