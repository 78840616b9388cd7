package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Config{Source: SourceConfig{Path: "data/news.jsonl"}}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if got := cfg.HTTP.Addr(); got != "0.0.0.0:8000" {
		t.Errorf("expected addr 0.0.0.0:8000, got %q", got)
	}
	if cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("expected ShutdownSec=10, got %d", cfg.HTTP.ShutdownSec)
	}
	if cfg.Source.PollIntervalMs != 500 {
		t.Errorf("expected PollIntervalMs=500, got %d", cfg.Source.PollIntervalMs)
	}
	if !cfg.Source.FSNotify() {
		t.Error("expected fsnotify enabled by default")
	}
	if cfg.Source.Fields.ID != "id" || cfg.Source.Fields.Text != "body" || cfg.Source.Fields.FallbackText != "text" {
		t.Errorf("unexpected field mapping: %+v", cfg.Source.Fields)
	}
	if len(cfg.Source.Fields.Metadata) != 1 || cfg.Source.Fields.Metadata[0] != "headline" {
		t.Errorf("expected metadata [headline], got %v", cfg.Source.Fields.Metadata)
	}
	if cfg.Chunking.MaxTokens != 400 || cfg.Chunking.Overlap() != 40 {
		t.Errorf("expected chunking 400/40, got %d/%d", cfg.Chunking.MaxTokens, cfg.Chunking.Overlap())
	}
	if cfg.Embedding.Provider != "static" || cfg.Embedding.Dimensions != 384 {
		t.Errorf("expected static/384, got %s/%d", cfg.Embedding.Provider, cfg.Embedding.Dimensions)
	}
	if cfg.Embedding.BatchSize != 32 || cfg.Embedding.MaxAttempts != 3 {
		t.Errorf("expected batch 32 attempts 3, got %d/%d", cfg.Embedding.BatchSize, cfg.Embedding.MaxAttempts)
	}
	if cfg.Embedding.Cache.Driver != "memory" {
		t.Errorf("expected cache driver memory, got %q", cfg.Embedding.Cache.Driver)
	}
	if cfg.Pipeline.QueueBound != 1024 || cfg.Pipeline.DrainTimeoutSec != 30 {
		t.Errorf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Query.DefaultK != 10 || cfg.Query.MaxK != 100 {
		t.Errorf("unexpected query defaults: %+v", cfg.Query)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	overlap := 0
	off := false
	cfg := Config{
		HTTP:     HTTPConfig{Host: "127.0.0.1", Port: 9000, ReadTimeoutSec: 30},
		Source:   SourceConfig{PollIntervalMs: 50, UseFSNotify: &off, Fields: FieldMapConfig{Metadata: []string{}}},
		Chunking: ChunkingConfig{MaxTokens: 8, OverlapTokens: &overlap},
		Embedding: EmbeddingConfig{
			Provider: "openai", Dimensions: 1536, Cache: CacheConfig{Driver: "redis"},
		},
	}
	cfg.ApplyDefaults()

	if got := cfg.HTTP.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("expected addr 127.0.0.1:9000, got %q", got)
	}
	if cfg.HTTP.ReadTimeoutSec != 30 {
		t.Errorf("expected ReadTimeoutSec=30, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.Source.PollInterval().Milliseconds() != 50 {
		t.Errorf("expected 50ms poll interval, got %s", cfg.Source.PollInterval())
	}
	if cfg.Source.FSNotify() {
		t.Error("expected fsnotify disabled")
	}
	if len(cfg.Source.Fields.Metadata) != 0 {
		t.Errorf("expected explicit empty metadata kept, got %v", cfg.Source.Fields.Metadata)
	}
	if cfg.Chunking.Overlap() != 0 {
		t.Errorf("expected explicit zero overlap kept, got %d", cfg.Chunking.Overlap())
	}
	if cfg.Embedding.Dimensions != 1536 || cfg.Embedding.Cache.Driver != "redis" {
		t.Errorf("unexpected embedding: %+v", cfg.Embedding)
	}
}

func TestApplyDefaults_SmallMaxTokensKeepsOverlapValid(t *testing.T) {
	cfg := Config{Source: SourceConfig{Path: "x"}, Chunking: ChunkingConfig{MaxTokens: 4}}
	cfg.ApplyDefaults()

	if cfg.Chunking.Overlap() != 2 {
		t.Errorf("expected overlap 2, got %d", cfg.Chunking.Overlap())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"missing source", func(c *Config) { c.Source.Path = "" }, "source.path"},
		{"overlap too large", func(c *Config) {
			o := c.Chunking.MaxTokens
			c.Chunking.OverlapTokens = &o
		}, "chunking.overlap_tokens"},
		{"negative overlap", func(c *Config) {
			o := -1
			c.Chunking.OverlapTokens = &o
		}, "chunking.overlap_tokens"},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "cohere" }, "embedding.provider"},
		{"openai without model", func(c *Config) { c.Embedding.Provider = "openai" }, "embedding.model"},
		{"backoff order", func(c *Config) { c.Embedding.InitialBackoffMs = 10_000 }, "initial_backoff_ms"},
		{"negative rate", func(c *Config) { c.Embedding.RateLimitRPS = -1 }, "rate_limit_rps"},
		{"redis without addrs", func(c *Config) { c.Embedding.Cache.Driver = "redis" }, "embedding.cache.addrs"},
		{"unknown cache", func(c *Config) { c.Embedding.Cache.Driver = "memcached" }, "embedding.cache.driver"},
		{"negative workers", func(c *Config) { c.Pipeline.Workers = -2 }, "pipeline.workers"},
		{"default k above max", func(c *Config) { c.Query.DefaultK = 500 }, "query.default_k"},
		{"default timeout above max", func(c *Config) { c.Query.DefaultTimeoutMs = 60_000 }, "query.default_timeout_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParse_ExpandsEnvVars(t *testing.T) {
	t.Setenv("STREAMDEX_TEST_SOURCE", "/var/feed")
	t.Setenv("STREAMDEX_TEST_KEY", "sk-test")

	data := []byte(`
http:
  port: ${STREAMDEX_TEST_PORT:-8123}
source:
  path: ${STREAMDEX_TEST_SOURCE}
embedding:
  provider: openai
  model: text-embedding-3-small
  api_key: ${STREAMDEX_TEST_KEY}
query:
  filter_fields: [headline, topic]
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8123 {
		t.Errorf("expected default port 8123, got %d", cfg.HTTP.Port)
	}
	if cfg.Source.Path != "/var/feed" {
		t.Errorf("expected source path /var/feed, got %q", cfg.Source.Path)
	}
	if cfg.Embedding.APIKey != "sk-test" {
		t.Errorf("expected api key from env, got %q", cfg.Embedding.APIKey)
	}
	if len(cfg.Query.FilterFields) != 2 {
		t.Errorf("expected 2 filter fields, got %v", cfg.Query.FilterFields)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("http: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFile(t *testing.T) {
	t.Chdir(t.TempDir())

	if err := os.WriteFile(".env", []byte("STREAMDEX_TEST_DOTENV=/from/dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("STREAMDEX_TEST_DOTENV") })

	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte("source:\n  path: ${STREAMDEX_TEST_DOTENV}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.Path != "/from/dotenv" {
		t.Errorf("expected source path from .env, got %q", cfg.Source.Path)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := LoadFile("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ShippedConfigs(t *testing.T) {
	t.Setenv("STREAMDEX_SOURCE_PATH", "/tmp/feed.jsonl")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	for _, env := range []string{"local", "prod"} {
		t.Run(env, func(t *testing.T) {
			if _, err := Load(env); err != nil {
				t.Fatalf("load %s: %v", env, err)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("ENV", "")
	if got := GetEnv(); got != "local" {
		t.Errorf("expected local, got %q", got)
	}
	t.Setenv("ENV", "prod")
	if got := GetEnv(); got != "prod" {
		t.Errorf("expected prod, got %q", got)
	}
}
