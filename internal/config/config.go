// Package config provides configuration management for linkrecall.
// It defines configuration structures and default values for the store,
// the enrichment queue and workers, the model providers and search.
package config

import (
	"os"
	"strings"
	"time"
)

// StoreConfig controls the History Store
type StoreConfig struct {
	MergeGranularity time.Duration `mapstructure:"merge_granularity" yaml:"merge_granularity"` // Visits within the same bucket are merged
	MaxOpenConns     int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`       // SQLite connection pool size
	BusyTimeout      time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`           // SQLite busy_timeout pragma
	ConflictRetries  int           `mapstructure:"conflict_retries" yaml:"conflict_retries"`   // Retries on lock contention
}

// QueueConfig controls the Enrichment Queue
type QueueConfig struct {
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`     // Claim lifetime before reclaim
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`         // Attempts before status=failed
	BackoffBase    time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`       // Delay after the first failure
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling" yaml:"backoff_ceiling"` // Maximum retry delay
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`           // Items claimed per dequeue
}

// WorkerConfig controls the Enrichment Worker Pool
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`             // Number of concurrent workers
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`         // Idle wait when the queue is empty
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`         // Page fetch timeout
	SummarizeTimeout time.Duration `mapstructure:"summarize_timeout" yaml:"summarize_timeout"` // Summarization call timeout
	KeywordsTimeout  time.Duration `mapstructure:"keywords_timeout" yaml:"keywords_timeout"`   // Keyword extraction timeout
	EmbedTimeout     time.Duration `mapstructure:"embed_timeout" yaml:"embed_timeout"`         // Embedding call timeout
	RequestDelay     time.Duration `mapstructure:"request_delay" yaml:"request_delay"`         // Per-domain delay between fetches
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`               // HTTP User-Agent header
	MaxTextChars     int           `mapstructure:"max_text_chars" yaml:"max_text_chars"`       // Readable text sent to models
	SweepSchedule    string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`       // Cron spec for lease reclaim and stats
	DomainDelays     []DomainDelay `mapstructure:"domain_delays" yaml:"domain_delays,omitempty"`
}

// DomainDelay overrides request_delay for one host. A list rather than a
// map, since viper splits map keys such as "example.com" on dots.
type DomainDelay struct {
	Domain string        `mapstructure:"domain" yaml:"domain"`
	Delay  time.Duration `mapstructure:"delay" yaml:"delay"`
}

// DomainDelayMap returns the overrides keyed by lowercased host
func (w WorkerConfig) DomainDelayMap() map[string]time.Duration {
	if len(w.DomainDelays) == 0 {
		return nil
	}
	m := make(map[string]time.Duration, len(w.DomainDelays))
	for _, d := range w.DomainDelays {
		m[strings.ToLower(strings.TrimSpace(d.Domain))] = d.Delay
	}
	return m
}

// Model providers
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// ModelConfig selects and configures the AI capability provider
type ModelConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"`         // local, openai or ollama
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`         // Endpoint for openai/ollama
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`           // API key
	APIKeyEnv  string `mapstructure:"api_key_env" yaml:"api_key_env"`   // Environment variable holding the API key
	ChatModel  string `mapstructure:"chat_model" yaml:"chat_model"`     // Model for summaries and keywords
	EmbedModel string `mapstructure:"embed_model" yaml:"embed_model"`   // Model for embeddings
	Dimension  int    `mapstructure:"dimension" yaml:"dimension"`       // Vector size for the local embedder
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`   // Client-level retries (openai)
}

// SearchConfig controls hybrid scoring
type SearchConfig struct {
	KeywordWeight       float64 `mapstructure:"keyword_weight" yaml:"keyword_weight"`             // wk
	VectorWeight        float64 `mapstructure:"vector_weight" yaml:"vector_weight"`               // wv
	Limit               int     `mapstructure:"limit" yaml:"limit"`                               // Default result count
	CandidateMultiplier int     `mapstructure:"candidate_multiplier" yaml:"candidate_multiplier"` // Sub-query depth = limit * multiplier
}

// ServerConfig controls the RPC HTTP listener
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or text
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int64  `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config is the full linkrecall configuration
type Config struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Path to SQLite database file

	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Queue  QueueConfig  `mapstructure:"queue" yaml:"queue"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	Models ModelConfig  `mapstructure:"models" yaml:"models"`
	Search SearchConfig `mapstructure:"search" yaml:"search"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./linkrecall.db",
		Store: StoreConfig{
			MergeGranularity: time.Minute,
			MaxOpenConns:     4,
			BusyTimeout:      30 * time.Second,
			ConflictRetries:  5,
		},
		Queue: QueueConfig{
			LeaseTimeout:   2 * time.Minute,
			MaxRetries:     5,
			BackoffBase:    30 * time.Second,
			BackoffCeiling: time.Hour,
			BatchSize:      8,
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			PollInterval:     2 * time.Second,
			FetchTimeout:     20 * time.Second,
			SummarizeTimeout: 60 * time.Second,
			KeywordsTimeout:  60 * time.Second,
			EmbedTimeout:     30 * time.Second,
			RequestDelay:     time.Second,
			UserAgent:        "LinkRecall/1.0",
			MaxTextChars:     20000,
			SweepSchedule:    "@every 30s",
		},
		Models: ModelConfig{
			Provider:   ProviderLocal,
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
			Dimension:  256,
			MaxRetries: 2,
		},
		Search: SearchConfig{
			KeywordWeight:       0.5,
			VectorWeight:        0.5,
			Limit:               20,
			CandidateMultiplier: 3,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:6893",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 5,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}

	if c.Store.MergeGranularity <= 0 {
		return ErrInvalidGranularity
	}
	if c.Store.MaxOpenConns <= 0 {
		c.Store.MaxOpenConns = 1
	}

	if c.Queue.LeaseTimeout <= 0 {
		return ErrInvalidLease
	}
	if c.Queue.MaxRetries <= 0 {
		return ErrInvalidMaxRetries
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffCeiling < c.Queue.BackoffBase {
		return ErrInvalidBackoff
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 1
	}

	if c.Worker.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.Worker.FetchTimeout <= 0 || c.Worker.SummarizeTimeout <= 0 ||
		c.Worker.KeywordsTimeout <= 0 || c.Worker.EmbedTimeout <= 0 {
		return ErrInvalidTimeout
	}
	for _, d := range c.Worker.DomainDelays {
		if strings.TrimSpace(d.Domain) == "" || d.Delay < 0 {
			return ErrInvalidDomainDelay
		}
	}
	if c.Worker.PollInterval < 100*time.Millisecond {
		c.Worker.PollInterval = 100 * time.Millisecond
	}

	switch c.Models.Provider {
	case ProviderLocal, ProviderOpenAI, ProviderOllama:
	default:
		return ErrUnknownProvider
	}

	if c.Search.KeywordWeight < 0 || c.Search.VectorWeight < 0 ||
		c.Search.KeywordWeight+c.Search.VectorWeight == 0 {
		return ErrInvalidWeights
	}
	if c.Search.Limit <= 0 {
		c.Search.Limit = 20
	}
	if c.Search.CandidateMultiplier <= 0 {
		c.Search.CandidateMultiplier = 1
	}

	return nil
}

// GetAPIKey returns the model API key, resolving the environment variable if specified
func (c *Config) GetAPIKey() string {
	if c.Models.APIKeyEnv != "" {
		return os.Getenv(c.Models.APIKeyEnv)
	}
	return c.Models.APIKey
}
