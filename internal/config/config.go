package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the coach gateway
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Session   SessionConfig   `mapstructure:"session"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Invoker   InvokerConfig   `mapstructure:"invoker"`
	RAG       RAGConfig       `mapstructure:"rag"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Development relaxes the origin requirement for local clients.
	Development  bool     `mapstructure:"development"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AuthConfig holds identity verification configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// WindowConfig is one rate-limit category: at most MaxEvents events per
// key within a trailing window of WindowSeconds.
type WindowConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxEvents     int `mapstructure:"max_events"`
}

// RateLimitConfig holds the three admission categories plus the idle-key
// sweep interval.
type RateLimitConfig struct {
	Auth                 WindowConfig `mapstructure:"auth"`
	Messages             WindowConfig `mapstructure:"messages"`
	ConnectionsPerOrigin WindowConfig `mapstructure:"connections_per_origin"`
	SweepIntervalSeconds int          `mapstructure:"sweep_interval_seconds"`
}

// SessionConfig holds per-session limits
type SessionConfig struct {
	HistoryCapacity    int `mapstructure:"history_capacity"`
	PromptHistoryTurns int `mapstructure:"prompt_history_turns"`
	MaxMessageBytes    int `mapstructure:"max_message_bytes"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
	MaxDurationSeconds int `mapstructure:"max_duration_seconds"`
}

// RetrievalConfig holds context retrieval configuration
type RetrievalConfig struct {
	TopK           int     `mapstructure:"top_k"`
	EmbedTimeoutMS int     `mapstructure:"embed_timeout_ms"`
	TimeoutMS      int     `mapstructure:"timeout_ms"`
	RecencyBoost   float64 `mapstructure:"recency_boost"`
}

// InvokerConfig holds secure subprocess configuration. AllowedPaths and
// the sanitization limits are read once at startup and never mutated.
type InvokerConfig struct {
	BinaryPath          string   `mapstructure:"binary_path"`
	AllowedPaths        []string `mapstructure:"allowed_paths"`
	DefaultModel        string   `mapstructure:"default_model"`
	MaxPromptBytes      int      `mapstructure:"max_prompt_bytes"`
	MaxOutputBytes      int      `mapstructure:"max_output_bytes"`
	ChunkTimeoutSeconds int      `mapstructure:"chunk_timeout_seconds"`
	TotalTimeoutSeconds int      `mapstructure:"total_timeout_seconds"`
	GracePeriodSeconds  int      `mapstructure:"grace_period_seconds"`
}

// RAGConfig holds the vector index configuration
type RAGConfig struct {
	DBPath    string `mapstructure:"db_path"`
	IndexType string `mapstructure:"index_type"`
}

// LLMConfig holds the embedding provider configuration
type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	LLMModel       string `mapstructure:"llm_model"`
}

// AuditConfig holds the security audit log configuration
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("COACHGATE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.development", false)
	v.SetDefault("server.allow_origins", []string{})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "medcoach")

	v.SetDefault("rate_limit.auth.window_seconds", 300)
	v.SetDefault("rate_limit.auth.max_events", 10)
	v.SetDefault("rate_limit.messages.window_seconds", 60)
	v.SetDefault("rate_limit.messages.max_events", 20)
	// The connections window must outlive any session for the per-origin
	// ceiling to count concurrency rather than connection rate.
	v.SetDefault("rate_limit.connections_per_origin.window_seconds", 3600)
	v.SetDefault("rate_limit.connections_per_origin.max_events", 50)
	v.SetDefault("rate_limit.sweep_interval_seconds", 300)

	v.SetDefault("session.history_capacity", 40)
	v.SetDefault("session.prompt_history_turns", 6)
	v.SetDefault("session.max_message_bytes", 16384)
	v.SetDefault("session.idle_timeout_seconds", 600)
	v.SetDefault("session.max_duration_seconds", 3600)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.embed_timeout_ms", 500)
	v.SetDefault("retrieval.timeout_ms", 2000)
	v.SetDefault("retrieval.recency_boost", 0.15)

	v.SetDefault("invoker.binary_path", "/usr/local/bin/coach-llm")
	v.SetDefault("invoker.allowed_paths", []string{"/usr/local/bin/coach-llm"})
	v.SetDefault("invoker.default_model", "")
	v.SetDefault("invoker.max_prompt_bytes", 51200)
	v.SetDefault("invoker.max_output_bytes", 1048576)
	v.SetDefault("invoker.chunk_timeout_seconds", 30)
	v.SetDefault("invoker.total_timeout_seconds", 300)
	v.SetDefault("invoker.grace_period_seconds", 5)

	v.SetDefault("rag.db_path", "./data/rag.db")
	v.SetDefault("rag.index_type", "hnsw")

	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.embedding_model", "nomic-embed-text")
	v.SetDefault("llm.llm_model", "")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.db_path", "./data/audit.db")
}

// Validate rejects configurations the gateway must not start with.
func (c *Config) Validate() error {
	if !c.Server.Development && len(c.Server.AllowOrigins) == 0 {
		return fmt.Errorf("server.allow_origins must be set outside development mode")
	}
	if !c.Server.Development && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be set outside development mode")
	}
	if len(c.Invoker.AllowedPaths) == 0 {
		return fmt.Errorf("invoker.allowed_paths must not be empty")
	}
	for _, w := range []struct {
		name string
		cfg  WindowConfig
	}{
		{"rate_limit.auth", c.RateLimit.Auth},
		{"rate_limit.messages", c.RateLimit.Messages},
		{"rate_limit.connections_per_origin", c.RateLimit.ConnectionsPerOrigin},
	} {
		if w.cfg.WindowSeconds <= 0 || w.cfg.MaxEvents <= 0 {
			return fmt.Errorf("%s: window_seconds and max_events must be positive", w.name)
		}
	}
	if c.RateLimit.ConnectionsPerOrigin.WindowSeconds < c.Session.MaxDurationSeconds {
		return fmt.Errorf("rate_limit.connections_per_origin.window_seconds must be at least session.max_duration_seconds")
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
