// Package config loads and validates chorus configuration.
// Configuration comes from defaults, an optional YAML file, and environment
// variable overrides, applied in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chorus/internal/types"

	"gopkg.in/yaml.v3"
)

// Config holds all chorus configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Session and user context persistence
	Store StoreConfig `yaml:"store"`

	// Intent classification
	Classify ClassifyConfig `yaml:"classify"`

	// Worker dispatch
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Response compilation
	Compiler CompilerConfig `yaml:"compiler"`

	// HTTP transport
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the context store.
type StoreConfig struct {
	// DatabasePath is the SQLite file backing both session and user
	// context tables. Empty selects the in-memory store.
	DatabasePath string `yaml:"database_path"`

	// SessionIdleTTL is the idle window after which a session expires.
	SessionIdleTTL string `yaml:"session_idle_ttl"`

	// SweepInterval controls how often expired session rows are purged.
	SweepInterval string `yaml:"sweep_interval"`

	// EnrichTopK bounds the relevant-history items Enrich may emit.
	EnrichTopK int `yaml:"enrich_top_k"`
}

// ClassifyConfig configures the intent-classification capability.
type ClassifyConfig struct {
	Provider string `yaml:"provider"` // rules, genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`

	// ConfidenceThreshold routes turns below it to the clarification
	// worker instead of parallel dispatch.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// DefaultIntent is used when classification fails outright.
	DefaultIntent string `yaml:"default_intent"`

	// Rules maps an intent to its keyword triggers for the rules provider.
	Rules map[string][]string `yaml:"rules,omitempty"`
}

// DispatchConfig configures worker resolution and fan-out.
type DispatchConfig struct {
	// DefaultWorkerTimeout applies to descriptors without their own.
	DefaultWorkerTimeout string `yaml:"default_worker_timeout"`

	// Routes maps an intent to its ordered worker descriptors.
	Routes map[string][]types.WorkerDescriptor `yaml:"routes"`

	// FallbackIntent is the route used for intents with no workers.
	FallbackIntent string `yaml:"fallback_intent"`

	// ClarificationIntent is the route used for low-confidence turns.
	ClarificationIntent string `yaml:"clarification_intent"`
}

// CompilerConfig configures deduplication and conflict resolution.
type CompilerConfig struct {
	// SimilarityThreshold at or above which two responses are duplicates.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// AuthoritativeClaimSources maps a claim key to the worker whose value
	// wins any conflict on that key.
	AuthoritativeClaimSources map[string]string `yaml:"authoritative_claim_sources"`

	// FallbackReply is the deterministic text produced when no worker
	// response survives compilation.
	FallbackReply string `yaml:"fallback_reply"`
}

// ServerConfig configures the HTTP transport shell.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the logging facade.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	JSONFormat bool            `yaml:"json"`   // structured JSON output
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chorus",
		Version: "0.3.0",

		Store: StoreConfig{
			DatabasePath:   "data/chorus.db",
			SessionIdleTTL: "30m",
			SweepInterval:  "5m",
			EnrichTopK:     5,
		},

		Classify: ClassifyConfig{
			Provider:            "rules",
			Model:               "gemini-2.0-flash",
			Timeout:             "5s",
			ConfidenceThreshold: 0.5,
			DefaultIntent:       "smalltalk",
			Rules: map[string][]string{
				"smalltalk": {"hello", "hi", "thanks", "bye"},
			},
		},

		Dispatch: DispatchConfig{
			DefaultWorkerTimeout: "10s",
			FallbackIntent:       "fallback",
			ClarificationIntent:  "clarification",
			Routes:               map[string][]types.WorkerDescriptor{},
		},

		Compiler: CompilerConfig{
			SimilarityThreshold:       0.8,
			AuthoritativeClaimSources: map[string]string{},
			FallbackReply:             "I could not complete this request. Please try again.",
		},

		Server: ServerConfig{
			Addr: ":8700",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Classify.APIKey = key
		if c.Classify.Provider == "rules" {
			c.Classify.Provider = "genai"
		}
	}
	if path := os.Getenv("CHORUS_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if addr := os.Getenv("CHORUS_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("CHORUS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ttl := os.Getenv("CHORUS_SESSION_TTL"); ttl != "" {
		c.Store.SessionIdleTTL = ttl
	}
	if raw := os.Getenv("CHORUS_CONFIDENCE_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Classify.ConfidenceThreshold = v
		}
	}
}

// Validate checks durations and thresholds.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"store.session_idle_ttl":          c.Store.SessionIdleTTL,
		"store.sweep_interval":            c.Store.SweepInterval,
		"classify.timeout":                c.Classify.Timeout,
		"dispatch.default_worker_timeout": c.Dispatch.DefaultWorkerTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	if c.Classify.ConfidenceThreshold < 0 || c.Classify.ConfidenceThreshold > 1 {
		return fmt.Errorf("classify.confidence_threshold must be in [0,1], got %v", c.Classify.ConfidenceThreshold)
	}
	if c.Compiler.SimilarityThreshold < 0 || c.Compiler.SimilarityThreshold > 1 {
		return fmt.Errorf("compiler.similarity_threshold must be in [0,1], got %v", c.Compiler.SimilarityThreshold)
	}
	return nil
}

// =============================================================================
// PARSED DURATION ACCESSORS
// =============================================================================
// Durations live as strings in YAML; accessors parse with a safe default so
// a partially-specified file never produces a zero timeout.

// SessionIdleTTL returns the parsed idle window.
func (c *Config) SessionIdleTTL() time.Duration {
	return parseDuration(c.Store.SessionIdleTTL, 30*time.Minute)
}

// SweepInterval returns the parsed sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Store.SweepInterval, 5*time.Minute)
}

// ClassificationTimeout returns the parsed classification budget.
func (c *Config) ClassificationTimeout() time.Duration {
	return parseDuration(c.Classify.Timeout, 5*time.Second)
}

// DefaultWorkerTimeout returns the parsed per-worker default budget.
func (c *Config) DefaultWorkerTimeout() time.Duration {
	return parseDuration(c.Dispatch.DefaultWorkerTimeout, 10*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
