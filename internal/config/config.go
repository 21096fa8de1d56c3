// Package config provides configuration loading for gardener.
//
// Configuration comes from a YAML file, then GARDENER_* environment
// variables, then defaults. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Summarizer kinds.
const (
	SummarizerExtractive = "extractive"
	SummarizerLLM        = "llm"
)

// Config holds the complete gardener configuration.
type Config struct {
	Model     ModelConfig     `koanf:"model"`
	Budget    BudgetConfig    `koanf:"budget"`
	Switch    SwitchConfig    `koanf:"switch"`
	Context   ContextConfig   `koanf:"context"`
	Storage   StorageConfig   `koanf:"storage"`
	Index     IndexConfig     `koanf:"index"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ModelConfig names the shared base model and where it is served.
type ModelConfig struct {
	BaseModelID string `koanf:"base_model_id"`
	OllamaURL   string `koanf:"ollama_url"`
	// Generation is the model name used when no adapter is loaded.
	Generation string `koanf:"generation"`
}

// BudgetConfig sets the memory ceiling for adapters and indexes.
// A zero Ceiling means the host's physical memory minus SafetyMargin.
type BudgetConfig struct {
	Ceiling      ByteSize `koanf:"ceiling"`
	SafetyMargin ByteSize `koanf:"safety_margin"`
}

// SwitchConfig controls the switch coordinator.
type SwitchConfig struct {
	Timeout   Duration `koanf:"timeout"`
	WarmSlots int      `koanf:"warm_slots"`
	// IndexWorkingSet is added to an index's on-disk size when estimating its cost.
	IndexWorkingSet ByteSize `koanf:"index_working_set"`
}

// ContextConfig controls conversation pruning.
type ContextConfig struct {
	MaxTurns     int    `koanf:"max_turns"`
	RetainTurns  int    `koanf:"retain_turns"`
	SummaryChars int    `koanf:"summary_chars"`
	Summarizer   string `koanf:"summarizer"`
	// PromptTurns is how many recent turns are quoted verbatim in a prompt.
	PromptTurns int `koanf:"prompt_turns"`
}

// StorageConfig selects the key-value backend for durable state.
type StorageConfig struct {
	Backend       string `koanf:"backend"`
	Path          string `koanf:"path"`
	AdapterDir    string `koanf:"adapter_dir"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPrefix   string `koanf:"redis_prefix"`
}

// IndexConfig controls vector index storage and embedding.
type IndexConfig struct {
	Dir            string `koanf:"dir"`
	EmbeddingModel string `koanf:"embedding_model"`
	Compress       bool   `koanf:"compress"`
	TopK           int    `koanf:"top_k"`
	// Extensions limits ingestion to these file extensions (".go", ".md").
	// Empty indexes every text file.
	Extensions []string `koanf:"extensions"`
}

// SecretsConfig controls redaction of source before indexing.
type SecretsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Allowlist string `koanf:"allowlist"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed in the file.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol string `koanf:"protocol"`
	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `koanf:"metrics_addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Model.BaseModelID == "" {
		cfg.Model.BaseModelID = "llama3.2:3b"
	}
	if cfg.Model.OllamaURL == "" {
		cfg.Model.OllamaURL = "http://localhost:11434"
	}
	if cfg.Model.Generation == "" {
		cfg.Model.Generation = cfg.Model.BaseModelID
	}

	if cfg.Budget.SafetyMargin == 0 {
		cfg.Budget.SafetyMargin = 2 << 30
	}

	if cfg.Switch.IndexWorkingSet == 0 {
		cfg.Switch.IndexWorkingSet = 64 << 20
	}
	if cfg.Switch.Timeout == 0 {
		cfg.Switch.Timeout = Duration(30 * time.Second)
	}

	if cfg.Context.MaxTurns == 0 {
		cfg.Context.MaxTurns = 40
	}
	if cfg.Context.RetainTurns == 0 {
		cfg.Context.RetainTurns = 20
	}
	if cfg.Context.SummaryChars == 0 {
		cfg.Context.SummaryChars = 2000
	}
	if cfg.Context.PromptTurns == 0 {
		cfg.Context.PromptTurns = 6
	}
	if cfg.Context.Summarizer == "" {
		cfg.Context.Summarizer = SummarizerExtractive
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "~/.local/share/gardener/state.db"
	}
	if cfg.Storage.AdapterDir == "" {
		cfg.Storage.AdapterDir = "~/.local/share/gardener/adapters"
	}
	if cfg.Storage.RedisAddr == "" {
		cfg.Storage.RedisAddr = "localhost:6379"
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "gardener"
	}

	if cfg.Index.Dir == "" {
		cfg.Index.Dir = "~/.local/share/gardener/indexes"
	}
	if cfg.Index.EmbeddingModel == "" {
		cfg.Index.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Index.TopK == 0 {
		cfg.Index.TopK = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gardener"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Model.BaseModelID) == "" {
		errs = append(errs, errors.New("model.base_model_id is required"))
	}
	if err := validateHTTPURL(c.Model.OllamaURL); err != nil {
		errs = append(errs, fmt.Errorf("model.ollama_url: %w", err))
	}

	if c.Budget.Ceiling < 0 || c.Budget.SafetyMargin < 0 {
		errs = append(errs, errors.New("budget sizes must not be negative"))
	}

	if c.Switch.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("switch.timeout must be positive"))
	}
	if c.Switch.IndexWorkingSet < 0 {
		errs = append(errs, errors.New("switch.index_working_set must not be negative"))
	}
	if c.Switch.WarmSlots < 0 {
		errs = append(errs, fmt.Errorf("switch.warm_slots must not be negative: %d", c.Switch.WarmSlots))
	}

	if c.Context.RetainTurns < 0 || c.Context.MaxTurns <= c.Context.RetainTurns {
		errs = append(errs, fmt.Errorf("context.max_turns (%d) must exceed context.retain_turns (%d)",
			c.Context.MaxTurns, c.Context.RetainTurns))
	}
	if c.Context.PromptTurns < 0 {
		errs = append(errs, fmt.Errorf("context.prompt_turns must not be negative: %d", c.Context.PromptTurns))
	}
	switch c.Context.Summarizer {
	case SummarizerExtractive, SummarizerLLM:
	default:
		errs = append(errs, fmt.Errorf("unknown context.summarizer %q", c.Context.Summarizer))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Backend))
		} else if containsTraversal(c.Storage.Path) {
			errs = append(errs, fmt.Errorf("storage.path must not contain '..': %s", c.Storage.Path))
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if containsTraversal(c.Storage.AdapterDir) || containsTraversal(c.Index.Dir) {
		errs = append(errs, errors.New("storage.adapter_dir and index.dir must not contain '..'"))
	}

	if c.Index.TopK < 0 {
		errs = append(errs, fmt.Errorf("index.top_k must not be negative: %d", c.Index.TopK))
	}
	for _, ext := range c.Index.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("index.extensions entries must start with '.': %q", ext))
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console: %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name required when telemetry is enabled"))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf: %q", c.Telemetry.Protocol))
	}

	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host: %q", raw)
	}
	return nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
