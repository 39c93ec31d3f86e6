package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/openrecords/docket/pkg/models"
)

// DocketYAMLConfig represents the complete docket.yaml file structure.
// Duration-valued fields arrive as strings ("30s", "2m") and are parsed in
// the resolve step so a typo degrades to the built-in default with a warning
// instead of a crash.
type DocketYAMLConfig struct {
	System    *SystemYAMLConfig    `yaml:"system"`
	Autopilot *AutopilotConfig     `yaml:"autopilot"`
	Fees      *FeeConfig           `yaml:"fees"`
	Followups *FollowupConfig      `yaml:"followups"`
	Engine    *EngineYAMLConfig    `yaml:"engine"`
	Executor  *ExecutorYAMLConfig  `yaml:"executor"`
	Safety    *SafetyConfig        `yaml:"safety"`
	Cron      *CronYAMLConfig      `yaml:"cron"`
	Retention *RetentionYAMLConfig `yaml:"retention"`
	LLM       *LLMYAMLConfig       `yaml:"llm"`
	Server    *ServerYAMLConfig    `yaml:"server"`
	Events    *EventsConfig        `yaml:"events"`
}

// SystemYAMLConfig holds process-wide settings from YAML.
type SystemYAMLConfig struct {
	PodID           string `yaml:"pod_id,omitempty"`
	LogLevel        string `yaml:"log_level,omitempty"`
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty"`
}

// EngineYAMLConfig holds run engine tuning from YAML.
type EngineYAMLConfig struct {
	WorkerCount             int    `yaml:"worker_count,omitempty"`
	PollInterval            string `yaml:"poll_interval,omitempty"`
	PollJitter              string `yaml:"poll_jitter,omitempty"`
	LockTTL                 string `yaml:"lock_ttl,omitempty"`
	StaleAfter              string `yaml:"stale_after,omitempty"`
	HeartbeatInterval       string `yaml:"heartbeat_interval,omitempty"`
	NodeSoftDeadline        string `yaml:"node_soft_deadline,omitempty"`
	NodeHardDeadline        string `yaml:"node_hard_deadline,omitempty"`
	GracefulShutdownTimeout string `yaml:"graceful_shutdown_timeout,omitempty"`
}

// ExecutorYAMLConfig holds executor bounds from YAML.
type ExecutorYAMLConfig struct {
	MaxRetries          *int   `yaml:"max_retries,omitempty"`
	BackoffSeed         string `yaml:"backoff_seed,omitempty"`
	OutboundRatePerHour *int   `yaml:"outbound_rate_per_hour,omitempty"`
}

// CronYAMLConfig holds sweep schedules from YAML.
type CronYAMLConfig struct {
	FollowupDispatch string `yaml:"followup_dispatch,omitempty"`
	StaleReaper      string `yaml:"stale_reaper,omitempty"`
	StuckPortal      string `yaml:"stuck_portal,omitempty"`
	DeadlineSweep    string `yaml:"deadline_sweep,omitempty"`
	RetentionPrune   string `yaml:"retention_prune,omitempty"`
	StuckPortalAfter string `yaml:"stuck_portal_after,omitempty"`
	LeaseTTL         string `yaml:"lease_ttl,omitempty"`
}

// RetentionYAMLConfig holds ledger retention settings from YAML.
type RetentionYAMLConfig struct {
	Enabled          *bool  `yaml:"enabled,omitempty"`
	LedgerMaxAge     string `yaml:"ledger_max_age,omitempty"`
	ProjectionMaxAge string `yaml:"projection_max_age,omitempty"`
	BatchSize        int    `yaml:"batch_size,omitempty"`
}

// LLMYAMLConfig holds the LLM endpoint settings from YAML.
type LLMYAMLConfig struct {
	BaseURL                 string `yaml:"base_url,omitempty"`
	APIKey                  string `yaml:"api_key,omitempty"`
	ClassifierModel         string `yaml:"classifier_model,omitempty"`
	DrafterModel            string `yaml:"drafter_model,omitempty"`
	Timeout                 string `yaml:"timeout,omitempty"`
	MaxRetries              *int   `yaml:"max_retries,omitempty"`
	BreakerFailureThreshold uint32 `yaml:"breaker_failure_threshold,omitempty"`
	BreakerOpenTimeout      string `yaml:"breaker_open_timeout,omitempty"`
}

// ServerYAMLConfig holds HTTP server settings from YAML.
type ServerYAMLConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	ReadTimeout    string `yaml:"read_timeout,omitempty"`
	WriteTimeout   string `yaml:"write_timeout,omitempty"`
	RequestTimeout string `yaml:"request_timeout,omitempty"`
}

// Initialize loads, resolves, and validates configuration from configDir.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read docket.yaml (missing file is fine: built-in defaults apply)
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into the raw structs
//  4. Merge user values over built-in defaults
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"autopilot_default", cfg.Autopilot.DefaultMode,
		"safety_phrase_rules", stats.SafetyPhraseRules,
		"safety_word_limits", stats.SafetyWordLimits,
		"cadence_steps", stats.CadenceSteps)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	raw, err := loader.loadDocketYAML()
	if err != nil {
		return nil, NewLoadError("docket.yaml", err)
	}

	cfg := &Config{
		configDir: configDir,
		System:    resolveSystemConfig(raw.System),
		Autopilot: resolveAutopilotConfig(raw.Autopilot),
		Fees:      resolveFeeConfig(raw.Fees),
		Followups: resolveFollowupConfig(raw.Followups),
		Engine:    resolveEngineConfig(raw.Engine),
		Executor:  resolveExecutorConfig(raw.Executor),
		Safety:    resolveSafetyConfig(raw.Safety),
		Cron:      resolveCronConfig(raw.Cron),
		Retention: resolveRetentionConfig(raw.Retention),
		LLM:       resolveLLMConfig(raw.LLM),
		Server:    resolveServerConfig(raw.Server),
		Events:    resolveEventsConfig(raw.Events),
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadDocketYAML() (*DocketYAMLConfig, error) {
	var raw DocketYAMLConfig
	if err := l.loadYAML("docket.yaml", &raw); err != nil {
		// A deployment with no overrides at all is legal.
		if errors.Is(err, ErrConfigNotFound) {
			slog.Info("docket.yaml not found, using built-in defaults")
			return &DocketYAMLConfig{}, nil
		}
		return nil, err
	}
	return &raw, nil
}

// parseDuration parses s, logging and falling back to def when s is empty or
// malformed.
func parseDuration(s, field string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", s,
			"default", def,
			"error", err)
		return def
	}
	return d
}

func resolveSystemConfig(raw *SystemYAMLConfig) *SystemConfig {
	cfg := DefaultSystemConfig()
	if raw == nil {
		return cfg
	}
	if raw.PodID != "" {
		cfg.PodID = raw.PodID
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	cfg.ShutdownTimeout = parseDuration(raw.ShutdownTimeout, "system.shutdown_timeout", cfg.ShutdownTimeout)
	return cfg
}

func resolveAutopilotConfig(raw *AutopilotConfig) *AutopilotConfig {
	cfg := DefaultAutopilotConfig()
	if raw == nil {
		return cfg
	}
	if raw.DefaultMode != "" {
		cfg.DefaultMode = raw.DefaultMode
	}
	if len(raw.SupervisedAllowlist) > 0 {
		cfg.SupervisedAllowlist = raw.SupervisedAllowlist
	}
	return cfg
}

func resolveFeeConfig(raw *FeeConfig) *FeeConfig {
	cfg := DefaultFeeConfig()
	if raw == nil {
		return cfg
	}
	if err := mergo.Merge(cfg, raw, mergo.WithOverride); err != nil {
		slog.Warn("Failed to merge fee config, using defaults", "error", err)
		return DefaultFeeConfig()
	}
	return cfg
}

func resolveFollowupConfig(raw *FollowupConfig) *FollowupConfig {
	cfg := DefaultFollowupConfig()
	if raw == nil {
		return cfg
	}
	if len(raw.CadenceDays) > 0 {
		cfg.CadenceDays = raw.CadenceDays
	}
	if raw.MaxFollowups > 0 {
		cfg.MaxFollowups = raw.MaxFollowups
	}
	return cfg
}

func resolveEngineConfig(raw *EngineYAMLConfig) *EngineConfig {
	cfg := DefaultEngineConfig()
	if raw == nil {
		return cfg
	}
	if raw.WorkerCount > 0 {
		cfg.WorkerCount = raw.WorkerCount
	}
	cfg.PollInterval = parseDuration(raw.PollInterval, "engine.poll_interval", cfg.PollInterval)
	cfg.PollJitter = parseDuration(raw.PollJitter, "engine.poll_jitter", cfg.PollJitter)
	cfg.LockTTL = parseDuration(raw.LockTTL, "engine.lock_ttl", cfg.LockTTL)
	cfg.StaleAfter = parseDuration(raw.StaleAfter, "engine.stale_after", cfg.StaleAfter)
	cfg.HeartbeatInterval = parseDuration(raw.HeartbeatInterval, "engine.heartbeat_interval", cfg.HeartbeatInterval)
	cfg.NodeSoftDeadline = parseDuration(raw.NodeSoftDeadline, "engine.node_soft_deadline", cfg.NodeSoftDeadline)
	cfg.NodeHardDeadline = parseDuration(raw.NodeHardDeadline, "engine.node_hard_deadline", cfg.NodeHardDeadline)
	cfg.GracefulShutdownTimeout = parseDuration(raw.GracefulShutdownTimeout, "engine.graceful_shutdown_timeout", cfg.GracefulShutdownTimeout)
	return cfg
}

func resolveExecutorConfig(raw *ExecutorYAMLConfig) *ExecutorConfig {
	cfg := DefaultExecutorConfig()
	if raw == nil {
		return cfg
	}
	if raw.MaxRetries != nil && *raw.MaxRetries >= 0 {
		cfg.MaxRetries = *raw.MaxRetries
	}
	cfg.BackoffSeed = parseDuration(raw.BackoffSeed, "executor.backoff_seed", cfg.BackoffSeed)
	if raw.OutboundRatePerHour != nil && *raw.OutboundRatePerHour > 0 {
		cfg.OutboundRatePerHour = *raw.OutboundRatePerHour
	}
	return cfg
}

func resolveSafetyConfig(raw *SafetyConfig) *SafetyConfig {
	cfg := DefaultSafetyConfig()
	if raw == nil {
		return cfg
	}
	// User phrase lists replace the built-in list for that action; actions
	// the user does not mention keep the defaults.
	for action, phrases := range raw.ForbiddenPhrases {
		cfg.ForbiddenPhrases[action] = phrases
	}
	for action, limit := range raw.WordLimits {
		cfg.WordLimits[action] = limit
	}
	return cfg
}

func resolveCronConfig(raw *CronYAMLConfig) *CronConfig {
	cfg := DefaultCronConfig()
	if raw == nil {
		return cfg
	}
	if raw.FollowupDispatch != "" {
		cfg.FollowupDispatch = raw.FollowupDispatch
	}
	if raw.StaleReaper != "" {
		cfg.StaleReaper = raw.StaleReaper
	}
	if raw.StuckPortal != "" {
		cfg.StuckPortal = raw.StuckPortal
	}
	if raw.DeadlineSweep != "" {
		cfg.DeadlineSweep = raw.DeadlineSweep
	}
	if raw.RetentionPrune != "" {
		cfg.RetentionPrune = raw.RetentionPrune
	}
	cfg.StuckPortalAfter = parseDuration(raw.StuckPortalAfter, "cron.stuck_portal_after", cfg.StuckPortalAfter)
	cfg.LeaseTTL = parseDuration(raw.LeaseTTL, "cron.lease_ttl", cfg.LeaseTTL)
	return cfg
}

func resolveRetentionConfig(raw *RetentionYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()
	if raw == nil {
		return cfg
	}
	if raw.Enabled != nil {
		cfg.Enabled = *raw.Enabled
	}
	cfg.LedgerMaxAge = parseDuration(raw.LedgerMaxAge, "retention.ledger_max_age", cfg.LedgerMaxAge)
	cfg.ProjectionMaxAge = parseDuration(raw.ProjectionMaxAge, "retention.projection_max_age", cfg.ProjectionMaxAge)
	if raw.BatchSize > 0 {
		cfg.BatchSize = raw.BatchSize
	}
	return cfg
}

func resolveLLMConfig(raw *LLMYAMLConfig) *LLMConfig {
	cfg := DefaultLLMConfig()
	if raw == nil {
		return cfg
	}
	if raw.BaseURL != "" {
		cfg.BaseURL = raw.BaseURL
	}
	if raw.APIKey != "" {
		cfg.APIKey = raw.APIKey
	}
	if raw.ClassifierModel != "" {
		cfg.ClassifierModel = raw.ClassifierModel
	}
	if raw.DrafterModel != "" {
		cfg.DrafterModel = raw.DrafterModel
	}
	cfg.Timeout = parseDuration(raw.Timeout, "llm.timeout", cfg.Timeout)
	if raw.MaxRetries != nil && *raw.MaxRetries >= 0 {
		cfg.MaxRetries = *raw.MaxRetries
	}
	if raw.BreakerFailureThreshold > 0 {
		cfg.BreakerFailureThreshold = raw.BreakerFailureThreshold
	}
	cfg.BreakerOpenTimeout = parseDuration(raw.BreakerOpenTimeout, "llm.breaker_open_timeout", cfg.BreakerOpenTimeout)
	return cfg
}

func resolveServerConfig(raw *ServerYAMLConfig) *ServerConfig {
	cfg := DefaultServerConfig()
	if raw == nil {
		return cfg
	}
	if raw.Host != "" {
		cfg.Host = raw.Host
	}
	if raw.Port > 0 {
		cfg.Port = raw.Port
	}
	cfg.ReadTimeout = parseDuration(raw.ReadTimeout, "server.read_timeout", cfg.ReadTimeout)
	cfg.WriteTimeout = parseDuration(raw.WriteTimeout, "server.write_timeout", cfg.WriteTimeout)
	cfg.RequestTimeout = parseDuration(raw.RequestTimeout, "server.request_timeout", cfg.RequestTimeout)
	return cfg
}

func resolveEventsConfig(raw *EventsConfig) *EventsConfig {
	cfg := DefaultEventsConfig()
	if raw == nil {
		return cfg
	}
	if raw.Channels > 0 {
		cfg.Channels = raw.Channels
	}
	if raw.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	return cfg
}

// ModeOrDefault resolves a possibly empty autopilot mode against the
// configured default.
func (c *Config) ModeOrDefault(mode models.AutopilotMode) models.AutopilotMode {
	if mode == "" {
		return c.Autopilot.DefaultMode
	}
	return mode
}
