package config

import (
	"fmt"
	"net/url"

	"github.com/robfig/cron/v3"
)

// CronSpecParser is the schedule grammar used across the system: the
// standard five fields preceded by a seconds column, because the stale-run
// reaper fires sub-minute.
var CronSpecParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ConfigValidator validates configuration comprehensively with clear error
// messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateSystem(); err != nil {
		return fmt.Errorf("system validation failed: %w", err)
	}
	if err := v.validateAutopilot(); err != nil {
		return fmt.Errorf("autopilot validation failed: %w", err)
	}
	if err := v.validateFees(); err != nil {
		return fmt.Errorf("fee validation failed: %w", err)
	}
	if err := v.validateFollowups(); err != nil {
		return fmt.Errorf("followup validation failed: %w", err)
	}
	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}
	if err := v.validateExecutor(); err != nil {
		return fmt.Errorf("executor validation failed: %w", err)
	}
	if err := v.validateSafety(); err != nil {
		return fmt.Errorf("safety validation failed: %w", err)
	}
	if err := v.validateCron(); err != nil {
		return fmt.Errorf("cron validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateEvents(); err != nil {
		return fmt.Errorf("events validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateSystem() error {
	s := v.cfg.System
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("system", "log_level", "", fmt.Errorf("%w: %q", ErrInvalidValue, s.LogLevel))
	}
	if s.PodID == "" {
		return NewValidationError("system", "pod_id", "", ErrMissingRequiredField)
	}
	if s.ShutdownTimeout <= 0 {
		return NewValidationError("system", "shutdown_timeout", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAutopilot() error {
	a := v.cfg.Autopilot
	if !a.DefaultMode.Valid() {
		return NewValidationError("autopilot", "default_mode", "", fmt.Errorf("%w: %q", ErrInvalidValue, a.DefaultMode))
	}
	for _, action := range a.SupervisedAllowlist {
		if !action.Valid() {
			return NewValidationError("autopilot", "supervised_allowlist", string(action), fmt.Errorf("%w: unknown action", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateFees() error {
	f := v.cfg.Fees
	if f.AutoApproveMax < 0 {
		return NewValidationError("fees", "auto_approve_max", "", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if f.NegotiateThreshold < f.AutoApproveMax {
		return NewValidationError("fees", "negotiate_threshold", "",
			fmt.Errorf("%w: must be >= auto_approve_max (%d)", ErrInvalidValue, f.AutoApproveMax))
	}
	return nil
}

func (v *ConfigValidator) validateFollowups() error {
	f := v.cfg.Followups
	if len(f.CadenceDays) == 0 {
		return NewValidationError("followups", "cadence_days", "", ErrMissingRequiredField)
	}
	for i, d := range f.CadenceDays {
		if d <= 0 {
			return NewValidationError("followups", "cadence_days", fmt.Sprintf("[%d]", i),
				fmt.Errorf("%w: must be positive days", ErrInvalidValue))
		}
	}
	if f.MaxFollowups < 1 {
		return NewValidationError("followups", "max_followups", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateEngine() error {
	e := v.cfg.Engine
	if e.WorkerCount < 1 {
		return NewValidationError("engine", "worker_count", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if e.PollInterval <= 0 {
		return NewValidationError("engine", "poll_interval", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.HeartbeatInterval <= 0 {
		return NewValidationError("engine", "heartbeat_interval", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	// A run must heartbeat several times before the reaper may take it.
	if e.StaleAfter < 2*e.HeartbeatInterval {
		return NewValidationError("engine", "stale_after", "",
			fmt.Errorf("%w: must be at least twice heartbeat_interval (%s)", ErrInvalidValue, e.HeartbeatInterval))
	}
	if e.LockTTL < e.StaleAfter {
		return NewValidationError("engine", "lock_ttl", "",
			fmt.Errorf("%w: must be >= stale_after (%s)", ErrInvalidValue, e.StaleAfter))
	}
	if e.NodeHardDeadline < e.NodeSoftDeadline {
		return NewValidationError("engine", "node_hard_deadline", "",
			fmt.Errorf("%w: must be >= node_soft_deadline (%s)", ErrInvalidValue, e.NodeSoftDeadline))
	}
	return nil
}

func (v *ConfigValidator) validateExecutor() error {
	e := v.cfg.Executor
	if e.MaxRetries < 0 {
		return NewValidationError("executor", "max_retries", "", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if e.BackoffSeed <= 0 {
		return NewValidationError("executor", "backoff_seed", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.OutboundRatePerHour < 1 {
		return NewValidationError("executor", "outbound_rate_per_hour", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateSafety() error {
	s := v.cfg.Safety
	for action := range s.ForbiddenPhrases {
		if !action.Valid() {
			return NewValidationError("safety", "forbidden_phrases", string(action),
				fmt.Errorf("%w: unknown action", ErrInvalidValue))
		}
	}
	for action, limit := range s.WordLimits {
		if !action.Valid() {
			return NewValidationError("safety", "word_limits", string(action),
				fmt.Errorf("%w: unknown action", ErrInvalidValue))
		}
		if limit < 1 {
			return NewValidationError("safety", "word_limits", string(action),
				fmt.Errorf("%w: limit must be positive", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateCron() error {
	c := v.cfg.Cron
	specs := map[string]string{
		"followup_dispatch": c.FollowupDispatch,
		"stale_reaper":      c.StaleReaper,
		"stuck_portal":      c.StuckPortal,
		"deadline_sweep":    c.DeadlineSweep,
		"retention_prune":   c.RetentionPrune,
	}
	for field, spec := range specs {
		if spec == "" {
			return NewValidationError("cron", field, "", ErrMissingRequiredField)
		}
		if _, err := CronSpecParser.Parse(spec); err != nil {
			return NewValidationError("cron", field, spec, fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	if c.StuckPortalAfter <= 0 {
		return NewValidationError("cron", "stuck_portal_after", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.LeaseTTL <= 0 {
		return NewValidationError("cron", "lease_ttl", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if !r.Enabled {
		return nil
	}
	if r.LedgerMaxAge <= 0 {
		return NewValidationError("retention", "ledger_max_age", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.ProjectionMaxAge <= 0 || r.ProjectionMaxAge > r.LedgerMaxAge {
		return NewValidationError("retention", "projection_max_age", "",
			fmt.Errorf("%w: must be positive and <= ledger_max_age", ErrInvalidValue))
	}
	if r.BatchSize < 1 {
		return NewValidationError("retention", "batch_size", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l.BaseURL == "" {
		return NewValidationError("llm", "base_url", "", ErrMissingRequiredField)
	}
	if _, err := url.ParseRequestURI(l.BaseURL); err != nil {
		return NewValidationError("llm", "base_url", l.BaseURL, fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	if l.ClassifierModel == "" {
		return NewValidationError("llm", "classifier_model", "", ErrMissingRequiredField)
	}
	if l.DrafterModel == "" {
		return NewValidationError("llm", "drafter_model", "", ErrMissingRequiredField)
	}
	if l.Timeout <= 0 {
		return NewValidationError("llm", "timeout", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", "", fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	return nil
}

func (v *ConfigValidator) validateEvents() error {
	e := v.cfg.Events
	if e.Channels < 1 {
		return NewValidationError("events", "channels", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if e.MaxPayloadBytes < 256 || e.MaxPayloadBytes > 7900 {
		return NewValidationError("events", "max_payload_bytes", "",
			fmt.Errorf("%w: must be within [256, 7900]", ErrInvalidValue))
	}
	return nil
}
