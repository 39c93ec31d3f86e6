package config

import (
	"time"

	"github.com/openrecords/docket/pkg/models"
)

// Config is the fully resolved runtime configuration. Build it with
// Initialize; zero values are never safe to run with.
type Config struct {
	configDir string

	System    *SystemConfig
	Autopilot *AutopilotConfig
	Fees      *FeeConfig
	Followups *FollowupConfig
	Engine    *EngineConfig
	Executor  *ExecutorConfig
	Safety    *SafetyConfig
	Cron      *CronConfig
	Retention *RetentionConfig
	LLM       *LLMConfig
	Server    *ServerConfig
	Events    *EventsConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// SystemConfig groups process-wide settings.
type SystemConfig struct {
	// PodID identifies this replica in run claims and cron leases.
	// Defaults to the HOSTNAME environment variable.
	PodID string `yaml:"pod_id"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ShutdownTimeout bounds graceful drain of workers, cron, and the API
	// server on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"-"`
}

// AutopilotConfig controls gating defaults.
type AutopilotConfig struct {
	// DefaultMode applies to runs dispatched without an explicit mode.
	DefaultMode models.AutopilotMode `yaml:"default_mode"`

	// SupervisedAllowlist is the set of actions SUPERVISED mode may still
	// auto-execute. Everything else gates.
	SupervisedAllowlist []models.ActionType `yaml:"supervised_allowlist"`
}

// AllowsInSupervised reports whether the action is on the SUPERVISED
// auto-allowlist.
func (a *AutopilotConfig) AllowsInSupervised(action models.ActionType) bool {
	for _, allowed := range a.SupervisedAllowlist {
		if allowed == action {
			return true
		}
	}
	return false
}

// FeeConfig carries the currency-agnostic fee routing thresholds.
type FeeConfig struct {
	// AutoApproveMax is the largest quoted fee ACCEPT_FEE may auto-execute.
	AutoApproveMax int `yaml:"auto_approve_max"`

	// NegotiateThreshold is the largest fee accepted at all; above it the
	// pipeline routes to NEGOTIATE_FEE.
	NegotiateThreshold int `yaml:"negotiate_threshold"`
}

// FollowupConfig shapes the per-case follow-up timer ladder.
type FollowupConfig struct {
	// CadenceDays are the gaps, in days, between successive follow-ups.
	// The last entry repeats if max_followups exceeds its length.
	CadenceDays []int `yaml:"cadence_days"`

	// MaxFollowups is the number of follow-ups before the deadline sweep
	// escalates the case to the phone queue.
	MaxFollowups int `yaml:"max_followups"`
}

// NextGapDays returns the cadence gap for the follow-up with the given
// zero-based index.
func (f *FollowupConfig) NextGapDays(followupCount int) int {
	if len(f.CadenceDays) == 0 {
		return 7
	}
	if followupCount >= len(f.CadenceDays) {
		return f.CadenceDays[len(f.CadenceDays)-1]
	}
	return f.CadenceDays[followupCount]
}

// EngineConfig controls the run engine's worker pool and liveness bounds.
type EngineConfig struct {
	// WorkerCount is the number of run workers per replica.
	WorkerCount int

	// PollInterval is the base interval for claiming queued runs;
	// PollJitter is added/subtracted randomly to de-synchronize replicas.
	PollInterval time.Duration
	PollJitter   time.Duration

	// LockTTL is T_lock: how long a claimed run may hold the case before
	// the reaper treats the lock as abandoned.
	LockTTL time.Duration

	// StaleAfter is T_reap: how long a running run may go without a
	// heartbeat before the reaper cleans it.
	StaleAfter time.Duration

	// HeartbeatInterval is how often a live run refreshes heartbeat_at.
	HeartbeatInterval time.Duration

	// NodeSoftDeadline warns when a pipeline node exceeds it;
	// NodeHardDeadline aborts the run.
	NodeSoftDeadline time.Duration
	NodeHardDeadline time.Duration

	// GracefulShutdownTimeout bounds the drain of in-flight runs.
	GracefulShutdownTimeout time.Duration
}

// ExecutorConfig bounds side-effect retries and outbound volume.
type ExecutorConfig struct {
	// MaxRetries before an execution goes to the dead-letter queue.
	MaxRetries int

	// BackoffSeed is the initial retry delay; growth is exponential with
	// jitter.
	BackoffSeed time.Duration

	// OutboundRatePerHour caps outbound sends per case per rolling hour.
	OutboundRatePerHour int
}

// SafetyConfig is the per-action draft inspection table.
type SafetyConfig struct {
	// ForbiddenPhrases flag a draft (case-insensitive substring match).
	ForbiddenPhrases map[models.ActionType][]string `yaml:"forbidden_phrases"`

	// WordLimits flag drafts whose word count exceeds the per-action cap.
	WordLimits map[models.ActionType]int `yaml:"word_limits"`
}

// CronConfig carries the sweep schedules. Specs use the 6-field form with a
// seconds column.
type CronConfig struct {
	FollowupDispatch string `yaml:"followup_dispatch"`
	StaleReaper      string `yaml:"stale_reaper"`
	StuckPortal      string `yaml:"stuck_portal"`
	DeadlineSweep    string `yaml:"deadline_sweep"`
	RetentionPrune   string `yaml:"retention_prune"`

	// StuckPortalAfter is how long a portal task may sit in PENDING before
	// the sweep fails it.
	StuckPortalAfter time.Duration

	// LeaseTTL is how long a pod's leader lease on a job survives without
	// renewal.
	LeaseTTL time.Duration
}

// RetentionConfig bounds ledger growth.
type RetentionConfig struct {
	Enabled bool

	// LedgerMaxAge prunes whole ledger rows.
	LedgerMaxAge time.Duration

	// ProjectionMaxAge nulls the bulky projection snapshots of younger
	// rows that outlived their replay usefulness.
	ProjectionMaxAge time.Duration

	// BatchSize caps rows deleted per prune pass.
	BatchSize int
}

// LLMConfig points at an OpenAI-compatible endpoint used for classification
// and drafting.
type LLMConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	ClassifierModel string `yaml:"classifier_model"`
	DrafterModel    string `yaml:"drafter_model"`

	Timeout    time.Duration
	MaxRetries int

	// Breaker settings feed the circuit wrapper; when open, classification
	// falls back to UNKNOWN and gates for a human.
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

// ServerConfig shapes the HTTP API.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

// EventsConfig shapes the post-commit NOTIFY fan-out.
type EventsConfig struct {
	// Channels is the number of hash-sharded NOTIFY channels.
	Channels int

	// MaxPayloadBytes truncates NOTIFY payloads below Postgres's 8000-byte
	// limit; consumers refetch the ledger row for the full record.
	MaxPayloadBytes int
}

// Stats summarizes a loaded configuration for the startup log line.
type Stats struct {
	SafetyPhraseRules int
	SafetyWordLimits  int
	CadenceSteps      int
	CronJobs          int
}

// Stats computes summary counts.
func (c *Config) Stats() Stats {
	s := Stats{
		CadenceSteps: len(c.Followups.CadenceDays),
		CronJobs:     5,
	}
	for _, phrases := range c.Safety.ForbiddenPhrases {
		s.SafetyPhraseRules += len(phrases)
	}
	s.SafetyWordLimits = len(c.Safety.WordLimits)
	return s
}
