package config

import (
	"os"
	"time"

	"github.com/openrecords/docket/pkg/models"
)

// Built-in defaults. Initialize starts from these and lets docket.yaml
// override individual fields.

// DefaultSystemConfig returns process defaults; PodID falls back to the
// hostname so bare-metal runs still get a stable identity.
func DefaultSystemConfig() *SystemConfig {
	pod := os.Getenv("HOSTNAME")
	if pod == "" {
		pod, _ = os.Hostname()
	}
	return &SystemConfig{
		PodID:           pod,
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultAutopilotConfig gates everything except no-ops when supervised.
func DefaultAutopilotConfig() *AutopilotConfig {
	return &AutopilotConfig{
		DefaultMode:         models.AutopilotSupervised,
		SupervisedAllowlist: []models.ActionType{models.ActionNone},
	}
}

// DefaultFeeConfig returns the stock thresholds: auto-approve up to 100,
// negotiate above 500.
func DefaultFeeConfig() *FeeConfig {
	return &FeeConfig{
		AutoApproveMax:     100,
		NegotiateThreshold: 500,
	}
}

// DefaultFollowupConfig returns the 7/14/21-day ladder with three attempts.
func DefaultFollowupConfig() *FollowupConfig {
	return &FollowupConfig{
		CadenceDays:  []int{7, 14, 21},
		MaxFollowups: 3,
	}
}

// DefaultEngineConfig returns the built-in run engine tuning.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		WorkerCount:             5,
		PollInterval:            1 * time.Second,
		PollJitter:              500 * time.Millisecond,
		LockTTL:                 2 * time.Minute,
		StaleAfter:              60 * time.Second,
		HeartbeatInterval:       10 * time.Second,
		NodeSoftDeadline:        30 * time.Second,
		NodeHardDeadline:        60 * time.Second,
		GracefulShutdownTimeout: 2 * time.Minute,
	}
}

// DefaultExecutorConfig returns the stock retry and rate-limit bounds.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxRetries:          3,
		BackoffSeed:         30 * time.Second,
		OutboundRatePerHour: 3,
	}
}

// DefaultSafetyConfig returns the built-in draft inspection table. The
// phrase lists are deliberately small; deployments extend them in
// docket.yaml per jurisdictional counsel.
func DefaultSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		ForbiddenPhrases: map[models.ActionType][]string{
			models.ActionSendRebuttal: {
				"legal action", "lawsuit", "sue", "attorney general",
			},
			models.ActionNegotiateFee: {
				"fee waiver is required", "refuse to pay",
			},
			models.ActionSendFollowup: {
				"final warning", "demand",
			},
			models.ActionSendClarification: {
				"lawsuit",
			},
		},
		WordLimits: map[models.ActionType]int{
			models.ActionSendFollowup:      250,
			models.ActionSendClarification: 300,
			models.ActionSendRebuttal:      600,
			models.ActionNegotiateFee:      400,
			models.ActionAcceptFee:         200,
		},
	}
}

// DefaultCronConfig returns the stock sweep schedules (6-field specs, with
// seconds).
func DefaultCronConfig() *CronConfig {
	return &CronConfig{
		FollowupDispatch: "0 */5 * * * *",  // every 5 minutes
		StaleReaper:      "*/30 * * * * *", // every 30 seconds
		StuckPortal:      "0 */30 * * * *", // every 30 minutes
		DeadlineSweep:    "0 0 6 * * *",    // daily 06:00 UTC
		RetentionPrune:   "0 30 3 * * *",   // daily 03:30 UTC
		StuckPortalAfter: 24 * time.Hour,
		LeaseTTL:         90 * time.Second,
	}
}

// DefaultRetentionConfig prunes ledger rows after 90 days and their bulky
// projection snapshots after 30.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Enabled:          true,
		LedgerMaxAge:     90 * 24 * time.Hour,
		ProjectionMaxAge: 30 * 24 * time.Hour,
		BatchSize:        1000,
	}
}

// DefaultLLMConfig points at a local OpenAI-compatible endpoint; real
// deployments override base_url and api_key in docket.yaml.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		BaseURL:                 "http://localhost:11434/v1",
		ClassifierModel:         "gpt-4o-mini",
		DrafterModel:            "gpt-4o",
		Timeout:                 30 * time.Second,
		MaxRetries:              2,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      60 * time.Second,
	}
}

// DefaultServerConfig binds the API to :8080.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// DefaultEventsConfig shards NOTIFY across 16 channels and truncates
// payloads below the Postgres limit.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		Channels:        16,
		MaxPayloadBytes: 7900,
	}
}
