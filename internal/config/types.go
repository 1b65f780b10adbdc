package config

// Config is the full on-disk configuration. JSON and YAML are both accepted;
// YAML is coerced to JSON so one strict decoder covers both formats.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	GuildID string `json:"guild_id"`

	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	Locks      LocksConfig      `json:"locks,omitempty"`
	Rates      *RatesConfig     `json:"rates,omitempty"`
	Moderation ModerationConfig `json:"moderation"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Modlog  LoggingModlog `json:"modlog"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingModlog mirrors warnings and errors into a moderation channel,
// throttled so a log storm cannot eat the message budget.
type LoggingModlog struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// QueueConfig controls the priority task queue.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 5
//   - default_timeout: "15m"
//   - lease_grace: "30s"
//   - reap_interval: "30s"
//   - history_size: 200
type QueueConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	LeaseGrace     string `json:"lease_grace,omitempty"`
	ReapInterval   string `json:"reap_interval,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type LocksConfig struct {
	// DefaultTimeout bounds how long a task waits for a resource lock.
	DefaultTimeout string `json:"default_timeout,omitempty"` // default "10s"
}

// RatesConfig overrides the built-in rate policies. Omitted fields keep
// their defaults.
type RatesConfig struct {
	Global     *RatePolicy           `json:"global,omitempty"`
	Default    *RatePolicy           `json:"default,omitempty"`
	Categories map[string]RatePolicy `json:"categories,omitempty"`
}

type RatePolicy struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// ModerationConfig controls punishments and the court/appeal workflow.
//
// Defaults:
//   - required_supports: 3
//   - court_duration: "24h"
//   - appeal_duration: "48h"
//   - court_mute_duration: "24h"
//   - sweep_interval: "1m"
type ModerationConfig struct {
	RequiredSupports  int    `json:"required_supports,omitempty"`
	CourtDuration     string `json:"court_duration,omitempty"`
	AppealDuration    string `json:"appeal_duration,omitempty"`
	CourtMuteDuration string `json:"court_mute_duration,omitempty"`
	SweepInterval     string `json:"sweep_interval,omitempty"`
}

// SchedulerConfig controls the recurring job service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for wall-clock schedules, e.g. "Europe/Berlin". Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./warden.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
