package config

// Config is the barkd configuration file (JSON or YAML).
type Config struct {
	Server ServerConfig `json:"server"`
	Auth   AuthConfig   `json:"auth"`

	// Gateway selects the push provider: "bark" (default) or "telegram".
	Gateway  string          `json:"gateway,omitempty"`
	Bark     BarkConfig      `json:"bark"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Debug   DebugConfig   `json:"debug"`

	// Scheduler controls triggers (cron + one-shot).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool firings run on.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

// ServerConfig controls the HTTP API listener.
//
// Defaults: host "0.0.0.0", port 3000.
type ServerConfig struct {
	Host            string   `json:"host,omitempty"`
	Port            int      `json:"port,omitempty"`
	ReadTimeout     Duration `json:"read_timeout,omitempty"`
	WriteTimeout    Duration `json:"write_timeout,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
	// RequestsPerSec limits API requests per client IP. 0 disables limiting.
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
}

// AuthConfig protects the API. An empty password disables auth.
type AuthConfig struct {
	Password string `json:"password,omitempty"`
}

// BarkConfig configures the Bark gateway.
type BarkConfig struct {
	URL       string   `json:"url,omitempty"` // default: https://api.day.app
	DeviceKey string   `json:"device_key,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	APIURL string `json:"api_url,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int      `json:"workers,omitempty"`
	QueueSize      int      `json:"queue_size,omitempty"`
	DefaultTimeout Duration `json:"default_timeout,omitempty"`
	HistorySize    int      `json:"history_size,omitempty"`
}

// NotifierConfig controls the delivery policy.
//
// If the whole section is omitted, defaults apply: 5 msg/s, 3 retries.
type NotifierConfig struct {
	RatePerSec     float64  `json:"rate_per_sec,omitempty"`
	Burst          int      `json:"burst,omitempty"`
	RetryMax       *int     `json:"retry_max,omitempty"`
	RetryBase      Duration `json:"retry_base,omitempty"`
	RetryMaxDelay  Duration `json:"retry_max_delay,omitempty"`
	AttemptTimeout Duration `json:"attempt_timeout,omitempty"`
	HistorySize    int      `json:"history_size,omitempty"`
}

// StorageConfig controls the delivery audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/barkd.db" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig exposes runtime profiling on the API listener under
// /debug/pprof, behind the API password.
type DebugConfig struct {
	Pprof bool `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	// Timezone cron expressions are evaluated in (IANA name). Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// FireTimeout bounds one firing (delivery including retries).
	FireTimeout Duration `json:"fire_timeout,omitempty"`
}
