package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// Durations are Go duration strings ("500ms", "30s", "168h") and are parsed
// by the app layer with ParseDurationField. Secrets can be left empty here and
// supplied through SCHOOLOPS_* environment variables (see ApplyEnv).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Jobs       JobsConfig       `json:"jobs"`
	Automation AutomationConfig `json:"automation"`
	Notify     NotifyConfig     `json:"notify"`
	HTTP       HTTPConfig       `json:"http"`
	Auth       AuthConfig       `json:"auth"`
	Debug      DebugConfig      `json:"debug"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	JSON    bool       `json:"json,omitempty"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable store.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// JobsConfig controls the queue and worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - max_attempts: 3
//   - retry_base: "5s", retry_max_delay: "10m"
//   - retry_jitter: 0.2 when omitted; 0 disables jitter
//   - poll_interval: "1s"
//   - handler_timeout: "0s" (none)
//   - lease_timeout: "10m" (must exceed handler_timeout)
//   - history_retention: "168h"
type JobsConfig struct {
	Workers          int      `json:"workers,omitempty"`
	MaxAttempts      int      `json:"max_attempts,omitempty"`
	RetryBase        string   `json:"retry_base,omitempty"`
	RetryMaxDelay    string   `json:"retry_max_delay,omitempty"`
	RetryJitter      *float64 `json:"retry_jitter,omitempty"`
	PollInterval     string   `json:"poll_interval,omitempty"`
	HandlerTimeout   string   `json:"handler_timeout,omitempty"`
	LeaseTimeout     string   `json:"lease_timeout,omitempty"`
	HistoryRetention string   `json:"history_retention,omitempty"`
	JanitorEvery     string   `json:"janitor_every,omitempty"`
	HistorySize      int      `json:"history_size,omitempty"`
}

type AutomationConfig struct {
	// Timezone drives the trigger clock. Tenant days use each tenant's zone.
	Timezone string `json:"timezone,omitempty"`
	// DailyAt is the daily scan schedule (HH:MM, cron, or duration).
	DailyAt           string  `json:"daily_at,omitempty"`
	BeforeClassLead   string  `json:"before_class_lead,omitempty"`
	AfterClassDelay   string  `json:"after_class_delay,omitempty"`
	CapacityThreshold float64 `json:"capacity_threshold,omitempty"`
	MaterializeLead   string  `json:"materialize_lead,omitempty"`
	LinkBaseURL       string  `json:"link_base_url,omitempty"`
}

type NotifyConfig struct {
	RatePerSec  int            `json:"rate_per_sec,omitempty"`
	SendTimeout string         `json:"send_timeout,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Email       EmailConfig    `json:"email"`
	Telegram    TelegramConfig `json:"telegram"`
}

type EmailConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// BodyLimit is in bytes; 0 means the server default.
	BodyLimit int `json:"body_limit,omitempty"`
}

// AuthConfig configures bearer-token verification (HS256).
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
}

// DebugConfig enables the pprof listener. Addr defaults to 127.0.0.1:6060;
// any other host needs Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
