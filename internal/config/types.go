package config

// Config is the whole service configuration. Durations are Go duration
// strings ("15s", "10m"). String values may reference environment variables
// as ${NAME}.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Batch     BatchConfig     `json:"batch"`
	Janitor   JanitorConfig   `json:"janitor"`
	Providers ProvidersConfig `json:"providers"`
	Metrics   MetricsConfig   `json:"metrics"`

	// UsersFile seeds the user directory at startup (YAML list). Optional.
	UsersFile string `json:"users_file,omitempty"`
}

type TelegramConfig struct {
	// Token is required when the chat channel or the operator console is used.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"dive,gt=0"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout" validate:"omitempty,duration"`
	// Console enables the owner-only operator commands.
	Console bool `json:"console"`
	// ParseMode is the default parse mode for chat notifications ("", "HTML", "Markdown").
	ParseMode string `json:"parse_mode" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" validate:"gte=0"`
	Compress   bool   `json:"compress"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the attempt store.
//
//	"storage": { "driver": "sqlite", "path": "./data/pewnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite memory"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

type DispatchConfig struct {
	// DefaultPriority is used when a send request names no channels.
	DefaultPriority []string `json:"default_priority" validate:"dive,oneof=chat telegram email sms"`
	// AttemptTimeout bounds a single provider call. Default 15s.
	AttemptTimeout string `json:"attempt_timeout" validate:"omitempty,duration"`
	// ChannelTimeouts overrides AttemptTimeout per channel.
	ChannelTimeouts map[string]string `json:"channel_timeouts,omitempty" validate:"dive,keys,oneof=chat telegram email sms,endkeys,duration"`
}

type BatchConfig struct {
	Timeout string `json:"timeout" validate:"omitempty,duration"`
	Workers int    `json:"workers" validate:"gte=0,lte=1024"`
}

type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression (with optional seconds field) or "@every 5m".
	Schedule   string `json:"schedule"`
	StaleAfter string `json:"stale_after" validate:"omitempty,duration"`
	Retention  string `json:"retention" validate:"omitempty,duration"`
}

type ProvidersConfig struct {
	Email EmailConfig `json:"email"`
	SMS   SMSConfig   `json:"sms"`
}

// EmailConfig configures the email channel. Driver "api" posts to an HTTP
// email API; driver "smtp" talks to a mail server directly.
type EmailConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=api smtp"`
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url" validate:"omitempty,url"`
	SenderEmail string `json:"sender_email" validate:"omitempty,email"`
	SenderName  string `json:"sender_name"`
	Subject     string `json:"subject"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPUser     string `json:"smtp_user"`
	SMTPPassword string `json:"smtp_password"`
}

type SMSConfig struct {
	AuthToken   string `json:"auth_token"`
	PhoneNumber string `json:"phone_number"`
	BaseURL     string `json:"base_url" validate:"omitempty,url"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" validate:"required_if=Enabled true"`
	Path    string `json:"path"`
	// Pprof mounts /debug/pprof/ on the metrics listener.
	Pprof bool `json:"pprof"`
}
