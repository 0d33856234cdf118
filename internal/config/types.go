package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Omitted or zero values fall back to the defaults documented on each section.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Vault     VaultConfig     `json:"vault"`
	Protocol  ProtocolConfig  `json:"protocol"`
	Linking   LinkingConfig   `json:"linking"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Retry     RetryConfig     `json:"retry"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Digest    DigestConfig    `json:"digest"`
	Debug     DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	// Token drives the controlling bot. ADCASTER_BOT_TOKEN overrides it.
	Token string `json:"token"`
	// LoggerToken drives the side-channel bot used for delivery notifications.
	// Empty means notifications go through the controlling bot.
	LoggerToken  string  `json:"logger_token,omitempty"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// LogChatID receives warn+ log lines when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistent store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./adcaster.db" }
//	"storage": { "driver": "redis", "url": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	KeyPrefix   string `json:"key_prefix,omitempty"`   // redis
}

// VaultConfig points at the age X25519 identity that seals session secrets.
// Exactly one of KeyFile or Key should be set; ADCASTER_VAULT_KEY overrides Key.
type VaultConfig struct {
	KeyFile string `json:"key_file,omitempty"`
	Key     string `json:"key,omitempty"`
}

// ProtocolConfig selects how accounts reach the messaging network.
// Driver "mtproto" (default) connects directly with app_id/app_hash from
// my.telegram.org; "gateway" talks to an HTTP bridge at base_url.
type ProtocolConfig struct {
	Driver  string `json:"driver,omitempty"`
	AppID   int    `json:"app_id,omitempty"`
	AppHash string `json:"app_hash,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// LinkingConfig defaults:
//   - code_length: 5
//   - pending_ttl: "5m"
//   - max_accounts: 5
//   - rate_limit_cap: "5m"
type LinkingConfig struct {
	CodeLength   int    `json:"code_length,omitempty"`
	PendingTTL   string `json:"pending_ttl,omitempty"`
	MaxAccounts  int    `json:"max_accounts,omitempty"`
	RateLimitCap string `json:"rate_limit_cap,omitempty"`
}

// BroadcastConfig defaults:
//   - default_delay: "30s", min_delay: "10s", max_delay: "1h"
//   - jitter_min: "3s", jitter_max: "4s"
//   - rate_limit_cap: "5m"
//   - send_timeout: "30s"
type BroadcastConfig struct {
	DefaultDelay  string `json:"default_delay,omitempty"`
	MinDelay      string `json:"min_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
	JitterMin     string `json:"jitter_min,omitempty"`
	JitterMax     string `json:"jitter_max,omitempty"`
	RateLimitCap  string `json:"rate_limit_cap,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	ResumeOnStart bool   `json:"resume_on_start,omitempty"`
}

// RetryConfig is shared by linking and broadcast.
//
// Defaults: max_attempts 3, base_delay "2s", multiplier 2, max_delay "30s", jitter 0.2.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// NotifierConfig controls the async delivery notification pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// DigestConfig schedules the admin stats digest.
//
// Schedule accepts standard 5-field cron or 6-field with seconds.
type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "0 9 * * *"
	Timezone string `json:"timezone,omitempty"`
}

// DebugConfig enables the pprof and /healthz listener. Addr defaults to
// 127.0.0.1:6060; a non-loopback addr needs Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
