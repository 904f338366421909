package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	AMQP     *AMQPConfig     `json:"amqp,omitempty"`
	Admin    *AdminConfig    `json:"admin,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via AUTOPOSTER_TELEGRAM_TOKEN.
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
	// GroupLog is the operator chat (numeric id or @username) that receives
	// mirrored logs and deactivation notices.
	GroupLog string `json:"group_log,omitempty"`
	// RequestTimeout is a Go duration string (e.g. "30s"). Defaults to
	// dispatch.post_timeout and may not exceed it.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// RatePerSec bounds channel posts across all schedules. Defaults: 20/s, burst 5.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// Offline skips the startup getMe call (dry runs).
	Offline bool `json:"offline,omitempty"`
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

// DispatchConfig controls the polling dispatcher.
//
// All durations are Go duration strings. Defaults (when omitted/zero):
//   - poll_period: "5m"
//   - lease_duration: "2m" (must be at least twice post_timeout)
//   - post_timeout: "30s"
//   - store_timeout: "5s"
//   - batch_size: 50
//   - failure_threshold: 3
//   - utc_offset: "+00:00" (reference zone of the daily slots)
//   - worker_id: hostname + short random suffix
//   - max_drain_rounds: 10
type DispatchConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	PollPeriod    string `json:"poll_period,omitempty"`
	LeaseDuration string `json:"lease_duration,omitempty"`
	PostTimeout   string `json:"post_timeout,omitempty"`
	StoreTimeout  string `json:"store_timeout,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`

	FailureThreshold   int  `json:"failure_threshold,omitempty"`
	FastTrackPermanent bool `json:"fast_track_permanent,omitempty"`

	UTCOffset      string `json:"utc_offset,omitempty"`
	WorkerID       string `json:"worker_id,omitempty"`
	MaxDrainRounds int    `json:"max_drain_rounds,omitempty"`
}

// IsEnabled reports whether the dispatcher runs. It defaults to true.
func (d DispatchConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier is enabled with defaults and
// sellers receive post_failed and deactivated notices.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	// SellerEvents and OpsEvents select event kinds: posted, post_failed, deactivated.
	SellerEvents []string `json:"seller_events,omitempty"`
	OpsEvents    []string `json:"ops_events,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autoposter.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN may be left empty and supplied via AUTOPOSTER_STORAGE_DSN.
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// AMQPConfig publishes scheduler events to a topic exchange.
// An empty URL disables the sink.
type AMQPConfig struct {
	URL        string   `json:"url,omitempty"`
	Exchange   string   `json:"exchange,omitempty"`
	RoutingKey string   `json:"routing_key,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// AdminConfig controls the operator HTTP server (health, schedule
// reactivation, optional pprof). Disabled when omitted.
//
// A non-loopback addr requires token unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8089"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
