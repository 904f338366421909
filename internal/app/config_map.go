package app

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"autoposter/internal/config"
	"autoposter/internal/dispatch"
	"autoposter/internal/notifier"
	"autoposter/internal/observability/admin"
	"autoposter/internal/schedule"
	"autoposter/internal/storage"
	kit "autoposter/internal/transport"
	"autoposter/internal/transport/telegram"
	logx "autoposter/pkg/logx"
)

const (
	defaultSendRate  = 20.0
	defaultSendBurst = 5
)

// mapTelegramConfig defaults request_timeout to dispatch.post_timeout and
// rejects a longer one.
func mapTelegramConfig(cfg *config.Config, postTimeout time.Duration) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, postTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	if timeout > postTimeout {
		return telegram.Config{}, errors.Newf("telegram.request_timeout (%s) must not exceed dispatch.post_timeout (%s)", timeout, postTimeout)
	}
	return telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		APIURL:  strings.TrimSpace(cfg.Telegram.APIURL),
		Offline: cfg.Telegram.Offline,
		Timeout: timeout,
	}, nil
}

func sendRate(cfg *config.Config) (float64, int) {
	rps, burst := cfg.Telegram.RatePerSec, cfg.Telegram.Burst
	if rps <= 0 {
		rps = defaultSendRate
	}
	if burst <= 0 {
		burst = defaultSendBurst
	}
	return rps, burst
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// opsTarget parses telegram.group_log. An empty value means no operator chat.
func opsTarget(cfg *config.Config, threadID int) (kit.ChatTarget, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return kit.ChatTarget{}, nil
	}
	to, err := kit.ParseChatTarget(raw)
	if err != nil {
		return kit.ChatTarget{}, errors.Wrap(err, "telegram.group_log")
	}
	to.ThreadID = threadID
	return to, nil
}

// mapStorageConfig defaults to sqlite at ./data/autoposter.db when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := config.StorageConfig{Driver: "sqlite"}
	if cfg.Storage != nil {
		sc = *cfg.Storage
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			path = "./data/autoposter.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.Newf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDispatchConfig builds a defaulted, validated engine config.
func mapDispatchConfig(cfg *config.Config, workerID string) (dispatch.Config, error) {
	d := cfg.Dispatch
	var (
		out dispatch.Config
		err error
	)
	if out.PollPeriod, err = config.ParseDurationField("dispatch.poll_period", d.PollPeriod); err != nil {
		return dispatch.Config{}, err
	}
	if out.LeaseDuration, err = config.ParseDurationField("dispatch.lease_duration", d.LeaseDuration); err != nil {
		return dispatch.Config{}, err
	}
	if out.PostTimeout, err = config.ParseDurationField("dispatch.post_timeout", d.PostTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if out.StoreTimeout, err = config.ParseDurationField("dispatch.store_timeout", d.StoreTimeout); err != nil {
		return dispatch.Config{}, err
	}
	loc, err := schedule.ZoneFromOffset(strings.TrimSpace(d.UTCOffset))
	if err != nil {
		return dispatch.Config{}, errors.Wrap(err, "dispatch.utc_offset")
	}
	out.Location = loc
	out.BatchSize = d.BatchSize
	out.FailureThreshold = d.FailureThreshold
	out.FastTrackPermanent = d.FastTrackPermanent
	out.MaxDrainRounds = d.MaxDrainRounds
	out.WorkerID = strings.TrimSpace(d.WorkerID)
	if out.WorkerID == "" {
		out.WorkerID = workerID
	}

	out = out.WithDefaults()
	if err := out.Validate(); err != nil {
		return dispatch.Config{}, errors.Wrap(err, "dispatch")
	}
	return out, nil
}

// mapNotifierConfig returns the pipeline config. An omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, DedupWindow: time.Hour}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Hour); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapAdminConfig returns a disabled config when the section is omitted.
func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	if a == nil {
		return admin.Config{}, nil
	}
	out := admin.Config{
		Enabled:       a.Enabled,
		Addr:          strings.TrimSpace(a.Addr),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 2*time.Minute); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

func kindsOrDefault(names []string, def ...string) (notifier.KindSet, error) {
	if len(names) == 0 {
		names = def
	}
	return notifier.ParseKinds(names)
}

// buildSinks creates the telegram and amqp sinks from config.
// The returned AMQP sink is nil when no URL is configured.
func buildSinks(cfg *config.Config, sender kit.Sender, ops kit.ChatTarget, loc *time.Location) ([]notifier.Sink, *notifier.AMQPSink, error) {
	var nc config.NotifierConfig
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	sellerKinds, err := kindsOrDefault(nc.SellerEvents, "post_failed", "deactivated")
	if err != nil {
		return nil, nil, errors.Wrap(err, "notifier.seller_events")
	}
	opsKinds, err := kindsOrDefault(nc.OpsEvents, "deactivated")
	if err != nil {
		return nil, nil, errors.Wrap(err, "notifier.ops_events")
	}

	sinks := []notifier.Sink{notifier.NewSellerSink(sender, sellerKinds, loc)}
	if !ops.IsZero() {
		sinks = append(sinks, notifier.NewOpsSink(sender, ops, opsKinds, loc))
	}

	var amqpSink *notifier.AMQPSink
	if a := cfg.AMQP; a != nil && strings.TrimSpace(a.URL) != "" {
		kinds, err := kindsOrDefault(a.Events, "posted", "post_failed", "deactivated")
		if err != nil {
			return nil, nil, errors.Wrap(err, "amqp.events")
		}
		amqpSink = notifier.NewAMQPSink(notifier.AMQPConfig{
			URL:        strings.TrimSpace(a.URL),
			Exchange:   strings.TrimSpace(a.Exchange),
			RoutingKey: strings.TrimSpace(a.RoutingKey),
		}, kinds)
		sinks = append(sinks, amqpSink)
	}
	return sinks, amqpSink, nil
}

// defaultWorkerID is the hostname plus a short random suffix so two
// processes on one host never share a lease owner.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "autoposter"
	}
	return host + "-" + uuid.NewString()[:8]
}
