package config

import (
	"net"
	"strings"

	"github.com/cockroachdb/errors"

	"autoposter/internal/schedule"
	logx "autoposter/pkg/logx"
)

var eventKinds = map[string]struct{}{
	"posted":      {},
	"post_failed": {},
	"deactivated": {},
}

// Validate checks field syntax. Cross-field rules that depend on defaults
// (lease vs post timeout) are checked when the dispatcher config is built.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	durations := func(fields map[string]string) {
		for path, raw := range fields {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}
	kinds := func(path string, names []string) {
		for _, n := range names {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == "" {
				continue
			}
			if _, ok := eventKinds[n]; !ok {
				add(errors.Newf("%s: unknown event kind %q", path, n))
			}
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.Newf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	durations(map[string]string{"telegram.request_timeout": cfg.Telegram.RequestTimeout})
	if cfg.Telegram.RatePerSec < 0 || cfg.Telegram.Burst < 0 {
		add(errors.New("telegram.rate_per_sec and telegram.burst must be >= 0"))
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(errors.Newf("logging.level: unknown level %q", lv))
	}
	if lv := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); lv != "" && !logx.ValidLevel(lv) {
		add(errors.Newf("logging.telegram.min_level: unknown level %q", lv))
	}

	d := cfg.Dispatch
	durations(map[string]string{
		"dispatch.poll_period":    d.PollPeriod,
		"dispatch.lease_duration": d.LeaseDuration,
		"dispatch.post_timeout":   d.PostTimeout,
		"dispatch.store_timeout":  d.StoreTimeout,
	})
	if d.BatchSize < 0 || d.FailureThreshold < 0 || d.MaxDrainRounds < 0 {
		add(errors.New("dispatch.batch_size, failure_threshold and max_drain_rounds must be >= 0"))
	}
	if _, err := schedule.ZoneFromOffset(strings.TrimSpace(d.UTCOffset)); err != nil {
		add(errors.Wrap(err, "dispatch.utc_offset"))
	}

	if n := cfg.Notifier; n != nil {
		durations(map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
			"notifier.dedup_window":    n.DedupWindow,
		})
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier.workers, queue_size, rate_per_sec and retry_max must be >= 0"))
		}
		kinds("notifier.seller_events", n.SellerEvents)
		kinds("notifier.ops_events", n.OpsEvents)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3", "memory", "mem":
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.Newf("storage.dsn is required for postgres (or set %s)", EnvStorageDSN))
			}
		default:
			add(errors.Newf("storage.driver: unknown driver %q", s.Driver))
		}
		durations(map[string]string{"storage.busy_timeout": s.BusyTimeout})
	}

	if a := cfg.AMQP; a != nil {
		if u := strings.TrimSpace(a.URL); u != "" && !strings.HasPrefix(u, "amqp://") && !strings.HasPrefix(u, "amqps://") {
			add(errors.New("amqp.url must start with amqp:// or amqps://"))
		}
		kinds("amqp.events", a.Events)
	}

	if a := cfg.Admin; a != nil {
		durations(map[string]string{
			"admin.read_timeout":  a.ReadTimeout,
			"admin.write_timeout": a.WriteTimeout,
			"admin.idle_timeout":  a.IdleTimeout,
		})
		if addr := strings.TrimSpace(a.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add(errors.Wrap(err, "admin.addr"))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Newf("invalid config: %s", strings.Join(errs, "; "))
}
