package config

import (
	"reflect"
	"strings"

	logx "autoposter/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured fields for logging. Secrets (token, DSN, AMQP URL) are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		strings.TrimSpace(ot.RequestTimeout) != strings.TrimSpace(nt.RequestTimeout) ||
		ot.RatePerSec != nt.RatePerSec || ot.Burst != nt.Burst {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Any("telegram.rate_per_sec", nt.RatePerSec),
			logx.Int("telegram.burst", nt.Burst),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", d.IsEnabled()),
			logx.String("dispatch.poll_period", d.PollPeriod),
			logx.String("dispatch.lease_duration", d.LeaseDuration),
			logx.Int("dispatch.batch_size", d.BatchSize),
			logx.Int("dispatch.failure_threshold", d.FailureThreshold),
			logx.String("dispatch.utc_offset", d.UTCOffset),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := derefNotifier(newCfg.Notifier)
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
			logx.String("notifier.dedup_window", n.DedupWindow),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		s := derefStorage(newCfg.Storage)
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", s.Driver),
			logx.String("storage.path", s.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(s.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.AMQP, newCfg.AMQP) {
		a := derefAMQP(newCfg.AMQP)
		changed = append(changed, "amqp")
		attrs = append(attrs,
			logx.Bool("amqp.url_set", strings.TrimSpace(a.URL) != ""),
			logx.String("amqp.exchange", a.Exchange),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		a := derefAdmin(newCfg.Admin)
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", a.Enabled),
			logx.String("admin.addr", a.Addr),
			logx.Bool("admin.pprof", a.Pprof),
			logx.Bool("admin.token_set", a.Token != ""),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed settings that are only read at startup.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) {
		out = append(out, "telegram.api_url")
	}
	if oldCfg.Telegram.RequestTimeout != newCfg.Telegram.RequestTimeout {
		out = append(out, "telegram.request_timeout")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.AMQP, newCfg.AMQP) {
		out = append(out, "amqp")
	}
	if oldCfg.Dispatch.WorkerID != newCfg.Dispatch.WorkerID {
		out = append(out, "dispatch.worker_id")
	}
	if oldCfg.Dispatch.IsEnabled() != newCfg.Dispatch.IsEnabled() {
		out = append(out, "dispatch.enabled")
	}
	o, n := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if o.Workers != n.Workers || o.QueueSize != n.QueueSize ||
		!reflect.DeepEqual(o.SellerEvents, n.SellerEvents) || !reflect.DeepEqual(o.OpsEvents, n.OpsEvents) {
		out = append(out, "notifier.workers/queue_size/events")
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefAMQP(a *AMQPConfig) AMQPConfig {
	if a == nil {
		return AMQPConfig{}
	}
	return *a
}

func derefAdmin(a *AdminConfig) AdminConfig {
	if a == nil {
		return AdminConfig{}
	}
	return *a
}
