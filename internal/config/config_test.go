package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  group_log: "-1001"
logging:
  level: info
  console: true
dispatch:
  poll_period: 1m
  lease_duration: 2m
  post_timeout: 30s
  batch_size: 25
  utc_offset: "+03:00"
notifier:
  enabled: true
  seller_events: [post_failed, deactivated]
storage:
  driver: sqlite
  path: ./data/autoposter.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.getenv = noEnv
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Dispatch.BatchSize != 25 || cfg.Dispatch.UTCOffset != "+03:00" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Notifier == nil || len(cfg.Notifier.SellerEvents) != 2 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
	if !cfg.Dispatch.IsEnabled() {
		t.Fatal("dispatch defaults to enabled")
	}
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"bogus":1}`))
	m.getenv = noEnv
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"}}{}`))
	m.getenv = noEnv
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"file-token"}}`))
	env := map[string]string{
		EnvTelegramToken: "env-token",
		EnvStorageDSN:    "postgres://u:p@db/autoposter",
		EnvAMQPURL:       "amqp://guest:guest@mq:5672/",
	}
	m.getenv = func(k string) string { return env[k] }

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != env[EnvStorageDSN] {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.AMQP == nil || cfg.AMQP.URL != env[EnvAMQPURL] {
		t.Fatalf("amqp = %+v", cfg.AMQP)
	}
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	p := writeFile(t, ".env", "AUTOPOSTER_TEST_A=from-file\nAUTOPOSTER_TEST_B=from-file\n")
	t.Setenv("AUTOPOSTER_TEST_A", "preset")
	t.Setenv("AUTOPOSTER_TEST_B", "")
	os.Unsetenv("AUTOPOSTER_TEST_B")

	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if v := os.Getenv("AUTOPOSTER_TEST_A"); v != "preset" {
		t.Fatalf("A = %q, want preset", v)
	}
	if v := os.Getenv("AUTOPOSTER_TEST_B"); v != "from-file" {
		t.Fatalf("B = %q, want from-file", v)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "x"}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "minimal", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatch.PollPeriod = "soon" }, wantErr: "dispatch.poll_period"},
		{name: "bad offset", mutate: func(c *Config) { c.Dispatch.UTCOffset = "EAT" }, wantErr: "dispatch.utc_offset"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, wantErr: "storage.driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, wantErr: "storage.dsn"},
		{name: "bad event kind", mutate: func(c *Config) { c.Notifier = &NotifierConfig{SellerEvents: []string{"exploded"}} }, wantErr: "notifier.seller_events"},
		{name: "bad amqp url", mutate: func(c *Config) { c.AMQP = &AMQPConfig{URL: "http://mq"} }, wantErr: "amqp.url"},
		{name: "bad admin addr", mutate: func(c *Config) { c.Admin = &AdminConfig{Addr: "8089"} }, wantErr: "admin.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Storage: &StorageConfig{Driver: "postgres", DSN: "secret-1"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Dispatch: DispatchConfig{BatchSize: 10},
		Storage:  &StorageConfig{Driver: "postgres", DSN: "secret-2"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"telegram": true, "dispatch": true, "storage": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q", c)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}

	restart := RestartRequired(oldCfg, newCfg)
	if len(restart) != 2 || restart[0] != "telegram.token" || restart[1] != "storage" {
		t.Fatalf("restart = %v", restart)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("parse: %v %v", d, err)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"dispatch":{"batch_size":5}}`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected, valid content is published.
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"x"},"dispatch":{"batch_size":7}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Dispatch.BatchSize != 7 {
			t.Fatalf("published batch_size = %d, want 7", cfg.Dispatch.BatchSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Dispatch.BatchSize != 7 {
		t.Fatal("published config should be committed")
	}
}

func TestReloadGoesThroughValidatorHook(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"dispatch":{"batch_size":5}}`)
	m := NewConfigManager(p)
	m.getenv = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Dispatch.BatchSize > 10 {
			return errors.New("batch too large")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"x"},"dispatch":{"batch_size":50}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if got := m.Get().Dispatch.BatchSize; got != 5 {
		t.Fatalf("rejected config committed: batch_size = %d", got)
	}

	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"x"},"dispatch":{"batch_size":8}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Dispatch.BatchSize != 8 {
			t.Fatalf("published batch_size = %d", cfg.Dispatch.BatchSize)
		}
	default:
		t.Fatal("accepted config not published")
	}

	// Same content again is not republished.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config republished")
	default:
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Dispatch: DispatchConfig{BatchSize: 1}})
	m.publish(&Config{Dispatch: DispatchConfig{BatchSize: 2}})
	if cfg := <-sub; cfg.Dispatch.BatchSize != 2 {
		t.Fatalf("got batch_size %d, want the newest", cfg.Dispatch.BatchSize)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	m.publish(&Config{})
}

func TestWatchBackoff(t *testing.T) {
	t.Parallel()
	b := backoff{min: 100 * time.Millisecond, max: 400 * time.Millisecond}
	bounds := [][2]time.Duration{{100, 150}, {200, 300}, {400, 600}, {400, 600}}
	for i, want := range bounds {
		d := b.next()
		if d < want[0]*time.Millisecond || d > want[1]*time.Millisecond {
			t.Fatalf("step %d = %s, want within %v", i, d, want)
		}
	}
	b.reset()
	if d := b.next(); d > 150*time.Millisecond {
		t.Fatalf("after reset = %s", d)
	}
}
