package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Secrets read from the environment. They override the file so tokens can
// stay out of version-controlled config.
const (
	EnvTelegramToken = "AUTOPOSTER_TELEGRAM_TOKEN"
	EnvStorageDSN    = "AUTOPOSTER_STORAGE_DSN"
	EnvAMQPURL       = "AUTOPOSTER_AMQP_URL"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into
// the process environment. Existing variables win and missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat %s", p)
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// applyEnv overlays secrets from the environment onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDSN)); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvAMQPURL)); v != "" {
		if cfg.AMQP == nil {
			cfg.AMQP = &AMQPConfig{}
		}
		cfg.AMQP.URL = v
	}
}
