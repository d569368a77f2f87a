package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "SCHOOLOPS_"

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays SCHOOLOPS_* variables onto cfg. lookup is os.LookupEnv
// in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return
		}
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("DB_PATH", &cfg.Storage.Path)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("EMAIL_API_KEY", &cfg.Notify.Email.APIKey)
	str("EMAIL_FROM", &cfg.Notify.Email.FromEmail)
	boolean("EMAIL_ENABLED", &cfg.Notify.Email.Enabled)
	str("TELEGRAM_TOKEN", &cfg.Notify.Telegram.Token)
	boolean("TELEGRAM_ENABLED", &cfg.Notify.Telegram.Enabled)
	integer("WORKERS", &cfg.Jobs.Workers)
	str("PPROF_TOKEN", &cfg.Debug.Token)
}
