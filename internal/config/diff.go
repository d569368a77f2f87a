package config

import (
	"encoding/json"
	"hash/fnv"
	"strings"

	logx "schoolops/pkg/logx"
)

// Section names reported by SummarizeConfigChange.
const (
	SectionLogging    = "logging"
	SectionStorage    = "storage"
	SectionJobs       = "jobs"
	SectionAutomation = "automation"
	SectionNotify     = "notify"
	SectionHTTP       = "http"
	SectionAuth       = "auth"
	SectionDebug      = "debug"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets are reported only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if sectionHash(oldCfg.Logging) != sectionHash(newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if sectionHash(oldCfg.Storage) != sectionHash(newCfg.Storage) {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}
	if sectionHash(oldCfg.Jobs) != sectionHash(newCfg.Jobs) {
		changed = append(changed, SectionJobs)
		attrs = append(attrs,
			logx.Int("jobs.workers", newCfg.Jobs.Workers),
			logx.Int("jobs.max_attempts", newCfg.Jobs.MaxAttempts),
		)
	}
	if sectionHash(oldCfg.Automation) != sectionHash(newCfg.Automation) {
		changed = append(changed, SectionAutomation)
		attrs = append(attrs,
			logx.String("automation.timezone", newCfg.Automation.Timezone),
			logx.String("automation.daily_at", newCfg.Automation.DailyAt),
		)
	}

	on, nn := redactNotify(oldCfg.Notify), redactNotify(newCfg.Notify)
	if sectionHash(on) != sectionHash(nn) {
		changed = append(changed, SectionNotify)
		attrs = append(attrs,
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.Bool("notify.email_enabled", newCfg.Notify.Email.Enabled),
			logx.Bool("notify.email_key_set", strings.TrimSpace(newCfg.Notify.Email.APIKey) != ""),
			logx.Bool("notify.telegram_enabled", newCfg.Notify.Telegram.Enabled),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
		)
	}
	if sectionHash(oldCfg.HTTP) != sectionHash(newCfg.HTTP) {
		changed = append(changed, SectionHTTP)
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Auth.JWTSecret != newCfg.Auth.JWTSecret || oldCfg.Auth.Issuer != newCfg.Auth.Issuer {
		changed = append(changed, SectionAuth)
		attrs = append(attrs,
			logx.Bool("auth.secret_set", strings.TrimSpace(newCfg.Auth.JWTSecret) != ""),
			logx.String("auth.issuer", newCfg.Auth.Issuer),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, SectionDebug)
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that cannot be hot-applied.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionStorage, SectionJobs, SectionHTTP, SectionAuth:
			out = append(out, s)
		}
	}
	return out
}

// redactNotify keeps only whether secrets are present so that hashes differ
// on rotation without the secret being hashed with the rest.
func redactNotify(n NotifyConfig) NotifyConfig {
	if n.Email.APIKey != "" {
		n.Email.APIKey = "set:" + hexHash(n.Email.APIKey)
	}
	if n.Telegram.Token != "" {
		n.Telegram.Token = "set:" + hexHash(n.Telegram.Token)
	}
	return n
}

func sectionHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hexHash(s string) string {
	const digits = "0123456789abcdef"
	h := hashBytes([]byte(s))
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = digits[h&0xf]
		h >>= 4
	}
	return string(out)
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
