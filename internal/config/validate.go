package config

import (
	"errors"
	"fmt"
	"strings"

	logx "schoolops/pkg/logx"
)

// Validate checks cfg without touching any component. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	durations := map[string]string{
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"jobs.retry_base":              cfg.Jobs.RetryBase,
		"jobs.retry_max_delay":         cfg.Jobs.RetryMaxDelay,
		"jobs.poll_interval":           cfg.Jobs.PollInterval,
		"jobs.handler_timeout":         cfg.Jobs.HandlerTimeout,
		"jobs.lease_timeout":           cfg.Jobs.LeaseTimeout,
		"jobs.history_retention":       cfg.Jobs.HistoryRetention,
		"jobs.janitor_every":           cfg.Jobs.JanitorEvery,
		"automation.before_class_lead": cfg.Automation.BeforeClassLead,
		"automation.after_class_delay": cfg.Automation.AfterClassDelay,
		"automation.materialize_lead":  cfg.Automation.MaterializeLead,
		"notify.send_timeout":          cfg.Notify.SendTimeout,
		"notify.dedup_window":          cfg.Notify.DedupWindow,
		"notify.email.timeout":         cfg.Notify.Email.Timeout,
		"http.read_timeout":            cfg.HTTP.ReadTimeout,
		"http.write_timeout":           cfg.HTTP.WriteTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	if cfg.Jobs.Workers < 0 {
		add(errors.New("jobs.workers must be >= 0"))
	}
	if cfg.Jobs.MaxAttempts < 0 {
		add(errors.New("jobs.max_attempts must be >= 0"))
	}
	if j := cfg.Jobs.RetryJitter; j != nil && (*j < 0 || *j > 1) {
		add(errors.New("jobs.retry_jitter must be within [0, 1]"))
	}
	handler, _ := ParseDurationField("jobs.handler_timeout", cfg.Jobs.HandlerTimeout)
	lease, _ := ParseDurationField("jobs.lease_timeout", cfg.Jobs.LeaseTimeout)
	if handler > 0 && lease > 0 && lease <= handler {
		add(errors.New("jobs.lease_timeout must exceed jobs.handler_timeout"))
	}
	if t := cfg.Automation.CapacityThreshold; t < 0 || t > 1 {
		add(errors.New("automation.capacity_threshold must be within [0, 1]"))
	}
	if cfg.Notify.RatePerSec < 0 {
		add(errors.New("notify.rate_per_sec must be >= 0"))
	}
	if e := cfg.Notify.Email; e.Enabled && (strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.FromEmail) == "") {
		add(errors.New("notify.email: api_key and from_email are required when enabled"))
	}
	if t := cfg.Notify.Telegram; t.Enabled && strings.TrimSpace(t.Token) == "" {
		add(errors.New("notify.telegram.token is required when enabled"))
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		add(errors.New("auth.jwt_secret is required (or set SCHOOLOPS_JWT_SECRET)"))
	}
	return errors.Join(errs...)
}
