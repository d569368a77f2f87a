package app

import (
	"fmt"
	"strings"
	"time"

	"schoolops/internal/api"
	"schoolops/internal/automation"
	"schoolops/internal/config"
	"schoolops/internal/jobs"
	"schoolops/internal/notify"
	"schoolops/internal/observability/pprof"
	"schoolops/internal/storage"
	"schoolops/internal/trigger"
	logx "schoolops/pkg/logx"
)

// Every mapper assumes cfg passed config.Validate; durations that fail to
// parse there never reach these.

const defaultDailyAt = "06:00"

func dur(raw string) time.Duration { return config.MustDuration(raw) }

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy := dur(sc.BusyTimeout)
	if busy == 0 {
		busy = time.Second
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapQueue(cfg *config.Config) jobs.QueueConfig {
	return jobs.QueueConfig{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		RetryBase:   dur(cfg.Jobs.RetryBase),
	}
}

func mapPool(cfg *config.Config) jobs.Config {
	j := cfg.Jobs
	var jitter *float64
	if j.RetryJitter != nil {
		jitter = jobs.Jitter(*j.RetryJitter)
	}
	return jobs.Config{
		Workers:          j.Workers,
		PollInterval:     dur(j.PollInterval),
		RetryMaxDelay:    dur(j.RetryMaxDelay),
		RetryJitter:      jitter,
		HandlerTimeout:   dur(j.HandlerTimeout),
		LeaseTimeout:     dur(j.LeaseTimeout),
		HistoryRetention: dur(j.HistoryRetention),
		JanitorEvery:     dur(j.JanitorEvery),
		HistorySize:      j.HistorySize,
	}
}

func mapAutomation(cfg *config.Config) automation.Config {
	a := cfg.Automation
	return automation.Config{
		BeforeClassLead:   dur(a.BeforeClassLead),
		AfterClassDelay:   dur(a.AfterClassDelay),
		CapacityThreshold: a.CapacityThreshold,
		MaterializeLead:   dur(a.MaterializeLead),
		LinkBaseURL:       a.LinkBaseURL,
	}
}

func dailySchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Automation.DailyAt); s != "" {
		return s
	}
	return defaultDailyAt
}

func mapTrigger(cfg *config.Config) trigger.Config {
	return trigger.Config{Timezone: strings.TrimSpace(cfg.Automation.Timezone)}
}

func mapDispatcher(cfg *config.Config) notify.Config {
	return notify.Config{
		RatePerSec:  cfg.Notify.RatePerSec,
		SendTimeout: dur(cfg.Notify.SendTimeout),
		DedupWindow: dur(cfg.Notify.DedupWindow),
	}
}

func mapEmail(cfg *config.Config) notify.EmailConfig {
	e := cfg.Notify.Email
	return notify.EmailConfig{
		APIKey:    e.APIKey,
		BaseURL:   e.BaseURL,
		FromEmail: e.FromEmail,
		FromName:  e.FromName,
		Timeout:   dur(e.Timeout),
	}
}

func mapTelegram(cfg *config.Config) notify.TelegramConfig {
	return notify.TelegramConfig{
		Token:     cfg.Notify.Telegram.Token,
		ParseMode: cfg.Notify.Telegram.ParseMode,
	}
}

func mapAPI(cfg *config.Config) api.Config {
	return api.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  dur(cfg.HTTP.ReadTimeout),
		WriteTimeout: dur(cfg.HTTP.WriteTimeout),
		BodyLimit:    cfg.HTTP.BodyLimit,
		JWTSecret:    cfg.Auth.JWTSecret,
		Issuer:       cfg.Auth.Issuer,
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}
