package automation

import "time"

type Config struct {
	BeforeClassLead  time.Duration
	AfterClassDelay  time.Duration
	DueSoonWindow    time.Duration
	OverdueWindow    time.Duration
	FinalNoticeUntil time.Duration
	// CapacityThreshold is the enrolled/capacity ratio that triggers a warning.
	CapacityThreshold float64
	// MaterializeLead is how long before an occurrence starts its lesson is created.
	MaterializeLead time.Duration
	// LinkBaseURL prefixes the attendance deep link, e.g. https://school.example.
	LinkBaseURL string
}

func (c Config) withDefaults() Config {
	if c.BeforeClassLead <= 0 {
		c.BeforeClassLead = 30 * time.Minute
	}
	if c.AfterClassDelay <= 0 {
		c.AfterClassDelay = 15 * time.Minute
	}
	if c.DueSoonWindow <= 0 {
		c.DueSoonWindow = 3 * 24 * time.Hour
	}
	if c.OverdueWindow <= 0 {
		c.OverdueWindow = 7 * 24 * time.Hour
	}
	if c.FinalNoticeUntil <= c.OverdueWindow {
		c.FinalNoticeUntil = 30 * 24 * time.Hour
	}
	if c.CapacityThreshold <= 0 || c.CapacityThreshold > 1 {
		c.CapacityThreshold = 0.9
	}
	if c.MaterializeLead <= 0 {
		c.MaterializeLead = 7 * 24 * time.Hour
	}
	return c
}
