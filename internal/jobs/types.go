package jobs

import (
	"time"

	rtsup "schoolops/internal/runtime/supervisor"
)

// Config controls the worker pool.
//
// The app layer maps config.jobs into this struct; zero fields take defaults.
type Config struct {
	Workers      int
	PollInterval time.Duration

	RetryMaxDelay time.Duration
	// RetryJitter is the +/- fraction applied to retry delays. nil means 0.2,
	// 0 disables jitter.
	RetryJitter *float64

	// HandlerTimeout bounds one handler run. 0 disables it.
	HandlerTimeout time.Duration
	// LeaseTimeout returns ACTIVE jobs of a crashed process to PENDING.
	// Running workers renew their lease every LeaseTimeout/3.
	LeaseTimeout time.Duration

	HistoryRetention time.Duration
	JanitorEvery     time.Duration
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	switch {
	case c.RetryJitter == nil:
		c.RetryJitter = Jitter(0.2)
	case *c.RetryJitter < 0:
		c.RetryJitter = Jitter(0)
	}
	if c.HandlerTimeout < 0 {
		c.HandlerTimeout = 0
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 10 * time.Minute
	}
	if c.HandlerTimeout > 0 && c.LeaseTimeout <= c.HandlerTimeout {
		c.LeaseTimeout = 2 * c.HandlerTimeout
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 7 * 24 * time.Hour
	}
	if c.JanitorEvery <= 0 {
		c.JanitorEvery = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Jitter returns a RetryJitter value.
func Jitter(f float64) *float64 { return &f }

const (
	EventEnqueued  = "job.enqueued"
	EventCompleted = "job.completed"
	EventRetry     = "job.retry"
	EventFailed    = "job.failed"
	EventDiscarded = "job.discarded"
)

// Event is the bus payload for job lifecycle events.
type Event struct {
	ID       string        `json:"id,omitempty"`
	Kind     Kind          `json:"kind"`
	TenantID string        `json:"tenant"`
	DedupKey string        `json:"key,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	RunAt    time.Time     `json:"run_at,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeAbandoned Outcome = "abandoned"
)

type HistoryItem struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	TenantID string        `json:"tenant"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool   `json:"running"`
	Workers  int    `json:"workers"`
	InFlight int    `json:"in_flight"`
	Kinds    []Kind `json:"kinds"`

	// Goroutines reports the worker supervisor: restarts and recovered panics
	// of the worker loops themselves.
	Goroutines rtsup.Counters `json:"goroutines"`

	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Discarded uint64 `json:"discarded"`

	History []HistoryItem `json:"history"`
}

// ForTenant keeps the pool state and the history entries of tenantID. Job
// counters aggregate every tenant and are left zero.
func (s Snapshot) ForTenant(tenantID string) Snapshot {
	out := Snapshot{Running: s.Running, Workers: s.Workers, Kinds: s.Kinds, Goroutines: s.Goroutines, History: []HistoryItem{}}
	for _, h := range s.History {
		if h.TenantID == tenantID {
			out.History = append(out.History, h)
		}
	}
	return out
}
