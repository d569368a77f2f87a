package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"schoolops/internal/eventbus"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

type Result int

const (
	Accepted Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// QueueConfig sets the retry policy stamped onto every new job.
type QueueConfig struct {
	MaxAttempts int
	RetryBase   time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	return c
}

// Request submits one job.
type Request struct {
	TenantID string
	Payload  Payload
	// Delay of zero means due now. Ignored when RunAt is set.
	Delay time.Duration
	RunAt time.Time
	// DedupKey overrides Payload.DedupKey().
	DedupKey string
}

// Queue persists jobs until they are due. It never runs handlers.
type Queue struct {
	store storage.JobStore
	cfg   QueueConfig
	log   logx.Logger
	bus   eventbus.Bus
	wake  chan struct{}
	now   func() time.Time
}

func NewQueue(cfg QueueConfig, store storage.JobStore, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "jobs.queue")),
		bus:   bus,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Enqueue stores the job unless a PENDING or ACTIVE job of the same tenant
// with the same dedup key exists, in which case it returns Duplicate and
// changes nothing.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return 0, fmt.Errorf("%w: tenant is required", ErrInvalidJob)
	}
	if req.Payload == nil || !req.Payload.Kind().Valid() {
		return 0, fmt.Errorf("%w: payload kind", ErrInvalidJob)
	}
	key := req.DedupKey
	if key == "" {
		key = req.Payload.DedupKey()
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: encode payload: %v", ErrInvalidJob, err)
	}

	now := q.now()
	runAt := req.RunAt
	if runAt.IsZero() {
		delay := req.Delay
		if delay < 0 {
			delay = 0
		}
		runAt = now.Add(delay)
	}

	j := Job{
		DedupKey:    key,
		TenantID:    req.TenantID,
		Kind:        string(req.Payload.Kind()),
		Payload:     raw,
		RunAt:       runAt,
		MaxAttempts: q.cfg.MaxAttempts,
		BackoffBase: q.cfg.RetryBase,
		CreatedAt:   now,
	}
	inserted, err := q.store.InsertJob(ctx, j)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if !inserted {
		q.log.Debug("job.duplicate", logx.Tenant(req.TenantID), logx.String("key", key))
		return Duplicate, nil
	}

	q.log.Debug("job.enqueued",
		logx.Tenant(req.TenantID),
		logx.String("kind", j.Kind),
		logx.String("key", key),
		logx.Time("run_at", runAt),
	)
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: EventEnqueued, Time: now, Data: Event{Kind: Kind(j.Kind), TenantID: j.TenantID, DedupKey: key, RunAt: runAt}})
	}
	if !runAt.After(now) {
		q.signal()
	}
	return Accepted, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake fires when a job became due immediately; pollers use it to skip the
// remainder of their poll interval.
func (q *Queue) Wake() <-chan struct{} { return q.wake }
