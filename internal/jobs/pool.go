package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"schoolops/internal/eventbus"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"

	rtsup "schoolops/internal/runtime/supervisor"
)

// Pool runs due jobs on a fixed number of workers.
type Pool struct {
	mu    sync.Mutex
	cfg   Config
	store storage.JobStore
	reg   *Registry
	queue *Queue
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	owner string

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  atomic.Int32
	completed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// NewPool wires a pool. queue may be nil; it only provides wake-ups.
func NewPool(cfg Config, store storage.JobStore, reg *Registry, queue *Queue, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return &Pool{
		cfg:   cfg.withDefaults(),
		store: store,
		reg:   reg,
		queue: queue,
		log:   log.With(logx.String("comp", "jobs.pool")),
		bus:   bus,
		now:   time.Now,
		owner: fmt.Sprintf("%s/%d", host, os.Getpid()),
	}
}

func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	// Start is idempotent.
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}
	cfg := p.cfg
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh

	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		// A broken worker should not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	var wake <-chan struct{}
	if p.queue != nil {
		wake = p.queue.Wake()
	}
	restartBackoff := rtsup.WithRestartBackoff(cfg.PollInterval, cfg.RetryMaxDelay)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.worker(c, stopCh, wake, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			restartBackoff,
			rtsup.WithPublishFirstError(true),
		)
	}
	sup.GoRestart("janitor", func(c context.Context) error {
		p.janitor(c, stopCh)
		return nil
	}, restartBackoff)

	p.log.Info("job pool started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("lease", cfg.LeaseTimeout),
		logx.Strings("kinds", kindStrings(p.reg.Kinds())),
	)
}

// Stop stops claiming new jobs and waits for in-flight handlers until ctx
// expires; after that their contexts are canceled.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		p.mu.Lock()
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("job pool stopped")
	case <-ctx.Done():
		sup.Cancel()
		p.log.Warn("job pool stop timed out, canceling handlers", logx.Err(ctx.Err()))
	}
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil && p.stopDone == nil
}

// Supervisor returns the pool's supervisor (nil if not started), for health output.
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

func (p *Pool) Snapshot() Snapshot {
	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Running:    p.Running(),
		Workers:    p.cfg.Workers,
		InFlight:   int(p.inFlight.Load()),
		Kinds:      p.reg.Kinds(),
		Goroutines: p.Supervisor().Counters(),
		Completed:  p.completed.Load(),
		Retried:    p.retried.Load(),
		Failed:     p.failed.Load(),
		Discarded:  p.discarded.Load(),
		History:    h,
	}
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := p.cfg.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
	p.hmu.Unlock()
}

func (p *Pool) janitor(ctx context.Context, stopCh <-chan struct{}) {
	t := time.NewTicker(p.cfg.JanitorEvery)
	defer t.Stop()
	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	now := p.now()
	n, err := p.store.RequeueExpired(ctx, now.Add(-p.cfg.LeaseTimeout), now)
	if err != nil {
		p.log.Warn("requeue expired leases failed", logx.Err(err))
	} else if n > 0 {
		p.log.Warn("expired job leases requeued", logx.Int("jobs", n))
	}
	n, err = p.store.PurgeJobs(ctx, now.Add(-p.cfg.HistoryRetention))
	if err != nil {
		p.log.Warn("purge finished jobs failed", logx.Err(err))
	} else if n > 0 {
		p.log.Debug("finished jobs purged", logx.Int("jobs", n))
	}
}

func kindStrings(ks []Kind) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}
