package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"schoolops/internal/eventbus"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

// transitionTimeout bounds the store write that settles a job once its handler
// returned, even when the pool is being stopped.
const transitionTimeout = 5 * time.Second

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, wake <-chan struct{}, idx int) {
	// Per-worker RNG keeps jitter free of global lock contention.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	workerID := fmt.Sprintf("%s/w%d", p.owner, idx)

	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		// Drain everything due before sleeping again.
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			default:
			}
			job, ok, err := p.store.ClaimJob(ctx, workerID, p.now())
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("job claim failed", logx.String("worker", workerID), logx.Err(err))
				}
				break
			}
			if !ok {
				break
			}
			p.inFlight.Add(1)
			p.execOne(ctx, job, rng)
			p.inFlight.Add(-1)
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-wake:
		case <-t.C:
		}
	}
}

func (p *Pool) execOne(ctx context.Context, job Job, rng *rand.Rand) {
	start := p.now()
	kind := Kind(job.Kind)
	log := p.log.With(logx.Job(job.ID), logx.Tenant(job.TenantID), logx.String("kind", job.Kind))
	item := HistoryItem{ID: job.ID, Kind: kind, TenantID: job.TenantID, Attempt: job.Attempts, Started: start}
	ev := Event{ID: job.ID, Kind: kind, TenantID: job.TenantID, DedupKey: job.DedupKey, Attempt: job.Attempts}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
	defer cancel()

	e, known := p.reg.lookup(kind)
	if !known {
		// Programmer or configuration error: nothing to retry.
		p.discarded.Add(1)
		log.Warn("job.discarded", logx.String("reason", "unknown kind"))
		p.logTransition(log, p.store.FailJob(sctx, job.ID, ErrUnknownKind.Error(), p.now()))
		item.Outcome, item.Error = OutcomeDiscarded, ErrUnknownKind.Error()
		ev.Error = item.Error
		p.publish(EventDiscarded, ev)
		p.record(item)
		return
	}

	log.Debug("job.claimed", logx.Int("attempt", job.Attempts), logx.Int("max_attempts", job.MaxAttempts))

	var err error
	if job.MaxAttempts > 0 && job.Attempts > job.MaxAttempts {
		// Claimed again after its lease expired on the last attempt.
		err = NoRetry(fmt.Errorf("attempts exhausted (%d/%d)", job.Attempts, job.MaxAttempts))
	} else {
		err = p.run(ctx, log, e, job)
	}

	dur := p.now().Sub(start)
	item.Duration, ev.Duration = dur, dur

	if errors.Is(err, ErrLeaseLost) {
		// Another worker owns the job now; leave its row alone.
		log.Warn("job.abandoned", logx.Duration("dur", dur))
		item.Outcome, item.Error = OutcomeAbandoned, err.Error()
		p.record(item)
		return
	}

	if err == nil {
		p.completed.Add(1)
		p.logTransition(log, p.store.CompleteJob(sctx, job.ID, p.now()))
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("dur", dur), logx.Int("attempts", job.Attempts))
		} else {
			log.Debug("job.completed", logx.Duration("dur", dur), logx.Int("attempts", job.Attempts))
		}
		item.Outcome = OutcomeCompleted
		p.publish(EventCompleted, ev)
		p.record(item)
		return
	}

	item.Error, ev.Error = err.Error(), err.Error()
	if IsNoRetry(err) || job.Attempts >= job.MaxAttempts {
		p.failed.Add(1)
		p.logTransition(log, p.store.FailJob(sctx, job.ID, err.Error(), p.now()))
		log.Error("job.failed", logx.Err(err), logx.Int("attempts", job.Attempts), logx.Duration("dur", dur))
		item.Outcome = OutcomeFailed
		p.publish(EventFailed, ev)
		p.record(item)
		return
	}

	delay := backoffDelayWithHint(p.retryBase(job), p.cfg.RetryMaxDelay, *p.cfg.RetryJitter, job.Attempts, err, rng)
	runAt := p.now().Add(delay)
	p.retried.Add(1)
	p.logTransition(log, p.store.RetryJob(sctx, job.ID, runAt, err.Error(), p.now()))
	log.Warn("job.retry", logx.Err(err), logx.Int("attempt", job.Attempts+1), logx.Duration("delay", delay))
	item.Outcome = OutcomeRetry
	ev.RunAt = runAt
	p.publish(EventRetry, ev)
	p.record(item)
}

// run executes the handler, converting panics into errors so one bad job
// can't kill a worker.
func (p *Pool) run(ctx context.Context, log logx.Logger, e entry, job Job) (err error) {
	payload, derr := e.decode(job.Payload)
	if derr != nil {
		return NoRetry(fmt.Errorf("decode payload: %w", derr))
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.cfg.HandlerTimeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, p.cfg.HandlerTimeout)
		defer tcancel()
	}
	stopRenew := p.renewLease(runCtx, log, job, cancel)
	defer stopRenew()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	err = e.handle(runCtx, job, payload)
	if errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		return ErrLeaseLost
	}
	return err
}

// renewLease keeps job's lease fresh until the returned func is called. When
// the lease is lost the handler context is canceled with ErrLeaseLost.
func (p *Pool) renewLease(ctx context.Context, log logx.Logger, job Job, cancel context.CancelCauseFunc) (stop func()) {
	every := p.cfg.LeaseTimeout / 3
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := p.store.RenewLease(context.WithoutCancel(ctx), job.ID, job.LockedBy, p.now())
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrStateChanged):
				log.Warn("job lease lost, canceling handler")
				cancel(ErrLeaseLost)
				return
			default:
				log.Warn("job lease renew failed", logx.Err(err))
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (p *Pool) logTransition(log logx.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStateChanged):
		// The janitor requeued the lease while the handler ran.
		log.Warn("job state changed during run")
	default:
		log.Error("job transition failed", logx.Err(err))
	}
}

func (p *Pool) publish(typ string, ev Event) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: ev})
	}
}

func (p *Pool) retryBase(job Job) time.Duration {
	if job.BackoffBase > 0 {
		return job.BackoffBase
	}
	return 5 * time.Second
}

func backoffDelayWithHint(base, maxD time.Duration, jitter float64, attempt int, err error, rng *rand.Rand) time.Duration {
	// Explicit retry-after hints win over the exponential schedule.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return applyJitter(ra.RetryAfter(), maxD, jitter, rng)
	}
	return backoffDelay(base, maxD, jitter, attempt, rng)
}

// backoffDelay doubles base for every attempt after the first.
func backoffDelay(base, maxD time.Duration, jitter float64, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return applyJitter(d, maxD, jitter, rng)
}

func applyJitter(d, maxD time.Duration, jitter float64, rng *rand.Rand) time.Duration {
	if d < 0 {
		d = 0
	}
	if jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if maxD > 0 && d > maxD {
		d = maxD
	}
	return d
}
