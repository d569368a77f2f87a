package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"schoolops/internal/eventbus"
	"schoolops/internal/recurrence"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type harness struct {
	store storage.Store
	bus   eventbus.Bus
	reg   *Registry
	queue *Queue
	pool  *Pool
	evs   <-chan eventbus.Event
}

func newHarness(t *testing.T, workers int, register func(r *Registry)) *harness {
	t.Helper()
	h := &harness{store: openStore(t), bus: eventbus.New(), reg: NewRegistry()}
	if register != nil {
		register(h.reg)
	}
	h.queue = NewQueue(QueueConfig{MaxAttempts: 3, RetryBase: time.Millisecond}, h.store, logx.Nop(), h.bus)
	h.pool = NewPool(Config{Workers: workers, PollInterval: 5 * time.Millisecond, RetryJitter: Jitter(0.01), JanitorEvery: time.Hour}, h.store, h.reg, h.queue, logx.Nop(), h.bus)
	evs, unsub := h.bus.Subscribe(256, "job.")
	t.Cleanup(unsub)
	h.evs = evs
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.pool.Stop(ctx)
	})
}

// waitFor blocks until n events of typ have been seen.
func (h *harness) waitFor(t *testing.T, typ string, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case e := <-h.evs:
			if e.Type == typ {
				out = append(out, e.Data.(Event))
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, got %d", n, typ, len(out))
		}
	}
	return out
}

func TestEnqueueDedupWhilePending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	req := Request{TenantID: "acme", Payload: AttendanceReminder{LessonID: "L1", Variant: BeforeClass}, Delay: time.Hour}

	first, err := h.queue.Enqueue(ctx, req)
	if err != nil || first != Accepted {
		t.Fatalf("first enqueue = %v, %v", first, err)
	}
	second, err := h.queue.Enqueue(ctx, req)
	if err != nil || second != Duplicate {
		t.Fatalf("second enqueue = %v, %v", second, err)
	}
	jobs, err := h.store.ListJobs(ctx, storage.JobFilter{TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].DedupKey != "attendance:L1:before-class" {
		t.Fatalf("stored jobs = %+v", jobs)
	}
	if jobs[0].MaxAttempts != 3 || jobs[0].BackoffBase != time.Millisecond {
		t.Fatalf("retry policy not stamped: %+v", jobs[0])
	}
}

func TestEnqueueDedupIsPerTenant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	for _, p := range []Payload{CapacityWarning{ClassID: "c1"}, AutoEnrollment{ClassID: "c1"}} {
		for _, tenant := range []string{"north", "south"} {
			res, err := h.queue.Enqueue(ctx, Request{TenantID: tenant, Payload: p, Delay: time.Hour})
			if err != nil || res != Accepted {
				t.Fatalf("%s for %s = %v, %v, want accepted", p.Kind(), tenant, res, err)
			}
		}
	}
	res, err := h.queue.Enqueue(ctx, Request{TenantID: "south", Payload: CapacityWarning{ClassID: "c1"}})
	if err != nil || res != Duplicate {
		t.Fatalf("repeat for south = %v, %v, want duplicate", res, err)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing tenant", req: Request{Payload: CapacityWarning{ClassID: "C"}}},
		{name: "nil payload", req: Request{TenantID: "acme"}},
		{name: "unencodable rule", req: Request{TenantID: "acme", Payload: RecurrenceMaterialization{RootID: "R"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.queue.Enqueue(context.Background(), tt.req); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
}

func TestEnqueueDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	fixed := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	h.queue.now = func() time.Time { return fixed }
	ctx := context.Background()

	if _, err := h.queue.Enqueue(ctx, Request{TenantID: "acme", Payload: CapacityWarning{ClassID: "C"}, Delay: 30 * time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.store.ClaimJob(ctx, "w", fixed.Add(29*time.Minute)); ok {
		t.Fatal("job claimable before its delay elapsed")
	}
	j, ok, err := h.store.ClaimJob(ctx, "w", fixed.Add(30*time.Minute))
	if err != nil || !ok {
		t.Fatalf("claim at due time = %v, %v", ok, err)
	}
	if !j.RunAt.Equal(fixed.Add(30 * time.Minute)) {
		t.Fatalf("run_at = %s", j.RunAt)
	}
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()
	var got atomic.Value
	h := newHarness(t, 2, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p CapacityWarning) error {
			got.Store(p.ClassID)
			return nil
		})
	})
	h.start(t)
	if _, err := h.queue.Enqueue(context.Background(), Request{TenantID: "acme", Payload: CapacityWarning{ClassID: "C7"}}); err != nil {
		t.Fatal(err)
	}
	ev := h.waitFor(t, EventCompleted, 1)[0]
	if got.Load() != "C7" || ev.Kind != KindCapacityWarning || ev.TenantID != "acme" {
		t.Fatalf("handler saw %v, event %+v", got.Load(), ev)
	}
	j, err := h.store.GetJob(context.Background(), ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != storage.JobCompleted || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, 1, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p AutoEnrollment) error {
			calls.Add(1)
			return errors.New("smtp unavailable")
		})
	})
	h.start(t)
	if _, err := h.queue.Enqueue(context.Background(), Request{TenantID: "acme", Payload: AutoEnrollment{ClassID: "C"}}); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, EventFailed, 1)
	// Give a stray retry the chance to show up.
	time.Sleep(50 * time.Millisecond)

	if n := calls.Load(); n != 3 {
		t.Fatalf("handler calls = %d, want 3", n)
	}
	failed, err := h.store.ListJobs(context.Background(), storage.JobFilter{State: storage.JobFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Attempts != 3 || failed[0].LastError != "smtp unavailable" {
		t.Fatalf("failed jobs = %+v", failed)
	}
	snap := h.pool.Snapshot()
	if snap.Retried != 2 || snap.Failed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPoolNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, 1, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p AutoEnrollment) error {
			calls.Add(1)
			return NoRetry(errors.New("class has no capacity set"))
		})
	})
	h.start(t)
	if _, err := h.queue.Enqueue(context.Background(), Request{TenantID: "acme", Payload: AutoEnrollment{ClassID: "C"}}); err != nil {
		t.Fatal(err)
	}
	ev := h.waitFor(t, EventFailed, 1)[0]
	if calls.Load() != 1 || ev.Attempt != 1 {
		t.Fatalf("calls = %d, attempt = %d", calls.Load(), ev.Attempt)
	}
}

func TestPoolDiscardsUnknownKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	ctx := context.Background()
	if _, err := h.store.InsertJob(ctx, Job{DedupKey: "mystery:1", TenantID: "acme", Kind: "mystery", Payload: []byte(`{}`), RunAt: time.Now(), MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	h.start(t)
	ev := h.waitFor(t, EventDiscarded, 1)[0]
	j, err := h.store.GetJob(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != storage.JobFailed || j.Attempts != 1 {
		t.Fatalf("unknown kind job = %+v", j)
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, 1, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p CapacityWarning) error {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		})
	})
	h.start(t)
	if _, err := h.queue.Enqueue(context.Background(), Request{TenantID: "acme", Payload: CapacityWarning{ClassID: "C"}}); err != nil {
		t.Fatal(err)
	}
	retry := h.waitFor(t, EventRetry, 1)[0]
	if retry.Error != "panic: nil map" {
		t.Fatalf("retry error = %q", retry.Error)
	}
	h.waitFor(t, EventCompleted, 1)
}

func TestPoolFailsCrashLoopedJobWithoutRunning(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	h := newHarness(t, 1, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p CapacityWarning) error {
			calls.Add(1)
			return nil
		})
	})
	ctx := context.Background()
	if _, err := h.store.InsertJob(ctx, Job{DedupKey: "capacity:C", TenantID: "acme", Kind: string(KindCapacityWarning), Payload: []byte(`{"classId":"C"}`), RunAt: time.Now(), Attempts: 3, MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	h.start(t)
	h.waitFor(t, EventFailed, 1)
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times for an exhausted job", calls.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	var (
		cur, peak atomic.Int32
		mu        sync.Mutex
	)
	h := newHarness(t, 2, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p CapacityWarning) error {
			n := cur.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			cur.Add(-1)
			return nil
		})
	})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if _, err := h.queue.Enqueue(ctx, Request{TenantID: "acme", Payload: CapacityWarning{ClassID: id}}); err != nil {
			t.Fatal(err)
		}
	}
	h.start(t)
	h.waitFor(t, EventCompleted, 6)
	if p := peak.Load(); p > 2 || p < 1 {
		t.Fatalf("peak concurrency = %d, want 1..2", p)
	}
}

func TestPoolRenewsLeaseOfSlowHandler(t *testing.T) {
	t.Parallel()
	var calls, cur, peak atomic.Int32
	h := newHarness(t, 2, func(r *Registry) {
		Register(r, func(ctx context.Context, job Job, p CapacityWarning) error {
			calls.Add(1)
			if n := cur.Add(1); n > peak.Load() {
				peak.Store(n)
			}
			defer cur.Add(-1)
			select {
			case <-time.After(300 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})
	h.pool = NewPool(Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		LeaseTimeout: 60 * time.Millisecond,
		JanitorEvery: 10 * time.Millisecond,
	}, h.store, h.reg, h.queue, logx.Nop(), h.bus)
	h.start(t)
	if _, err := h.queue.Enqueue(context.Background(), Request{TenantID: "acme", Payload: CapacityWarning{ClassID: "slow"}}); err != nil {
		t.Fatal(err)
	}
	ev := h.waitFor(t, EventCompleted, 1)[0]
	if calls.Load() != 1 || peak.Load() != 1 {
		t.Fatalf("handler ran %d times (peak %d), want once", calls.Load(), peak.Load())
	}
	j, err := h.store.GetJob(context.Background(), ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != storage.JobCompleted || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
}

func TestPoolStartStopIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.pool.Start(ctx)
	h.pool.Start(ctx)
	if !h.pool.Running() {
		t.Fatal("pool should be running")
	}
	// one worker plus the janitor
	if c := h.pool.Snapshot().Goroutines; c.Started != 2 {
		t.Fatalf("supervised goroutines = %+v, want 2 started", c)
	}
	h.pool.Stop(ctx)
	h.pool.Stop(ctx)
	if h.pool.Running() {
		t.Fatal("pool should be stopped")
	}
}

func TestSnapshotForTenant(t *testing.T) {
	t.Parallel()
	s := Snapshot{Running: true, Workers: 5, Completed: 9, Failed: 1, History: []HistoryItem{
		{ID: "a", TenantID: "north"},
		{ID: "b", TenantID: "south", Error: "smtp down"},
		{ID: "c", TenantID: "north"},
	}}
	got := s.ForTenant("north")
	if !got.Running || got.Workers != 5 || got.Completed != 0 || got.Failed != 0 {
		t.Fatalf("snapshot = %+v", got)
	}
	if len(got.History) != 2 || got.History[0].ID != "a" || got.History[1].ID != "c" {
		t.Fatalf("history = %+v", got.History)
	}
	if empty := s.ForTenant("east"); empty.History == nil || len(empty.History) != 0 {
		t.Fatalf("history for unknown tenant = %#v", empty.History)
	}
}

func TestRetryJitterDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   *float64
		want float64
	}{
		{name: "unset", in: nil, want: 0.2},
		{name: "disabled", in: Jitter(0), want: 0},
		{name: "negative", in: Jitter(-1), want: 0},
		{name: "explicit", in: Jitter(0.5), want: 0.5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := *(Config{RetryJitter: tt.in}).withDefaults().RetryJitter; got != tt.want {
				t.Fatalf("jitter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{name: "first retry", attempt: 1, want: time.Second},
		{name: "doubles", attempt: 3, want: 4 * time.Second},
		{name: "capped", attempt: 10, want: 30 * time.Second},
		{name: "hint", attempt: 1, err: RetryAfter(errors.New("429"), 7*time.Second), want: 7 * time.Second},
		{name: "hint capped", attempt: 1, err: RetryAfter(errors.New("429"), time.Hour), want: 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := backoffDelayWithHint(time.Second, 30*time.Second, 0.2, tt.attempt, tt.err, nil)
			if got != tt.want {
				t.Fatalf("delay = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDedupKeys(t *testing.T) {
	t.Parallel()
	occ := time.Date(2025, 3, 17, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		p    Payload
		want string
	}{
		{AttendanceReminder{LessonID: "L1", Variant: AfterClass}, "attendance:L1:after-class"},
		{PaymentReminder{PaymentID: "P1", Variant: Overdue, Day: "2025-03-03"}, "payment:P1:overdue:2025-03-03"},
		{CapacityWarning{ClassID: "C1"}, "capacity:C1"},
		{AutoEnrollment{ClassID: "C1"}, "enroll:C1"},
		{RecurrenceMaterialization{RootID: "R1", Occurrence: occ}, "recurrence:R1:2025-03-17T09:00:00Z"},
	}
	for _, tt := range tests {
		if got := tt.p.DedupKey(); got != tt.want {
			t.Errorf("%s DedupKey = %q, want %q", tt.p.Kind(), got, tt.want)
		}
	}
}

func TestRegistryDecodeAndDuplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	Register(r, func(ctx context.Context, job Job, p RecurrenceMaterialization) error { return nil })

	p, err := r.Decode(KindRecurrenceMaterialization, []byte(`{"rootId":"R","occurrence":"2025-03-17T09:00:00Z","rule":"FREQ=WEEKLY;INTERVAL=2"}`))
	if err != nil {
		t.Fatal(err)
	}
	rm := p.(RecurrenceMaterialization)
	if rm.RootID != "R" || rm.Rule != (recurrence.Rule{Frequency: recurrence.Weekly, Interval: 2}) {
		t.Fatalf("decoded %+v", rm)
	}
	if _, err := r.Decode(KindCapacityWarning, []byte(`{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register(r, func(ctx context.Context, job Job, p RecurrenceMaterialization) error { return nil })
}
