package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"schoolops/internal/domain"
	logx "schoolops/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var base = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func mustLesson(t *testing.T, st Store, l domain.Lesson) domain.Lesson {
	t.Helper()
	out, err := st.CreateLesson(context.Background(), l)
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	return out
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestFindOverlappingHalfOpen(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if err := st.PutTeacher(ctx, domain.Teacher{Contact: domain.Contact{ID: "T", Name: "Tari"}, TenantID: "acme"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutClass(ctx, domain.Class{ID: "C", TenantID: "acme", Name: "Algebra"}); err != nil {
		t.Fatal(err)
	}
	l1 := mustLesson(t, st, domain.Lesson{TenantID: "acme", Title: "L1", Start: base, End: base.Add(time.Hour), TeacherID: "T", ClassID: "C", Room: "R1"})
	mustLesson(t, st, domain.Lesson{TenantID: "acme", Title: "gone", Start: base, End: base.Add(time.Hour), TeacherID: "T", Room: "R1", Status: domain.LessonCancelled})
	mustLesson(t, st, domain.Lesson{TenantID: "other", Title: "foreign", Start: base, End: base.Add(time.Hour), TeacherID: "T", Room: "R1"})

	tests := []struct {
		name  string
		f     OverlapFilter
		wantN int
	}{
		{name: "overlap by teacher", f: OverlapFilter{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute), TeacherID: "T"}, wantN: 1},
		{name: "overlap by room", f: OverlapFilter{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute), Room: "R1"}, wantN: 1},
		{name: "touching end", f: OverlapFilter{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour), TeacherID: "T"}, wantN: 0},
		{name: "touching start", f: OverlapFilter{Start: base.Add(-time.Hour), End: base, TeacherID: "T"}, wantN: 0},
		{name: "excluded self", f: OverlapFilter{Start: base, End: base.Add(time.Hour), TeacherID: "T", ExcludeID: l1.ID}, wantN: 0},
		{name: "no filter", f: OverlapFilter{Start: base, End: base.Add(time.Hour)}, wantN: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.FindOverlapping(ctx, "acme", tt.f)
			if err != nil {
				t.Fatalf("FindOverlapping: %v", err)
			}
			if len(got) != tt.wantN {
				t.Fatalf("got %d lessons, want %d", len(got), tt.wantN)
			}
			if tt.wantN == 1 {
				if got[0].ID != l1.ID || got[0].TeacherName != "Tari" || got[0].ClassName != "Algebra" {
					t.Fatalf("unexpected view: %+v", got[0])
				}
			}
		})
	}
}

func TestLessonTenantScoping(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	l := mustLesson(t, st, domain.Lesson{TenantID: "acme", Start: base, End: base.Add(time.Hour)})
	if _, err := st.GetLesson(ctx, "other", l.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant read err = %v, want ErrNotFound", err)
	}
	if _, err := st.UpdateLessonStatus(ctx, "other", l.ID, domain.LessonCancelled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant update err = %v, want ErrNotFound", err)
	}
	got, err := st.UpdateLessonStatus(ctx, "acme", l.ID, domain.LessonCompleted)
	if err != nil {
		t.Fatalf("UpdateLessonStatus: %v", err)
	}
	if got.Status != domain.LessonCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCreateLessonRejectsInvertedInterval(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	if _, err := st.CreateLesson(context.Background(), domain.Lesson{TenantID: "acme", Start: base, End: base}); err == nil {
		t.Fatal("expected error for empty interval")
	}
}

func TestFindOccurrence(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	root := mustLesson(t, st, domain.Lesson{TenantID: "acme", Start: base, End: base.Add(time.Hour), IsRecurring: true, RecurrenceRule: "FREQ=WEEKLY;INTERVAL=1"})
	next := base.AddDate(0, 0, 7)
	child := mustLesson(t, st, domain.Lesson{TenantID: "acme", Start: next, End: next.Add(time.Hour), ParentLessonID: root.ID})

	got, err := st.FindOccurrence(ctx, "acme", root.ID, next)
	if err != nil {
		t.Fatalf("FindOccurrence: %v", err)
	}
	if got.ID != child.ID {
		t.Fatalf("got %s, want %s", got.ID, child.ID)
	}
	if _, err := st.FindOccurrence(ctx, "acme", root.ID, next.AddDate(0, 0, 7)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertJobDedupWhileLive(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	j := Job{DedupKey: "attendance:L1:before-class", TenantID: "acme", Kind: "attendance_reminder", Payload: []byte(`{}`), RunAt: base, MaxAttempts: 3}

	ok, err := st.InsertJob(ctx, j)
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	ok, err = st.InsertJob(ctx, j)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatal("second insert with live key should be a no-op")
	}
	counts, err := st.CountJobs(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if counts[JobPending] != 1 {
		t.Fatalf("pending = %d, want 1", counts[JobPending])
	}

	// Once terminal, the key is free again.
	claimed, found, err := st.ClaimJob(ctx, "w1", base)
	if err != nil || !found {
		t.Fatalf("claim = %v, %v", found, err)
	}
	if err := st.CompleteJob(ctx, claimed.ID, base); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	ok, err = st.InsertJob(ctx, j)
	if err != nil || !ok {
		t.Fatalf("insert after completion = %v, %v", ok, err)
	}
}

func TestClaimJobRespectsRunAt(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.InsertJob(ctx, Job{DedupKey: "later", TenantID: "acme", Kind: "k", Payload: []byte(`{}`), RunAt: base.Add(time.Hour), MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	if _, found, err := st.ClaimJob(ctx, "w1", base); err != nil || found {
		t.Fatalf("claim before due = %v, %v", found, err)
	}
	j, found, err := st.ClaimJob(ctx, "w1", base.Add(time.Hour))
	if err != nil || !found {
		t.Fatalf("claim when due = %v, %v", found, err)
	}
	if j.State != JobActive || j.Attempts != 1 || j.LockedBy != "w1" {
		t.Fatalf("unexpected claimed job: %+v", j)
	}
}

func TestClaimJobIsExclusive(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		if _, err := st.InsertJob(ctx, Job{DedupKey: fmt.Sprintf("k%d", i), TenantID: "acme", Kind: "k", Payload: []byte(`{}`), RunAt: base, MaxAttempts: 3}); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				j, found, err := st.ClaimJob(ctx, fmt.Sprintf("w%d", w), base)
				if err != nil {
					t.Errorf("ClaimJob: %v", err)
					return
				}
				if !found {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestJobTransitions(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.InsertJob(ctx, Job{DedupKey: "k", TenantID: "acme", Kind: "k", Payload: []byte(`{"a":1}`), RunAt: base, MaxAttempts: 3, BackoffBase: time.Second}); err != nil {
		t.Fatal(err)
	}
	j, _, err := st.ClaimJob(ctx, "w1", base)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.RetryJob(ctx, j.ID, base.Add(time.Minute), "boom", base); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if err := st.CompleteJob(ctx, j.ID, base); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("complete of pending job err = %v, want ErrStateChanged", err)
	}
	got, err := st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != JobPending || got.LastError != "boom" || !got.RunAt.Equal(base.Add(time.Minute)) || got.BackoffBase != time.Second {
		t.Fatalf("after retry: %+v", got)
	}
	if string(got.Payload) != `{"a":1}` {
		t.Fatalf("payload = %s", got.Payload)
	}

	j, _, err = st.ClaimJob(ctx, "w2", base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if j.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", j.Attempts)
	}
	if err := st.FailJob(ctx, j.ID, "exhausted", base.Add(time.Minute)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	failed, err := st.ListJobs(ctx, JobFilter{State: JobFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LastError != "exhausted" {
		t.Fatalf("failed jobs = %+v", failed)
	}

	n, err := st.PurgeJobs(ctx, base)
	if err != nil || n != 0 {
		t.Fatalf("purge before window = %d, %v", n, err)
	}
	n, err = st.PurgeJobs(ctx, base.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purge after window = %d, %v", n, err)
	}
}

func TestInsertJobDedupPerTenant(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	for _, tenant := range []string{"acme", "globex"} {
		ok, err := st.InsertJob(ctx, Job{DedupKey: "capacity:c1", TenantID: tenant, Kind: "capacity_warning", Payload: []byte(`{}`), RunAt: base, MaxAttempts: 3})
		if err != nil || !ok {
			t.Fatalf("insert for %s = %v, %v", tenant, ok, err)
		}
	}
	ok, err := st.InsertJob(ctx, Job{DedupKey: "capacity:c1", TenantID: "globex", Kind: "capacity_warning", Payload: []byte(`{}`), RunAt: base, MaxAttempts: 3})
	if err != nil || ok {
		t.Fatalf("repeat insert for globex = %v, %v", ok, err)
	}

	for _, tenant := range []string{"acme", "globex"} {
		live, found, err := st.FindLiveJob(ctx, tenant, "capacity:c1")
		if err != nil || !found || live.TenantID != tenant {
			t.Fatalf("live job for %s = %+v, %v, %v", tenant, live, found, err)
		}
		counts, err := st.CountJobs(ctx, tenant)
		if err != nil || counts[JobPending] != 1 {
			t.Fatalf("counts for %s = %v, %v", tenant, counts, err)
		}
	}
	if _, found, _ := st.FindLiveJob(ctx, "initech", "capacity:c1"); found {
		t.Fatal("live job leaked to another tenant")
	}
	all, err := st.CountJobs(ctx, "")
	if err != nil || all[JobPending] != 2 {
		t.Fatalf("all counts = %v, %v", all, err)
	}
}

func TestRenewLease(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.InsertJob(ctx, Job{DedupKey: "k", TenantID: "acme", Kind: "k", Payload: []byte(`{}`), RunAt: base, MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	j, _, _ := st.ClaimJob(ctx, "w1", base)
	later := base.Add(time.Minute)
	if err := st.RenewLease(ctx, j.ID, "w1", later); err != nil {
		t.Fatalf("renew by owner: %v", err)
	}
	if n, err := st.RequeueExpired(ctx, later, later); err != nil || n != 0 {
		t.Fatalf("requeue renewed lease = %d, %v", n, err)
	}
	if err := st.RenewLease(ctx, j.ID, "w2", later); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("renew by other worker err = %v", err)
	}
	if err := st.CompleteJob(ctx, j.ID, later); err != nil {
		t.Fatal(err)
	}
	if err := st.RenewLease(ctx, j.ID, "w1", later); !errors.Is(err, ErrStateChanged) {
		t.Fatalf("renew finished job err = %v", err)
	}
}

func TestRequeueExpired(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.InsertJob(ctx, Job{DedupKey: "k", TenantID: "acme", Kind: "k", Payload: []byte(`{}`), RunAt: base, MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	j, _, _ := st.ClaimJob(ctx, "w1", base)
	n, err := st.RequeueExpired(ctx, base, base)
	if err != nil || n != 0 {
		t.Fatalf("requeue fresh lease = %d, %v", n, err)
	}
	n, err = st.RequeueExpired(ctx, base.Add(time.Second), base.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("requeue expired lease = %d, %v", n, err)
	}
	live, ok, err := st.FindLiveJob(ctx, "acme", "k")
	if err != nil || !ok || live.ID != j.ID || live.State != JobPending {
		t.Fatalf("live job = %+v, %v, %v", live, ok, err)
	}
}

func TestPromoteWaitlistedFIFO(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if err := st.PutClass(ctx, domain.Class{ID: "C", TenantID: "acme", MaxCapacity: 3}); err != nil {
		t.Fatal(err)
	}
	add := func(student string, status domain.EnrollmentStatus, at time.Time) {
		if _, err := st.CreateEnrollment(ctx, domain.Enrollment{TenantID: "acme", ClassID: "C", StudentID: student, Status: status, CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	add("s1", domain.EnrollmentActive, base)
	add("late", domain.EnrollmentWaitlisted, base.Add(2*time.Hour))
	add("early", domain.EnrollmentWaitlisted, base.Add(time.Hour))
	add("latest", domain.EnrollmentWaitlisted, base.Add(3*time.Hour))

	got, err := st.PromoteWaitlisted(ctx, "acme", "C", 5)
	if err != nil {
		t.Fatalf("PromoteWaitlisted: %v", err)
	}
	if len(got) != 2 || got[0].StudentID != "early" || got[1].StudentID != "late" {
		t.Fatalf("promoted = %+v", got)
	}
	occ, err := st.ClassOccupancy(ctx, "acme", "C")
	if err != nil {
		t.Fatal(err)
	}
	if occ.Enrolled != 3 || occ.Waitlisted != 1 || occ.Available() != 0 {
		t.Fatalf("occupancy = %+v", occ)
	}
}

func TestDedupMarkers(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, ok, err := st.GetDedup(ctx, "k"); err != nil || ok {
		t.Fatalf("missing key = %v, %v", ok, err)
	}
	if err := st.PutDedup(ctx, "k", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := st.GetDedup(ctx, "k"); err != nil || !ok {
		t.Fatalf("live key = %v, %v", ok, err)
	}
	if err := st.PutDedup(ctx, "old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := st.GetDedup(ctx, "old"); err != nil || ok {
		t.Fatalf("expired key = %v, %v", ok, err)
	}
}

func TestListPaymentsDue(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	for i, status := range []domain.PaymentStatus{domain.PaymentPending, domain.PaymentPaid, domain.PaymentPending} {
		if _, err := st.CreatePayment(ctx, domain.Payment{TenantID: "acme", StudentID: "s", DueDate: base.AddDate(0, 0, i), Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.ListPaymentsDue(ctx, "acme", domain.PaymentPending, base, base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].DueDate.Equal(base) {
		t.Fatalf("payments = %+v", got)
	}
}
