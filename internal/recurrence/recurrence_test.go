package recurrence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"schoolops/internal/conflict"
	"schoolops/internal/domain"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestParseRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Rule
		ok   bool
	}{
		{raw: "FREQ=WEEKLY;INTERVAL=2", want: Rule{Weekly, 2}, ok: true},
		{raw: "FREQ=DAILY", want: Rule{Daily, 1}, ok: true},
		{raw: " freq=monthly ; interval=3 ;", want: Rule{Monthly, 3}, ok: true},
		{raw: "INTERVAL=2;FREQ=DAILY", want: Rule{Daily, 2}, ok: true},
		{raw: ""},
		{raw: "FREQ=YEARLY"},
		{raw: "INTERVAL=2"},
		{raw: "FREQ=DAILY;INTERVAL=0"},
		{raw: "FREQ=DAILY;INTERVAL=-1"},
		{raw: "FREQ=DAILY;INTERVAL=x"},
		{raw: "FREQ=DAILY;BYDAY=MO"},
		{raw: "FREQ=DAILY;FREQ=WEEKLY"},
		{raw: "weekly"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRule(tt.raw)
			if !tt.ok {
				if !errors.Is(err, ErrInvalidRule) {
					t.Fatalf("ParseRule(%q) err = %v, want ErrInvalidRule", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRule(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseRule(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRuleStringRoundTrip(t *testing.T) {
	t.Parallel()
	r, err := ParseRule("freq=weekly")
	if err != nil {
		t.Fatal(err)
	}
	if r.String() != "FREQ=WEEKLY;INTERVAL=1" {
		t.Fatalf("String() = %q", r.String())
	}
	if (Rule{}).String() != "" {
		t.Fatal("zero rule should render empty")
	}

	var carrier struct {
		Rule Rule `json:"rule"`
	}
	if err := json.Unmarshal([]byte(`{"rule":"FREQ=MONTHLY;INTERVAL=2"}`), &carrier); err != nil {
		t.Fatal(err)
	}
	if carrier.Rule != (Rule{Monthly, 2}) {
		t.Fatalf("decoded %+v", carrier.Rule)
	}
	b, err := json.Marshal(carrier)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"rule":"FREQ=MONTHLY;INTERVAL=2"}` {
		t.Fatalf("encoded %s", b)
	}
	if err := json.Unmarshal([]byte(`{"rule":"FREQ=HOURLY"}`), &carrier); err == nil {
		t.Fatal("expected decode error for bad rule")
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ref  time.Time
		raw  string
		want time.Time
		ok   bool
	}{
		{name: "biweekly", ref: date(2025, 3, 3), raw: "FREQ=WEEKLY;INTERVAL=2", want: date(2025, 3, 17), ok: true},
		{name: "daily", ref: date(2025, 3, 3), raw: "FREQ=DAILY;INTERVAL=1", want: date(2025, 3, 4), ok: true},
		{name: "daily across month", ref: date(2025, 2, 28), raw: "FREQ=DAILY", want: date(2025, 3, 1), ok: true},
		{name: "monthly", ref: date(2025, 3, 15), raw: "FREQ=MONTHLY", want: date(2025, 4, 15), ok: true},
		{name: "monthly clamps", ref: date(2025, 1, 31), raw: "FREQ=MONTHLY", want: date(2025, 2, 28), ok: true},
		{name: "monthly clamps leap", ref: date(2024, 1, 31), raw: "FREQ=MONTHLY", want: date(2024, 2, 29), ok: true},
		{name: "monthly across year", ref: date(2025, 11, 30), raw: "FREQ=MONTHLY;INTERVAL=3", want: date(2026, 2, 28), ok: true},
		{name: "unparsable", ref: date(2025, 3, 3), raw: "every tuesday"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NextOccurrence(tt.ref, tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("NextOccurrence = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFollowingKeepsLocalClockAndStopsAtEnd(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 9:00 local on the Friday before the March 2025 DST switch.
	ref := time.Date(2025, 3, 7, 9, 0, 0, 0, ny).UTC()
	next, ok := Following(Rule{Weekly, 1}, ref, nil, ny)
	if !ok {
		t.Fatal("expected next occurrence")
	}
	if local := next.In(ny); local.Hour() != 9 || local.Day() != 14 {
		t.Fatalf("next local = %s, want 9:00 on the 14th", local)
	}
	if next.Sub(ref) != 7*24*time.Hour-time.Hour {
		t.Fatalf("gap = %s, want 167h across DST", next.Sub(ref))
	}

	end := ref.Add(24 * time.Hour)
	if _, ok := Following(Rule{Weekly, 1}, ref, &end, ny); ok {
		t.Fatal("expected chain to stop past series end")
	}
	if _, ok := Following(Rule{}, ref, nil, ny); ok {
		t.Fatal("invalid rule must not produce an occurrence")
	}
}

type countingChecker struct {
	calls int
	out   []conflict.Conflict
}

func (c *countingChecker) DetectConflicts(_ context.Context, _ conflict.Query) ([]conflict.Conflict, error) {
	c.calls++
	return c.out, nil
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMaterializeNext(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	start := date(2025, 3, 3)
	root, err := st.CreateLesson(ctx, domain.Lesson{
		TenantID: "acme", Title: "Piano", Description: "scales", Room: "R1", TeacherID: "T", ClassID: "C",
		Start: start, End: start.Add(45 * time.Minute), IsRecurring: true, RecurrenceRule: "FREQ=WEEKLY;INTERVAL=1",
	})
	if err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	checker := &countingChecker{out: []conflict.Conflict{{Lesson: domain.LessonView{Lesson: domain.Lesson{ID: "other"}}, Type: conflict.TypeRoom}}}
	e := NewExpander(st, checker, logx.NewWriter(&logs, "debug"))

	first, created, err := e.MaterializeNext(ctx, "acme", root.ID, start.AddDate(0, 0, 7))
	if err != nil || !created {
		t.Fatalf("MaterializeNext = %v, %v", created, err)
	}
	if first.ParentLessonID != root.ID || first.Status != domain.LessonScheduled || first.IsRecurring {
		t.Fatalf("unexpected occurrence: %+v", first)
	}
	if first.Title != "Piano" || first.Description != "scales" || first.Room != "R1" || first.Duration() != 45*time.Minute {
		t.Fatalf("content not copied: %+v", first)
	}
	if checker.calls != 1 || !strings.Contains(logs.String(), "collides with existing lesson") {
		t.Fatalf("conflict warning missing: calls=%d logs=%s", checker.calls, logs.String())
	}

	// Templated from a materialized child, the parent is still the root.
	second, created, err := e.MaterializeNext(ctx, "acme", first.ID, start.AddDate(0, 0, 14))
	if err != nil || !created {
		t.Fatalf("second MaterializeNext = %v, %v", created, err)
	}
	if second.ParentLessonID != root.ID {
		t.Fatalf("parent = %s, want root %s", second.ParentLessonID, root.ID)
	}

	again, created, err := e.MaterializeNext(ctx, "acme", root.ID, start.AddDate(0, 0, 14))
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != second.ID {
		t.Fatalf("retry created a duplicate: created=%v id=%s want %s", created, again.ID, second.ID)
	}

	if _, _, err := e.MaterializeNext(ctx, "acme", "missing", start); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing template err = %v", err)
	}
	if _, _, err := e.MaterializeNext(ctx, "other", root.ID, start); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cross-tenant template err = %v", err)
	}
}
