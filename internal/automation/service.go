package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolops/internal/domain"
	"schoolops/internal/jobs"
	"schoolops/internal/recurrence"
	logx "schoolops/pkg/logx"
)

// Service is the trigger side of automation: it only produces jobs.
type Service struct {
	cfg   Config
	store Store
	queue Enqueuer
	log   logx.Logger
	now   func() time.Time
}

func NewService(cfg Config, store Store, queue Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		queue: queue,
		log:   log.With(logx.String("comp", "automation")),
		now:   time.Now,
	}
}

// Summary counts what one daily pass did.
type Summary struct {
	Tenants    int `json:"tenants"`
	Lessons    int `json:"lessons"`
	Payments   int `json:"payments"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

func (s *Summary) add(o Summary) {
	s.Lessons += o.Lessons
	s.Payments += o.Payments
	s.Enqueued += o.Enqueued
	s.Duplicates += o.Duplicates
	s.Skipped += o.Skipped
}

func (s *Summary) count(r jobs.Result) {
	if r == jobs.Duplicate {
		s.Duplicates++
	} else {
		s.Enqueued++
	}
}

// RunDaily scans every tenant's day. A failing tenant does not stop the others;
// their errors are joined.
func (s *Service) RunDaily(ctx context.Context) (Summary, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list tenants: %w", err)
	}
	now := s.now()
	var (
		sum  Summary
		errs []error
	)
	for _, t := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ts, err := s.ScanTenant(ctx, t, now)
		sum.Tenants++
		sum.add(ts)
		if err != nil {
			s.log.Error("daily.scan failed", logx.Tenant(t.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
		}
	}
	s.log.Info("daily.scan",
		logx.Int("tenants", sum.Tenants),
		logx.Int("lessons", sum.Lessons),
		logx.Int("payments", sum.Payments),
		logx.Int("enqueued", sum.Enqueued),
		logx.Int("duplicates", sum.Duplicates),
		logx.Int("skipped", sum.Skipped),
	)
	return sum, errors.Join(errs...)
}

// ScanTenant enqueues the reminders due for tenant's local day containing now.
func (s *Service) ScanTenant(ctx context.Context, t domain.Tenant, now time.Time) (Summary, error) {
	var sum Summary
	loc := t.Location()
	dayStart := startOfDay(now, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	day := dayStart.Format("2006-01-02")

	lessons, err := s.store.ListLessonsStarting(ctx, t.ID, dayStart, dayEnd, domain.LessonScheduled)
	if err != nil {
		return sum, fmt.Errorf("list lessons: %w", err)
	}
	for _, l := range lessons {
		sum.Lessons++
		triggers := []struct {
			variant jobs.AttendanceVariant
			at      time.Time
		}{
			{jobs.BeforeClass, l.Start.Add(-s.cfg.BeforeClassLead)},
			{jobs.AfterClass, l.End.Add(s.cfg.AfterClassDelay)},
		}
		for _, tr := range triggers {
			if !tr.at.After(now) {
				sum.Skipped++
				continue
			}
			res, err := s.queue.Enqueue(ctx, jobs.Request{
				TenantID: t.ID,
				Payload:  jobs.AttendanceReminder{LessonID: l.ID, Variant: tr.variant},
				RunAt:    tr.at,
			})
			if err != nil {
				return sum, err
			}
			sum.count(res)
		}
	}

	from := now.Add(-s.cfg.FinalNoticeUntil)
	to := now.Add(s.cfg.DueSoonWindow + time.Millisecond)
	payments, err := s.store.ListPaymentsDue(ctx, t.ID, domain.PaymentPending, from, to)
	if err != nil {
		return sum, fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		sum.Payments++
		variant, ok := s.classify(p.DueDate, now)
		if !ok {
			sum.Skipped++
			continue
		}
		res, err := s.queue.Enqueue(ctx, jobs.Request{
			TenantID: t.ID,
			Payload:  jobs.PaymentReminder{PaymentID: p.ID, Variant: variant, Day: day},
		})
		if err != nil {
			return sum, err
		}
		sum.count(res)
	}
	return sum, nil
}

// classify maps a due date onto the three reminder windows:
// due-soon (now, now+3d], overdue (now-7d, now], final notice (now-30d, now-7d].
func (s *Service) classify(due, now time.Time) (jobs.PaymentVariant, bool) {
	d := due.Sub(now)
	switch {
	case d > 0 && d <= s.cfg.DueSoonWindow:
		return jobs.DueSoon, true
	case d <= 0 && d > -s.cfg.OverdueWindow:
		return jobs.Overdue, true
	case d <= -s.cfg.OverdueWindow && d > -s.cfg.FinalNoticeUntil:
		return jobs.FinalNotice, true
	}
	return "", false
}

// CapacityCheck reports which jobs an enrollment change produced.
type CapacityCheck struct {
	Occupancy   domain.Occupancy `json:"occupancy"`
	Warning     bool             `json:"warning"`
	AutoEnroll  bool             `json:"autoEnroll"`
	Utilization float64          `json:"utilization"`
}

// CheckClassCapacity is called whenever enrollment changes. It enqueues a
// capacity warning at or above the threshold and an auto-enrollment pass when
// seats are free and someone is waiting.
func (s *Service) CheckClassCapacity(ctx context.Context, tenantID, classID string) (CapacityCheck, error) {
	class, err := s.store.GetClass(ctx, tenantID, classID)
	if err != nil {
		return CapacityCheck{}, err
	}
	occ, err := s.store.ClassOccupancy(ctx, tenantID, class.ID)
	if err != nil {
		return CapacityCheck{}, err
	}
	out := CapacityCheck{Occupancy: occ, Utilization: occ.Utilization()}

	if occ.Capacity > 0 && occ.Utilization() >= s.cfg.CapacityThreshold {
		if _, err := s.queue.Enqueue(ctx, jobs.Request{TenantID: tenantID, Payload: jobs.CapacityWarning{ClassID: class.ID}}); err != nil {
			return out, err
		}
		out.Warning = true
	}
	if occ.Available() > 0 && occ.Waitlisted > 0 {
		if _, err := s.queue.Enqueue(ctx, jobs.Request{TenantID: tenantID, Payload: jobs.AutoEnrollment{ClassID: class.ID}}); err != nil {
			return out, err
		}
		out.AutoEnroll = true
	}
	return out, nil
}

// StartRecurrence schedules the first materialization of a recurring lesson.
// started is false when the lesson has no usable rule or the series already
// ended.
func (s *Service) StartRecurrence(ctx context.Context, lesson domain.Lesson) (started bool, err error) {
	if !lesson.IsRecurring || lesson.RecurrenceRule == "" {
		return false, nil
	}
	rule, err := recurrence.ParseRule(lesson.RecurrenceRule)
	if err != nil {
		return false, err
	}
	loc, err := tenantLocation(ctx, s.store, lesson.TenantID)
	if err != nil {
		return false, err
	}
	next, ok := recurrence.Following(rule, lesson.Start, lesson.RecurrenceEnd, loc)
	if !ok {
		return false, nil
	}
	_, err = s.queue.Enqueue(ctx, jobs.Request{
		TenantID: lesson.TenantID,
		Payload:  jobs.RecurrenceMaterialization{RootID: lesson.ChainRoot(), Occurrence: next, Rule: rule},
		RunAt:    materializeAt(next, s.cfg.MaterializeLead, s.now()),
	})
	if err != nil {
		return false, err
	}
	s.log.Info("recurrence started",
		logx.Tenant(lesson.TenantID),
		logx.String("root", lesson.ChainRoot()),
		logx.String("rule", rule.String()),
		logx.Time("next", next),
	)
	return true, nil
}
