package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"schoolops/internal/domain"
	"schoolops/internal/jobs"
	"schoolops/internal/notify"
	"schoolops/internal/recurrence"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

const timeLayout = "Mon 02 Jan 15:04"

// Handlers executes the five automation job kinds.
//
// A referenced entity that is gone or no longer in a state warranting the
// action completes the job without side effects. Send and store failures are
// returned so the pool retries them.
type Handlers struct {
	cfg      Config
	store    Store
	queue    Enqueuer
	notifier Notifier
	expander Materializer
	log      logx.Logger
	now      func() time.Time
}

func NewHandlers(cfg Config, store Store, queue Enqueuer, notifier Notifier, expander Materializer, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    queue,
		notifier: notifier,
		expander: expander,
		log:      log.With(logx.String("comp", "automation")),
		now:      time.Now,
	}
}

// Register binds every job kind. Adding a kind means adding a payload type in
// package jobs and one line here.
func (h *Handlers) Register(r *jobs.Registry) {
	jobs.Register(r, h.attendanceReminder)
	jobs.Register(r, h.paymentReminder)
	jobs.Register(r, h.capacityWarning)
	jobs.Register(r, h.autoEnrollment)
	jobs.Register(r, h.materializeRecurrence)
}

// deliveryKey scopes a job's dedup key to its tenant for delivery markers.
func deliveryKey(job jobs.Job, suffix ...string) string {
	return strings.Join(append([]string{job.TenantID, job.DedupKey}, suffix...), ":")
}

// stale logs a skipped job. It always returns nil.
func (h *Handlers) stale(job jobs.Job, reason string) error {
	h.log.Info("job precondition stale, skipping",
		logx.Tenant(job.TenantID),
		logx.Job(job.ID),
		logx.String("kind", job.Kind),
		logx.String("reason", reason),
	)
	return nil
}

func (h *Handlers) attendanceReminder(ctx context.Context, job jobs.Job, p jobs.AttendanceReminder) error {
	lesson, err := h.store.GetLesson(ctx, job.TenantID, p.LessonID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "lesson not found")
	}
	if err != nil {
		return err
	}
	switch {
	case lesson.Status == domain.LessonCancelled:
		return h.stale(job, "lesson cancelled")
	case p.Variant == jobs.BeforeClass && lesson.Status != domain.LessonScheduled:
		return h.stale(job, "lesson already started")
	}

	teacher, err := h.store.GetTeacher(ctx, job.TenantID, lesson.TeacherID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "teacher not found")
	}
	if err != nil {
		return err
	}
	to := notify.ContactAddresses(teacher.Contact)
	if len(to) == 0 {
		return h.stale(job, "teacher has no contact address")
	}

	var (
		className string
		roster    int
	)
	if lesson.ClassID != "" {
		if c, err := h.store.GetClass(ctx, job.TenantID, lesson.ClassID); err == nil {
			className = c.Name
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		occ, err := h.store.ClassOccupancy(ctx, job.TenantID, lesson.ClassID)
		if err != nil {
			return err
		}
		roster = occ.Enrolled
	}
	loc, err := tenantLocation(ctx, h.store, job.TenantID)
	if err != nil {
		return err
	}

	slots := notify.Slots{}.
		Set("teacher", teacher.Name).
		Set("title", lesson.Title).
		Set("class", className).
		Set("room", lesson.Room).
		Set("start", lesson.Start.In(loc).Format(timeLayout)).
		Set("end", lesson.End.In(loc).Format(timeLayout)).
		Set("roster", roster)
	tpl := tplBeforeClass
	if p.Variant == jobs.AfterClass {
		tpl = tplAfterClass
		slots.Set("link", h.attendanceLink(lesson.ID))
	}
	content, err := tpl.Render(slots)
	if err != nil {
		return jobs.NoRetry(err)
	}
	_, err = h.notifier.SendAll(ctx, withName(notify.Messages(content, to...), teacher.Name), deliveryKey(job))
	return err
}

func (h *Handlers) attendanceLink(lessonID string) string {
	return strings.TrimRight(h.cfg.LinkBaseURL, "/") + "/lessons/" + lessonID + "/attendance"
}

func (h *Handlers) paymentReminder(ctx context.Context, job jobs.Job, p jobs.PaymentReminder) error {
	pay, err := h.store.GetPayment(ctx, job.TenantID, p.PaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "payment not found")
	}
	if err != nil {
		return err
	}
	if !pay.Status.Unpaid() {
		return h.stale(job, "payment settled")
	}

	student, err := h.store.GetStudent(ctx, job.TenantID, pay.StudentID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "student not found")
	}
	if err != nil {
		return err
	}
	contacts := []domain.Contact{student.Contact}
	if student.GuardianID != "" {
		g, err := h.store.GetGuardian(ctx, job.TenantID, student.GuardianID)
		switch {
		case err == nil:
			contacts = append(contacts, g.Contact)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}
	loc, err := tenantLocation(ctx, h.store, job.TenantID)
	if err != nil {
		return err
	}

	tpl := tplPaymentDueSoon
	switch p.Variant {
	case jobs.Overdue:
		tpl = tplPaymentOverdue
	case jobs.FinalNotice:
		tpl = tplPaymentFinal
	}

	var msgs []notify.Message
	for _, c := range contacts {
		to := notify.ContactAddresses(c)
		if len(to) == 0 {
			continue
		}
		content, err := tpl.Render(notify.Slots{}.
			Set("name", c.Name).
			Set("student", student.Name).
			Set("amount", formatAmount(pay.Amount, pay.Currency)).
			Set("due", pay.DueDate.In(loc).Format("02 Jan 2006")).
			Set("days", daysOverdue(pay.DueDate, h.now())))
		if err != nil {
			return jobs.NoRetry(err)
		}
		msgs = append(msgs, withName(notify.Messages(content, to...), c.Name)...)
	}
	if len(msgs) == 0 {
		return h.stale(job, "no contact address")
	}
	rep, err := h.notifier.SendAll(ctx, msgs, deliveryKey(job))
	if err != nil {
		return err
	}
	h.log.Info("payment reminder sent",
		logx.Tenant(job.TenantID),
		logx.String("payment", pay.ID),
		logx.String("variant", string(p.Variant)),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
	)
	return nil
}

func (h *Handlers) capacityWarning(ctx context.Context, job jobs.Job, p jobs.CapacityWarning) error {
	class, err := h.store.GetClass(ctx, job.TenantID, p.ClassID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "class not found")
	}
	if err != nil {
		return err
	}
	occ, err := h.store.ClassOccupancy(ctx, job.TenantID, class.ID)
	if err != nil {
		return err
	}
	if occ.Capacity <= 0 || occ.Utilization() < h.cfg.CapacityThreshold {
		return h.stale(job, "below capacity threshold")
	}

	admins, err := h.store.ListAdministrators(ctx, job.TenantID)
	if err != nil {
		return err
	}
	contacts := make([]domain.Contact, 0, len(admins)+1)
	for _, a := range admins {
		contacts = append(contacts, a.Contact)
	}
	if class.TeacherID != "" {
		t, err := h.store.GetTeacher(ctx, job.TenantID, class.TeacherID)
		switch {
		case err == nil:
			contacts = append(contacts, t.Contact)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	content, err := tplCapacity.Render(notify.Slots{}.
		Set("class", class.Name).
		Set("percent", int(math.Round(occ.Utilization()*100))).
		Set("enrolled", occ.Enrolled).
		Set("capacity", occ.Capacity).
		Set("waitlisted", occ.Waitlisted))
	if err != nil {
		return jobs.NoRetry(err)
	}

	seen := map[string]bool{}
	var msgs []notify.Message
	for _, c := range contacts {
		for _, a := range notify.ContactAddresses(c) {
			if seen[a.String()] {
				continue
			}
			seen[a.String()] = true
			msgs = append(msgs, notify.Message{To: a, Name: c.Name, Subject: content.Subject, Body: content.Body})
		}
	}
	if len(msgs) == 0 {
		return h.stale(job, "no recipients")
	}

	loc, err := tenantLocation(ctx, h.store, job.TenantID)
	if err != nil {
		return err
	}
	// One warning per recipient per class per day.
	_, err = h.notifier.SendAll(ctx, msgs, deliveryKey(job, startOfDay(h.now(), loc).Format("2006-01-02")))
	return err
}

// autoEnrollment promotes up to the free seat count from the waitlist, oldest
// first.
func (h *Handlers) autoEnrollment(ctx context.Context, job jobs.Job, p jobs.AutoEnrollment) error {
	class, err := h.store.GetClass(ctx, job.TenantID, p.ClassID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "class not found")
	}
	if err != nil {
		return err
	}
	occ, err := h.store.ClassOccupancy(ctx, job.TenantID, class.ID)
	if err != nil {
		return err
	}
	if occ.Available() == 0 || occ.Waitlisted == 0 {
		return h.stale(job, "no free seat or empty waitlist")
	}

	promoted, err := h.store.PromoteWaitlisted(ctx, job.TenantID, class.ID, occ.Available())
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(promoted))
	for _, e := range promoted {
		ids = append(ids, e.StudentID)
	}
	h.log.Info("waitlist promoted",
		logx.Tenant(job.TenantID),
		logx.String("class", class.ID),
		logx.Int("available", occ.Available()),
		logx.Strings("students", ids),
	)
	return nil
}

func (h *Handlers) materializeRecurrence(ctx context.Context, job jobs.Job, p jobs.RecurrenceMaterialization) error {
	if !p.Rule.Valid() {
		return jobs.NoRetry(fmt.Errorf("recurrence rule %q", p.Rule))
	}
	root, err := h.store.GetLesson(ctx, job.TenantID, p.RootID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "chain root not found")
	}
	if err != nil {
		return err
	}
	if root.Status == domain.LessonCancelled {
		return h.stale(job, "chain root cancelled")
	}
	lesson, _, err := h.expander.MaterializeNext(ctx, job.TenantID, p.RootID, p.Occurrence)
	if errors.Is(err, storage.ErrNotFound) {
		return h.stale(job, "chain root not found")
	}
	if err != nil {
		return err
	}

	loc, err := tenantLocation(ctx, h.store, job.TenantID)
	if err != nil {
		return err
	}
	next, ok := recurrence.Following(p.Rule, lesson.Start, lesson.RecurrenceEnd, loc)
	if !ok {
		h.log.Info("recurrence chain finished",
			logx.Tenant(job.TenantID),
			logx.String("root", p.RootID),
			logx.Time("last", lesson.Start),
		)
		return nil
	}
	_, err = h.queue.Enqueue(ctx, jobs.Request{
		TenantID: job.TenantID,
		Payload:  jobs.RecurrenceMaterialization{RootID: p.RootID, Occurrence: next, Rule: p.Rule},
		RunAt:    materializeAt(next, h.cfg.MaterializeLead, h.now()),
	})
	return err
}

func materializeAt(occurrence time.Time, lead time.Duration, now time.Time) time.Time {
	at := occurrence.Add(-lead)
	if at.Before(now) {
		return now
	}
	return at
}

func withName(msgs []notify.Message, name string) []notify.Message {
	for i := range msgs {
		msgs[i].Name = name
	}
	return msgs
}

func daysOverdue(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due) / (24 * time.Hour))
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	s := fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
	if currency != "" {
		s += " " + strings.ToUpper(currency)
	}
	return s
}
