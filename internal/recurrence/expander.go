package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolops/internal/conflict"
	"schoolops/internal/domain"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

// Lessons is the store surface the expander needs.
type Lessons interface {
	GetLesson(ctx context.Context, tenantID, id string) (domain.Lesson, error)
	FindOccurrence(ctx context.Context, tenantID, rootID string, start time.Time) (domain.Lesson, error)
	CreateLesson(ctx context.Context, l domain.Lesson) (domain.Lesson, error)
}

type ConflictChecker interface {
	DetectConflicts(ctx context.Context, q conflict.Query) ([]conflict.Conflict, error)
}

type Expander struct {
	lessons  Lessons
	conflict ConflictChecker
	log      logx.Logger
}

// NewExpander builds an expander. checker may be nil.
func NewExpander(lessons Lessons, checker ConflictChecker, log logx.Logger) *Expander {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Expander{lessons: lessons, conflict: checker, log: log.With(logx.String("comp", "recurrence"))}
}

// MaterializeNext creates the chain member starting at next, copying the
// template's content and duration. The new lesson's parent is the chain root
// even when the template is itself a materialized occurrence.
//
// created is false when the occurrence already exists; the existing lesson is
// returned so retries are idempotent.
func (e *Expander) MaterializeNext(ctx context.Context, tenantID, templateID string, next time.Time) (l domain.Lesson, created bool, err error) {
	tpl, err := e.lessons.GetLesson(ctx, tenantID, templateID)
	if err != nil {
		return domain.Lesson{}, false, err
	}
	root := tpl.ChainRoot()
	next = next.UTC()

	existing, err := e.lessons.FindOccurrence(ctx, tenantID, root, next)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return domain.Lesson{}, false, fmt.Errorf("find occurrence: %w", err)
	}

	occ := domain.Lesson{
		TenantID:       tenantID,
		Title:          tpl.Title,
		Description:    tpl.Description,
		Start:          next,
		End:            next.Add(tpl.Duration()),
		Status:         domain.LessonScheduled,
		Room:           tpl.Room,
		TeacherID:      tpl.TeacherID,
		ClassID:        tpl.ClassID,
		RecurrenceRule: tpl.RecurrenceRule,
		RecurrenceEnd:  tpl.RecurrenceEnd,
		ParentLessonID: root,
	}
	e.warnConflicts(ctx, occ)

	out, err := e.lessons.CreateLesson(ctx, occ)
	if err != nil {
		return domain.Lesson{}, false, fmt.Errorf("create occurrence: %w", err)
	}
	e.log.Info("occurrence materialized",
		logx.Tenant(tenantID),
		logx.String("root", root),
		logx.String("lesson", out.ID),
		logx.Time("start", out.Start),
	)
	return out, true, nil
}

// Generated occurrences are never blocked by a collision; the booking that
// started the chain already went through the checker.
func (e *Expander) warnConflicts(ctx context.Context, occ domain.Lesson) {
	if e.conflict == nil {
		return
	}
	cs, err := e.conflict.DetectConflicts(ctx, conflict.Query{
		TenantID:  occ.TenantID,
		Start:     occ.Start,
		End:       occ.End,
		TeacherID: occ.TeacherID,
		Room:      occ.Room,
	})
	if err != nil {
		e.log.Warn("occurrence conflict check failed", logx.Tenant(occ.TenantID), logx.Err(err))
		return
	}
	for _, c := range cs {
		e.log.Warn("materialized occurrence collides with existing lesson",
			logx.Tenant(occ.TenantID),
			logx.String("root", occ.ParentLessonID),
			logx.Time("start", occ.Start),
			logx.String("with", c.Lesson.ID),
			logx.String("type", string(c.Type)),
		)
	}
}

// Following computes the occurrence after ref on loc's wall clock. ok is false
// once the series end has been passed.
func Following(r Rule, ref time.Time, end *time.Time, loc *time.Location) (next time.Time, ok bool) {
	if !r.Valid() {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	next = r.Next(ref.In(loc)).UTC()
	if end != nil && next.After(*end) {
		return time.Time{}, false
	}
	return next, true
}
