// Package conflict reports existing lessons that collide with a proposed slot
// for the same teacher or room.
//
// Detection is advisory: the store does not enforce non-overlap, callers decide
// what to do with the result.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"schoolops/internal/domain"
	"schoolops/internal/storage"
)

var (
	ErrMissingTenant   = errors.New("tenant id is required")
	ErrInvalidInterval = errors.New("start must be before end")
)

// ValidationError wraps a rejected query. It is never retried or enqueued.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Type string

const (
	TypeTeacher Type = "teacher"
	TypeRoom    Type = "room"
	TypeBoth    Type = "both"
)

// Query describes a proposed [Start, End) slot.
type Query struct {
	TenantID        string
	Start           time.Time
	End             time.Time
	TeacherID       string
	Room            string
	ExcludeLessonID string
}

func (q Query) validate() error {
	if strings.TrimSpace(q.TenantID) == "" {
		return &ValidationError{Field: "tenant", Err: ErrMissingTenant}
	}
	if q.Start.IsZero() || q.End.IsZero() || !q.Start.Before(q.End) {
		return &ValidationError{Field: "interval", Err: ErrInvalidInterval}
	}
	return nil
}

// Conflict is a colliding lesson and the reason it collides.
type Conflict struct {
	Lesson domain.LessonView
	Type   Type
}

// Finder is the slice of the store the detector reads.
type Finder interface {
	FindOverlapping(ctx context.Context, tenantID string, f storage.OverlapFilter) ([]domain.LessonView, error)
}

type Detector struct {
	lessons Finder
}

func NewDetector(lessons Finder) *Detector {
	return &Detector{lessons: lessons}
}

// DetectConflicts runs the teacher and room lookups and merges them by lesson id.
// A query with neither teacher nor room yields no conflicts.
func (d *Detector) DetectConflicts(ctx context.Context, q Query) ([]Conflict, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	q.TeacherID = strings.TrimSpace(q.TeacherID)
	q.Room = strings.TrimSpace(q.Room)
	if q.TeacherID == "" && q.Room == "" {
		return nil, nil
	}

	byID := map[string]*Conflict{}
	var order []string
	add := func(views []domain.LessonView, t Type) {
		for _, v := range views {
			if v.ID == q.ExcludeLessonID && q.ExcludeLessonID != "" {
				continue
			}
			if c, ok := byID[v.ID]; ok {
				if c.Type != t {
					c.Type = TypeBoth
				}
				continue
			}
			byID[v.ID] = &Conflict{Lesson: v, Type: t}
			order = append(order, v.ID)
		}
	}

	base := storage.OverlapFilter{Start: q.Start, End: q.End, ExcludeID: q.ExcludeLessonID}
	if q.TeacherID != "" {
		f := base
		f.TeacherID = q.TeacherID
		views, err := d.lessons.FindOverlapping(ctx, q.TenantID, f)
		if err != nil {
			return nil, fmt.Errorf("teacher overlap: %w", err)
		}
		add(views, TypeTeacher)
	}
	if q.Room != "" {
		f := base
		f.Room = q.Room
		views, err := d.lessons.FindOverlapping(ctx, q.TenantID, f)
		if err != nil {
			return nil, fmt.Errorf("room overlap: %w", err)
		}
		add(views, TypeRoom)
	}

	out := make([]Conflict, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Lesson.Start.Before(out[j].Lesson.Start)
	})
	return out, nil
}

// Overlaps is the half-open interval test used throughout: touching endpoints
// do not overlap.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && e1.After(s2)
}
