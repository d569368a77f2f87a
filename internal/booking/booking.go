// Package booking creates lessons behind the conflict check.
//
// Detection and insert run under a per-tenant lock, so two concurrent bookings
// for the same teacher or room cannot both pass the check.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"schoolops/internal/conflict"
	"schoolops/internal/domain"
	"schoolops/internal/recurrence"
	logx "schoolops/pkg/logx"
)

var (
	ErrConflict     = errors.New("lesson conflicts with an existing booking")
	ErrInvalidInput = errors.New("invalid lesson")
)

// ConflictError carries the colliding lessons. It matches ErrConflict.
type ConflictError struct {
	Conflicts []conflict.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v (%d)", ErrConflict, len(e.Conflicts))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type Store interface {
	CreateLesson(ctx context.Context, l domain.Lesson) (domain.Lesson, error)
	UpdateLessonStatus(ctx context.Context, tenantID, id string, status domain.LessonStatus) (domain.Lesson, error)
}

type Detector interface {
	DetectConflicts(ctx context.Context, q conflict.Query) ([]conflict.Conflict, error)
}

// Chains starts recurrence for a newly booked recurring lesson.
type Chains interface {
	StartRecurrence(ctx context.Context, lesson domain.Lesson) (bool, error)
}

type Service struct {
	store    Store
	detector Detector
	chains   Chains
	log      logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a booking service. chains may be nil.
func New(store Store, detector Detector, chains Chains, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		detector: detector,
		chains:   chains,
		log:      log.With(logx.String("comp", "booking")),
		locks:    map[string]*sync.Mutex{},
	}
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[tenantID] = m
	}
	return m
}

type Request struct {
	Lesson domain.Lesson
	// Force books despite conflicts; they are still reported.
	Force bool
}

type Result struct {
	Lesson       domain.Lesson
	Conflicts    []conflict.Conflict
	ChainStarted bool
}

// Book checks l against existing lessons and stores it. A conflict without
// Force returns *ConflictError and stores nothing.
func (s *Service) Book(ctx context.Context, req Request) (Result, error) {
	l := req.Lesson
	if strings.TrimSpace(l.Title) == "" {
		return Result{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if l.IsRecurring {
		rule, err := recurrence.ParseRule(l.RecurrenceRule)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		l.RecurrenceRule = rule.String()
		if l.RecurrenceEnd != nil && l.RecurrenceEnd.Before(l.Start) {
			return Result{}, fmt.Errorf("%w: recurrence end before start", ErrInvalidInput)
		}
	} else {
		l.RecurrenceRule = ""
		l.RecurrenceEnd = nil
	}
	l.ParentLessonID = ""
	l.Status = domain.LessonScheduled

	lock := s.tenantLock(l.TenantID)
	lock.Lock()
	defer lock.Unlock()

	cs, err := s.detector.DetectConflicts(ctx, conflict.Query{
		TenantID:  l.TenantID,
		Start:     l.Start,
		End:       l.End,
		TeacherID: l.TeacherID,
		Room:      l.Room,
	})
	if err != nil {
		return Result{}, err
	}
	if len(cs) > 0 && !req.Force {
		return Result{Conflicts: cs}, &ConflictError{Conflicts: cs}
	}

	created, err := s.store.CreateLesson(ctx, l)
	if err != nil {
		return Result{}, err
	}
	out := Result{Lesson: created, Conflicts: cs}
	if len(cs) > 0 {
		s.log.Warn("lesson booked over conflicts",
			logx.Tenant(created.TenantID),
			logx.String("lesson", created.ID),
			logx.Int("conflicts", len(cs)),
		)
	}

	if created.IsRecurring && s.chains != nil {
		started, err := s.chains.StartRecurrence(ctx, created)
		if err != nil {
			// The lesson stands; the chain can be restarted.
			s.log.Error("recurrence start failed", logx.Tenant(created.TenantID), logx.String("lesson", created.ID), logx.Err(err))
		}
		out.ChainStarted = started
	}
	s.log.Info("lesson booked",
		logx.Tenant(created.TenantID),
		logx.String("lesson", created.ID),
		logx.Time("start", created.Start),
		logx.Bool("recurring", created.IsRecurring),
	)
	return out, nil
}

// UpdateStatus moves a lesson to status. Cancelled lessons free their slot.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, id string, status domain.LessonStatus) (domain.Lesson, error) {
	if !status.Valid() {
		return domain.Lesson{}, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	return s.store.UpdateLessonStatus(ctx, tenantID, id, status)
}
