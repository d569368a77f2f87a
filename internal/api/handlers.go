package api

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"schoolops/internal/booking"
	"schoolops/internal/conflict"
	"schoolops/internal/domain"
	"schoolops/internal/storage"
)

type conflictCheckRequest struct {
	Start           time.Time `json:"start" validate:"required"`
	End             time.Time `json:"end" validate:"required,gtfield=Start"`
	TeacherID       string    `json:"teacherId" validate:"max=64"`
	Room            string    `json:"room" validate:"max=100"`
	ExcludeLessonID string    `json:"excludeLessonId" validate:"max=64"`
}

func (s *Server) checkConflicts(c *fiber.Ctx) error {
	var req conflictCheckRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	cs, err := s.deps.Conflicts.DetectConflicts(c.UserContext(), conflict.Query{
		TenantID:        tenantOf(c),
		Start:           req.Start,
		End:             req.End,
		TeacherID:       strings.TrimSpace(req.TeacherID),
		Room:            strings.TrimSpace(req.Room),
		ExcludeLessonID: strings.TrimSpace(req.ExcludeLessonID),
	})
	if err != nil {
		if conflict.IsValidation(err) {
			return failure(c, fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	return success(c, fiber.StatusOK, conflict.NewResponse(cs))
}

type lessonRequest struct {
	Title          string     `json:"title" validate:"required,max=200"`
	Description    string     `json:"description" validate:"max=2000"`
	Start          time.Time  `json:"start" validate:"required"`
	End            time.Time  `json:"end" validate:"required,gtfield=Start"`
	Room           string     `json:"room" validate:"max=100"`
	TeacherID      string     `json:"teacherId" validate:"max=64"`
	ClassID        string     `json:"classId" validate:"max=64"`
	IsRecurring    bool       `json:"isRecurring"`
	RecurrenceRule string     `json:"recurrenceRule" validate:"required_if=IsRecurring true,max=200"`
	RecurrenceEnd  *time.Time `json:"recurrenceEnd"`
	Force          bool       `json:"force"`
}

type lessonResponse struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Description    string              `json:"description,omitempty"`
	Start          time.Time           `json:"start"`
	End            time.Time           `json:"end"`
	Status         domain.LessonStatus `json:"status"`
	Room           string              `json:"room,omitempty"`
	TeacherID      string              `json:"teacherId,omitempty"`
	ClassID        string              `json:"classId,omitempty"`
	IsRecurring    bool                `json:"isRecurring"`
	RecurrenceRule string              `json:"recurrenceRule,omitempty"`
	RecurrenceEnd  *time.Time          `json:"recurrenceEnd,omitempty"`
	ParentLessonID string              `json:"parentLessonId,omitempty"`
}

func toLessonResponse(l domain.Lesson) lessonResponse {
	return lessonResponse{
		ID:             l.ID,
		Title:          l.Title,
		Description:    l.Description,
		Start:          l.Start,
		End:            l.End,
		Status:         l.Status,
		Room:           l.Room,
		TeacherID:      l.TeacherID,
		ClassID:        l.ClassID,
		IsRecurring:    l.IsRecurring,
		RecurrenceRule: l.RecurrenceRule,
		RecurrenceEnd:  l.RecurrenceEnd,
		ParentLessonID: l.ParentLessonID,
	}
}

func (s *Server) bookLesson(c *fiber.Ctx) error {
	var req lessonRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Bookings.Book(c.UserContext(), booking.Request{
		Lesson: domain.Lesson{
			TenantID:       tenantOf(c),
			Title:          strings.TrimSpace(req.Title),
			Description:    req.Description,
			Start:          req.Start,
			End:            req.End,
			Room:           strings.TrimSpace(req.Room),
			TeacherID:      strings.TrimSpace(req.TeacherID),
			ClassID:        strings.TrimSpace(req.ClassID),
			IsRecurring:    req.IsRecurring,
			RecurrenceRule: req.RecurrenceRule,
			RecurrenceEnd:  req.RecurrenceEnd,
		},
		Force: req.Force,
	})
	if err != nil {
		var ce *booking.ConflictError
		switch {
		case errors.As(err, &ce):
			return failureWith(c, fiber.StatusConflict, "lesson conflicts with existing bookings", conflict.NewResponse(ce.Conflicts))
		case errors.Is(err, booking.ErrInvalidInput), conflict.IsValidation(err):
			return failure(c, fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	return success(c, fiber.StatusCreated, fiber.Map{
		"lesson":       toLessonResponse(res.Lesson),
		"conflicts":    conflict.NewResponse(res.Conflicts),
		"chainStarted": res.ChainStarted,
	})
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) updateLessonStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	st, ok := domain.ParseLessonStatus(req.Status)
	if !ok {
		return failure(c, fiber.StatusBadRequest, "unknown status "+strconv.Quote(req.Status))
	}
	l, err := s.deps.Bookings.UpdateStatus(c.UserContext(), tenantOf(c), c.Params("id"), st)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failure(c, fiber.StatusNotFound, "lesson not found")
		}
		return err
	}
	return success(c, fiber.StatusOK, toLessonResponse(l))
}

func (s *Server) enrollmentChanged(c *fiber.Ctx) error {
	res, err := s.deps.Automation.CheckClassCapacity(c.UserContext(), tenantOf(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failure(c, fiber.StatusNotFound, "class not found")
		}
		return err
	}
	return success(c, fiber.StatusAccepted, res)
}

type jobResponse struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	State     storage.JobState `json:"state"`
	DedupKey  string           `json:"dedupKey,omitempty"`
	RunAt     time.Time        `json:"runAt"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"lastError,omitempty"`
}

func (s *Server) listJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	f := storage.JobFilter{
		TenantID: tenantOf(c),
		State:    storage.JobState(strings.ToUpper(strings.TrimSpace(c.Query("state")))),
		Kind:     strings.TrimSpace(c.Query("kind")),
		Limit:    limit,
	}
	list, err := s.deps.Jobs.ListJobs(c.UserContext(), f)
	if err != nil {
		return err
	}
	counts, err := s.deps.Jobs.CountJobs(c.UserContext(), f.TenantID)
	if err != nil {
		return err
	}
	out := make([]jobResponse, 0, len(list))
	for _, j := range list {
		out = append(out, jobResponse{
			ID:        j.ID,
			Kind:      j.Kind,
			State:     j.State,
			DedupKey:  j.DedupKey,
			RunAt:     j.RunAt,
			Attempts:  j.Attempts,
			LastError: j.LastError,
		})
	}
	data := fiber.Map{"jobs": out, "counts": counts}
	if s.deps.Pool != nil {
		data["pool"] = s.deps.Pool.Snapshot().ForTenant(f.TenantID)
	}
	return success(c, fiber.StatusOK, data)
}

func (s *Server) runDaily(c *fiber.Ctx) error {
	sum, err := s.deps.Automation.RunDaily(c.UserContext())
	if err != nil {
		// partial results are still reported
		return failureWith(c, fiber.StatusInternalServerError, err.Error(), sum)
	}
	return success(c, fiber.StatusOK, sum)
}

// bind decodes the JSON body into dst and validates it. The returned error
// is already rendered when non-nil.
func (s *Server) bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		if rerr := validationFailure(c, err); rerr != nil {
			return rerr
		}
		return errRendered
	}
	return nil
}

var errRendered = errors.New("response already rendered")
