// Package api is the HTTP surface: conflict checks, lesson booking,
// enrollment hooks and job inspection for tenant-scoped callers.
package api

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"schoolops/internal/automation"
	"schoolops/internal/booking"
	"schoolops/internal/conflict"
	"schoolops/internal/domain"
	"schoolops/internal/jobs"
	"schoolops/internal/storage"
	logx "schoolops/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
	// RequestTimeout bounds each handler's context.
	RequestTimeout time.Duration

	JWTSecret string
	Issuer    string
}

type Conflicts interface {
	DetectConflicts(ctx context.Context, q conflict.Query) ([]conflict.Conflict, error)
}

type Bookings interface {
	Book(ctx context.Context, req booking.Request) (booking.Result, error)
	UpdateStatus(ctx context.Context, tenantID, id string, status domain.LessonStatus) (domain.Lesson, error)
}

type Automation interface {
	CheckClassCapacity(ctx context.Context, tenantID, classID string) (automation.CapacityCheck, error)
	RunDaily(ctx context.Context) (automation.Summary, error)
}

type Jobs interface {
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	CountJobs(ctx context.Context, tenantID string) (map[storage.JobState]int, error)
}

type PoolStats interface {
	Snapshot() jobs.Snapshot
}

type Deps struct {
	Conflicts  Conflicts
	Bookings   Bookings
	Automation Automation
	Jobs       Jobs
	Pool       PoolStats
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	app      *fiber.App
	validate *validator.Validate

	mu      sync.Mutex
	running bool
	done    chan error
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("api: jwt secret is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(logx.String("comp", "api")),
		validate: newValidator(),
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.errorHandler,
	})
	s.routes()
	return s, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// App exposes the fiber app for in-process requests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Use(s.requestContext)
	s.app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })

	v1 := s.app.Group("/api/v1", authJWT(s.cfg.JWTSecret, s.cfg.Issuer))
	v1.Post("/conflicts/check", s.checkConflicts)
	v1.Post("/lessons", s.bookLesson)
	v1.Patch("/lessons/:id/status", s.updateLessonStatus)
	v1.Post("/classes/:id/enrollment-changed", s.enrollmentChanged)

	admin := v1.Group("", requireRole(RoleAdmin))
	admin.Get("/jobs", s.listJobs)
	admin.Post("/automation/run-daily", s.runDaily)
}

// requestContext assigns a request id, bounds the handler context and logs
// one line per request.
func (s *Server) requestContext(c *fiber.Ctx) error {
	id := c.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("X-Request-ID", id)
	c.Locals("request_id", id)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	c.SetUserContext(ctx)

	start := time.Now()
	err := c.Next()
	if err != nil {
		// render now so the logged status is the final one
		if herr := s.errorHandler(c, err); herr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}
	status := c.Response().StatusCode()
	fields := []logx.Field{
		logx.String("request_id", id),
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Int("status", status),
		logx.Duration("dur", time.Since(start)),
	}
	if status >= fiber.StatusInternalServerError {
		s.log.Warn("http.request", fields...)
	} else {
		s.log.Debug("http.request", fields...)
	}
	return nil
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	if errors.Is(err, errRendered) {
		return nil
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return failure(c, fe.Code, fe.Message)
	}
	s.log.Error("http.handler_failed", logx.String("path", c.Path()), logx.Err(err))
	return failure(c, fiber.StatusInternalServerError, "internal error")
}

// Start listens in the background. Listen errors surface from Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.done = make(chan error, 1)
	go func(done chan error) {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		done <- s.app.Listen(s.cfg.Addr)
	}(s.done)
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.done
	s.mu.Unlock()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
