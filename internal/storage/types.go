package storage

import (
	"context"
	"errors"
	"time"

	"schoolops/internal/domain"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	// ErrStateChanged is returned when a job row is no longer in the state a
	// transition expects (another worker or the janitor moved it).
	ErrStateChanged = errors.New("storage: job state changed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// ":memory:" is accepted as Path for throwaway databases.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is everything the scheduling core persists.
type Store interface {
	LessonStore
	PaymentStore
	DirectoryStore
	JobStore
	DedupStore
	Close() error
}

// OverlapFilter narrows FindOverlapping. Exactly one of TeacherID or Room is
// expected per call; callers union the results.
type OverlapFilter struct {
	Start     time.Time
	End       time.Time
	TeacherID string
	Room      string
	ExcludeID string
}

type LessonStore interface {
	GetLesson(ctx context.Context, tenantID, id string) (domain.Lesson, error)
	// FindOverlapping returns non-cancelled lessons whose [start, end)
	// intersects [f.Start, f.End).
	FindOverlapping(ctx context.Context, tenantID string, f OverlapFilter) ([]domain.LessonView, error)
	ListLessonsStarting(ctx context.Context, tenantID string, from, to time.Time, status domain.LessonStatus) ([]domain.Lesson, error)
	// FindOccurrence looks up the chain member of rootID starting exactly at start.
	FindOccurrence(ctx context.Context, tenantID, rootID string, start time.Time) (domain.Lesson, error)
	CreateLesson(ctx context.Context, l domain.Lesson) (domain.Lesson, error)
	UpdateLessonStatus(ctx context.Context, tenantID, id string, status domain.LessonStatus) (domain.Lesson, error)
}

type PaymentStore interface {
	GetPayment(ctx context.Context, tenantID, id string) (domain.Payment, error)
	// ListPaymentsDue returns payments with status whose due date is in [from, to).
	ListPaymentsDue(ctx context.Context, tenantID string, status domain.PaymentStatus, from, to time.Time) ([]domain.Payment, error)
	CreatePayment(ctx context.Context, p domain.Payment) (domain.Payment, error)
}

type DirectoryStore interface {
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	PutTenant(ctx context.Context, t domain.Tenant) error

	GetClass(ctx context.Context, tenantID, id string) (domain.Class, error)
	PutClass(ctx context.Context, c domain.Class) error
	ClassOccupancy(ctx context.Context, tenantID, classID string) (domain.Occupancy, error)
	CreateEnrollment(ctx context.Context, e domain.Enrollment) (domain.Enrollment, error)
	// PromoteWaitlisted moves up to n of the oldest waitlisted enrollments to
	// ACTIVE, never past the class capacity, in one transaction.
	PromoteWaitlisted(ctx context.Context, tenantID, classID string, n int) ([]domain.Enrollment, error)

	GetTeacher(ctx context.Context, tenantID, id string) (domain.Teacher, error)
	PutTeacher(ctx context.Context, t domain.Teacher) error
	GetStudent(ctx context.Context, tenantID, id string) (domain.Student, error)
	PutStudent(ctx context.Context, s domain.Student) error
	GetGuardian(ctx context.Context, tenantID, id string) (domain.Guardian, error)
	PutGuardian(ctx context.Context, g domain.Guardian) error
	ListAdministrators(ctx context.Context, tenantID string) ([]domain.Administrator, error)
	PutAdministrator(ctx context.Context, a domain.Administrator) error
}

type JobState string

const (
	JobPending   JobState = "PENDING"
	JobActive    JobState = "ACTIVE"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

func (s JobState) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Job is a persisted automation job row.
type Job struct {
	ID          string
	DedupKey    string
	TenantID    string
	Kind        string
	Payload     []byte
	State       JobState
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	LastError   string
	LockedBy    string
	LockedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  time.Time
}

type JobFilter struct {
	TenantID string
	State    JobState
	Kind     string
	Limit    int
}

type JobStore interface {
	// InsertJob stores j unless a live job of the same tenant with the same
	// dedup key exists; inserted is false in that case.
	InsertJob(ctx context.Context, j Job) (inserted bool, err error)
	// ClaimJob atomically moves the oldest due PENDING job to ACTIVE and
	// increments its attempt count.
	ClaimJob(ctx context.Context, workerID string, now time.Time) (Job, bool, error)
	CompleteJob(ctx context.Context, id string, at time.Time) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string, at time.Time) error
	FailJob(ctx context.Context, id string, lastErr string, at time.Time) error
	GetJob(ctx context.Context, id string) (Job, error)
	FindLiveJob(ctx context.Context, tenantID, dedupKey string) (Job, bool, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	// CountJobs counts jobs per state. An empty tenantID counts every tenant.
	CountJobs(ctx context.Context, tenantID string) (map[JobState]int, error)
	// RenewLease refreshes the lock time of an ACTIVE job still held by
	// workerID. It returns ErrStateChanged once the lease is gone.
	RenewLease(ctx context.Context, id, workerID string, at time.Time) error
	// RequeueExpired returns ACTIVE jobs locked before lockedBefore to PENDING.
	RequeueExpired(ctx context.Context, lockedBefore, at time.Time) (int, error)
	// PurgeJobs deletes terminal jobs finished before finishedBefore.
	PurgeJobs(ctx context.Context, finishedBefore time.Time) (int, error)
}

// DedupStore keeps short-lived "already done" markers.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}
