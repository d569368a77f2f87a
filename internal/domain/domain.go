// Package domain holds the school records the scheduling core reads and writes.
package domain

import (
	"strings"
	"time"
)

type LessonStatus string

const (
	LessonScheduled  LessonStatus = "SCHEDULED"
	LessonInProgress LessonStatus = "IN_PROGRESS"
	LessonCompleted  LessonStatus = "COMPLETED"
	LessonCancelled  LessonStatus = "CANCELLED"
)

func (s LessonStatus) Valid() bool {
	switch s {
	case LessonScheduled, LessonInProgress, LessonCompleted, LessonCancelled:
		return true
	}
	return false
}

// ParseLessonStatus accepts any casing of the four status names.
func ParseLessonStatus(raw string) (LessonStatus, bool) {
	s := LessonStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

type Lesson struct {
	ID          string
	TenantID    string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Status      LessonStatus
	Room        string
	TeacherID   string
	ClassID     string

	IsRecurring    bool
	RecurrenceRule string
	// ParentLessonID points at the chain root, never at an intermediate occurrence.
	ParentLessonID string
	RecurrenceEnd  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l Lesson) Duration() time.Duration { return l.End.Sub(l.Start) }

// ChainRoot returns the id of the lesson that started l's recurrence chain.
func (l Lesson) ChainRoot() string {
	if l.ParentLessonID != "" {
		return l.ParentLessonID
	}
	return l.ID
}

// LessonView is a lesson joined with the display names the conflict response needs.
type LessonView struct {
	Lesson
	TeacherName string
	ClassName   string
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentOverdue   PaymentStatus = "OVERDUE"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Unpaid reports whether a reminder still makes sense for the status.
func (s PaymentStatus) Unpaid() bool { return s == PaymentPending || s == PaymentOverdue }

type Payment struct {
	ID        string
	TenantID  string
	StudentID string
	// Amount is in minor currency units.
	Amount   int64
	Currency string
	DueDate  time.Time
	Status   PaymentStatus
}

type Tenant struct {
	ID       string
	Name     string
	TimeZone string
}

// Location resolves the tenant time zone, falling back to UTC.
func (t Tenant) Location() *time.Location {
	tz := strings.TrimSpace(t.TimeZone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Class struct {
	ID          string
	TenantID    string
	Name        string
	TeacherID   string
	MaxCapacity int
}

type EnrollmentStatus string

const (
	EnrollmentActive     EnrollmentStatus = "ACTIVE"
	EnrollmentWaitlisted EnrollmentStatus = "WAITLISTED"
	EnrollmentDropped    EnrollmentStatus = "DROPPED"
)

type Enrollment struct {
	ID        string
	TenantID  string
	ClassID   string
	StudentID string
	Status    EnrollmentStatus
	CreatedAt time.Time
}

// Occupancy is a class seat count snapshot.
type Occupancy struct {
	Enrolled   int `json:"enrolled"`
	Waitlisted int `json:"waitlisted"`
	Capacity   int `json:"capacity"`
}

// Utilization is Enrolled/Capacity, 0 when the class has no capacity set.
func (o Occupancy) Utilization() float64 {
	if o.Capacity <= 0 {
		return 0
	}
	return float64(o.Enrolled) / float64(o.Capacity)
}

func (o Occupancy) Available() int {
	if o.Capacity <= 0 || o.Enrolled >= o.Capacity {
		return 0
	}
	return o.Capacity - o.Enrolled
}

// Contact is anyone who can receive a notification.
type Contact struct {
	ID             string
	Name           string
	Email          string
	TelegramChatID int64
}

type Teacher struct {
	Contact
	TenantID string
}

type Student struct {
	Contact
	TenantID   string
	GuardianID string
}

type Guardian struct {
	Contact
	TenantID string
}

type Administrator struct {
	Contact
	TenantID string
}
