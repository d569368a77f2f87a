// Package jobs is the durable automation job engine: a sqlite-backed queue,
// a typed payload registry and a bounded worker pool with retry and backoff.
package jobs

import (
	"fmt"
	"time"

	"schoolops/internal/recurrence"
	"schoolops/internal/storage"
)

type (
	Job   = storage.Job
	State = storage.JobState
)

type Kind string

const (
	KindAttendanceReminder        Kind = "attendance_reminder"
	KindPaymentReminder           Kind = "payment_reminder"
	KindCapacityWarning           Kind = "capacity_warning"
	KindAutoEnrollment            Kind = "auto_enrollment"
	KindRecurrenceMaterialization Kind = "recurrence_materialization"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAttendanceReminder, KindPaymentReminder, KindCapacityWarning,
		KindAutoEnrollment, KindRecurrenceMaterialization:
		return true
	}
	return false
}

// Payload is one arm of the job union. The payload type alone determines the
// kind and the deterministic dedup key.
type Payload interface {
	Kind() Kind
	DedupKey() string
}

type AttendanceVariant string

const (
	BeforeClass AttendanceVariant = "before-class"
	AfterClass  AttendanceVariant = "after-class"
)

type AttendanceReminder struct {
	LessonID string            `json:"lessonId"`
	Variant  AttendanceVariant `json:"variant"`
}

func (AttendanceReminder) Kind() Kind { return KindAttendanceReminder }
func (p AttendanceReminder) DedupKey() string {
	return fmt.Sprintf("attendance:%s:%s", p.LessonID, p.Variant)
}

type PaymentVariant string

const (
	DueSoon     PaymentVariant = "due-soon"
	Overdue     PaymentVariant = "overdue"
	FinalNotice PaymentVariant = "final-notice"
)

type PaymentReminder struct {
	PaymentID string         `json:"paymentId"`
	Variant   PaymentVariant `json:"variant"`
	// Day is the tenant-local scan day, YYYY-MM-DD.
	Day string `json:"day"`
}

func (PaymentReminder) Kind() Kind { return KindPaymentReminder }
func (p PaymentReminder) DedupKey() string {
	return fmt.Sprintf("payment:%s:%s:%s", p.PaymentID, p.Variant, p.Day)
}

type CapacityWarning struct {
	ClassID string `json:"classId"`
}

func (CapacityWarning) Kind() Kind         { return KindCapacityWarning }
func (p CapacityWarning) DedupKey() string { return "capacity:" + p.ClassID }

type AutoEnrollment struct {
	ClassID string `json:"classId"`
}

func (AutoEnrollment) Kind() Kind         { return KindAutoEnrollment }
func (p AutoEnrollment) DedupKey() string { return "enroll:" + p.ClassID }

// RecurrenceMaterialization creates the chain member of RootID at Occurrence.
// The rule travels parsed; it is encoded as its storage string.
type RecurrenceMaterialization struct {
	RootID     string          `json:"rootId"`
	Occurrence time.Time       `json:"occurrence"`
	Rule       recurrence.Rule `json:"rule"`
}

func (RecurrenceMaterialization) Kind() Kind { return KindRecurrenceMaterialization }
func (p RecurrenceMaterialization) DedupKey() string {
	return fmt.Sprintf("recurrence:%s:%s", p.RootID, p.Occurrence.UTC().Format(time.RFC3339))
}
