package automation

import (
	"context"
	"time"

	"schoolops/internal/domain"
	"schoolops/internal/jobs"
	"schoolops/internal/notify"
	"schoolops/internal/storage"
)

// Store is the tenant-scoped data the driver and handlers read.
type Store interface {
	storage.LessonStore
	storage.PaymentStore
	storage.DirectoryStore
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req jobs.Request) (jobs.Result, error)
}

type Notifier interface {
	SendAll(ctx context.Context, msgs []notify.Message, dedupKey string) (notify.Report, error)
}

type Materializer interface {
	MaterializeNext(ctx context.Context, tenantID, templateID string, next time.Time) (domain.Lesson, bool, error)
}

// tenantLocation resolves the tenant clock, UTC when unknown.
func tenantLocation(ctx context.Context, st storage.DirectoryStore, tenantID string) (*time.Location, error) {
	ts, err := st.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range ts {
		if t.ID == tenantID {
			return t.Location(), nil
		}
	}
	return time.UTC, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
