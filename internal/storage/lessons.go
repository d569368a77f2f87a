package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"schoolops/internal/domain"
)

const lessonCols = `l.id, l.tenant_id, l.title, l.description, l.start_at, l.end_at, l.status, l.room,
	l.teacher_id, l.class_id, l.is_recurring, l.recurrence_rule, l.parent_lesson_id,
	l.recurrence_end_at, l.created_at, l.updated_at`

func scanLesson(r rowScanner, extra ...any) (domain.Lesson, error) {
	var (
		l                        domain.Lesson
		start, end, created, upd int64
		recurring                int
		status                   string
		recEnd                   sql.NullInt64
	)
	dest := []any{&l.ID, &l.TenantID, &l.Title, &l.Description, &start, &end, &status, &l.Room,
		&l.TeacherID, &l.ClassID, &recurring, &l.RecurrenceRule, &l.ParentLessonID,
		&recEnd, &created, &upd}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return domain.Lesson{}, err
	}
	l.Start = fromMS(start)
	l.End = fromMS(end)
	l.Status = domain.LessonStatus(status)
	l.IsRecurring = recurring != 0
	if recEnd.Valid {
		t := fromMS(recEnd.Int64)
		l.RecurrenceEnd = &t
	}
	l.CreatedAt = fromMS(created)
	l.UpdatedAt = fromMS(upd)
	return l, nil
}

func (s *sqliteStore) GetLesson(ctx context.Context, tenantID, id string) (domain.Lesson, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lessonCols+` FROM lessons l WHERE l.tenant_id = ? AND l.id = ?`, tenantID, id)
	l, err := scanLesson(row)
	if err != nil {
		return domain.Lesson{}, notFound(err, "lesson "+id)
	}
	return l, nil
}

func (s *sqliteStore) FindOverlapping(ctx context.Context, tenantID string, f OverlapFilter) ([]domain.LessonView, error) {
	if strings.TrimSpace(f.TeacherID) == "" && strings.TrimSpace(f.Room) == "" {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + lessonCols + `, COALESCE(t.name, ''), COALESCE(c.name, '')
		FROM lessons l
		LEFT JOIN teachers t ON t.tenant_id = l.tenant_id AND t.id = l.teacher_id
		LEFT JOIN classes c ON c.tenant_id = l.tenant_id AND c.id = l.class_id
		WHERE l.tenant_id = ? AND l.status <> ? AND l.start_at < ? AND l.end_at > ?`)
	args := []any{tenantID, string(domain.LessonCancelled), toMS(f.End), toMS(f.Start)}
	if f.TeacherID != "" {
		b.WriteString(` AND l.teacher_id = ?`)
		args = append(args, f.TeacherID)
	}
	if f.Room != "" {
		b.WriteString(` AND l.room = ?`)
		args = append(args, f.Room)
	}
	if f.ExcludeID != "" {
		b.WriteString(` AND l.id <> ?`)
		args = append(args, f.ExcludeID)
	}
	b.WriteString(` ORDER BY l.start_at, l.id`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LessonView
	for rows.Next() {
		var v domain.LessonView
		l, err := scanLesson(rows, &v.TeacherName, &v.ClassName)
		if err != nil {
			return nil, err
		}
		v.Lesson = l
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListLessonsStarting(ctx context.Context, tenantID string, from, to time.Time, status domain.LessonStatus) ([]domain.Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lessonCols+` FROM lessons l
		 WHERE l.tenant_id = ? AND l.status = ? AND l.start_at >= ? AND l.start_at < ?
		 ORDER BY l.start_at, l.id`,
		tenantID, string(status), toMS(from), toMS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindOccurrence(ctx context.Context, tenantID, rootID string, start time.Time) (domain.Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonCols+` FROM lessons l
		 WHERE l.tenant_id = ? AND (l.id = ? OR l.parent_lesson_id = ?) AND l.start_at = ?
		 LIMIT 1`,
		tenantID, rootID, rootID, toMS(start))
	l, err := scanLesson(row)
	if err != nil {
		return domain.Lesson{}, notFound(err, "occurrence of "+rootID)
	}
	return l, nil
}

func (s *sqliteStore) CreateLesson(ctx context.Context, l domain.Lesson) (domain.Lesson, error) {
	if strings.TrimSpace(l.TenantID) == "" {
		return domain.Lesson{}, errors.New("lesson tenant is required")
	}
	if !l.Start.Before(l.End) {
		return domain.Lesson{}, errors.New("lesson start must be before end")
	}
	if l.ID == "" {
		l.ID = newID()
	}
	if l.Status == "" {
		l.Status = domain.LessonScheduled
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	var recEnd any
	if l.RecurrenceEnd != nil {
		recEnd = toMS(*l.RecurrenceEnd)
	}
	recurring := 0
	if l.IsRecurring {
		recurring = 1
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO lessons(id, tenant_id, title, description, start_at, end_at, status, room,
				teacher_id, class_id, is_recurring, recurrence_rule, parent_lesson_id, recurrence_end_at,
				created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			l.ID, l.TenantID, l.Title, l.Description, toMS(l.Start), toMS(l.End), string(l.Status), l.Room,
			l.TeacherID, l.ClassID, recurring, l.RecurrenceRule, l.ParentLessonID, recEnd,
			toMS(now), toMS(now))
		return err
	})
	if err != nil {
		return domain.Lesson{}, err
	}
	l.Start = l.Start.UTC()
	l.End = l.End.UTC()
	return l, nil
}

func (s *sqliteStore) UpdateLessonStatus(ctx context.Context, tenantID, id string, status domain.LessonStatus) (domain.Lesson, error) {
	if !status.Valid() {
		return domain.Lesson{}, errors.New("invalid lesson status " + string(status))
	}
	var out domain.Lesson
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE lessons SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
			string(status), toMS(time.Now()), tenantID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(sql.ErrNoRows, "lesson "+id)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+lessonCols+` FROM lessons l WHERE l.tenant_id = ? AND l.id = ?`, tenantID, id)
		out, err = scanLesson(row)
		return err
	})
	return out, err
}
