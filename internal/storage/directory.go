package storage

import (
	"context"
	"database/sql"
	"time"

	"schoolops/internal/domain"
)

func (s *sqliteStore) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, time_zone FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.TimeZone); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTenant(ctx context.Context, t domain.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, name, time_zone) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, time_zone=excluded.time_zone`,
		t.ID, t.Name, t.TimeZone)
	return err
}

func (s *sqliteStore) GetClass(ctx context.Context, tenantID, id string) (domain.Class, error) {
	var c domain.Class
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, teacher_id, max_capacity FROM classes WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&c.ID, &c.TenantID, &c.Name, &c.TeacherID, &c.MaxCapacity)
	if err != nil {
		return domain.Class{}, notFound(err, "class "+id)
	}
	return c, nil
}

func (s *sqliteStore) PutClass(ctx context.Context, c domain.Class) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classes(id, tenant_id, name, teacher_id, max_capacity) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name=excluded.name, teacher_id=excluded.teacher_id,
			max_capacity=excluded.max_capacity`,
		c.ID, c.TenantID, c.Name, c.TeacherID, c.MaxCapacity)
	return err
}

func (s *sqliteStore) ClassOccupancy(ctx context.Context, tenantID, classID string) (domain.Occupancy, error) {
	var o domain.Occupancy
	err := s.db.QueryRowContext(ctx,
		`SELECT c.max_capacity,
			(SELECT COUNT(*) FROM enrollments e WHERE e.tenant_id = c.tenant_id AND e.class_id = c.id AND e.status = ?),
			(SELECT COUNT(*) FROM enrollments e WHERE e.tenant_id = c.tenant_id AND e.class_id = c.id AND e.status = ?)
		 FROM classes c WHERE c.tenant_id = ? AND c.id = ?`,
		string(domain.EnrollmentActive), string(domain.EnrollmentWaitlisted), tenantID, classID,
	).Scan(&o.Capacity, &o.Enrolled, &o.Waitlisted)
	if err != nil {
		return domain.Occupancy{}, notFound(err, "class "+classID)
	}
	return o, nil
}

func (s *sqliteStore) CreateEnrollment(ctx context.Context, e domain.Enrollment) (domain.Enrollment, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = domain.EnrollmentActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments(id, tenant_id, class_id, student_id, status, created_at) VALUES(?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.ClassID, e.StudentID, string(e.Status), toMS(e.CreatedAt))
	if err != nil {
		return domain.Enrollment{}, err
	}
	return e, nil
}

func (s *sqliteStore) PromoteWaitlisted(ctx context.Context, tenantID, classID string, n int) ([]domain.Enrollment, error) {
	if n <= 0 {
		return nil, nil
	}
	var promoted []domain.Enrollment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Capacity is re-read inside the transaction; promotions never overfill.
		var capacity, active int
		err := tx.QueryRowContext(ctx,
			`SELECT c.max_capacity,
				(SELECT COUNT(*) FROM enrollments e WHERE e.tenant_id = c.tenant_id AND e.class_id = c.id AND e.status = ?)
			 FROM classes c WHERE c.tenant_id = ? AND c.id = ?`,
			string(domain.EnrollmentActive), tenantID, classID).Scan(&capacity, &active)
		if err != nil {
			return notFound(err, "class "+classID)
		}
		if free := capacity - active; free < n {
			n = free
		}
		if n <= 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id, tenant_id, class_id, student_id, status, created_at FROM enrollments
			 WHERE tenant_id = ? AND class_id = ? AND status = ?
			 ORDER BY created_at, id LIMIT ?`,
			tenantID, classID, string(domain.EnrollmentWaitlisted), n)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				e       domain.Enrollment
				status  string
				created int64
			)
			if err := rows.Scan(&e.ID, &e.TenantID, &e.ClassID, &e.StudentID, &status, &created); err != nil {
				rows.Close()
				return err
			}
			e.CreatedAt = fromMS(created)
			e.Status = domain.EnrollmentActive
			promoted = append(promoted, e)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, e := range promoted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE enrollments SET status = ? WHERE id = ? AND status = ?`,
				string(domain.EnrollmentActive), e.ID, string(domain.EnrollmentWaitlisted)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// Contacts live in four tables with the same shape.

func (s *sqliteStore) getContact(ctx context.Context, table, tenantID, id string) (domain.Contact, error) {
	var c domain.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, telegram_id FROM `+table+` WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&c.ID, &c.Name, &c.Email, &c.TelegramChatID)
	if err != nil {
		return domain.Contact{}, notFound(err, table+" "+id)
	}
	return c, nil
}

func (s *sqliteStore) putContact(ctx context.Context, table, tenantID string, c domain.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+`(id, tenant_id, name, email, telegram_id) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name=excluded.name, email=excluded.email,
			telegram_id=excluded.telegram_id`,
		c.ID, tenantID, c.Name, c.Email, c.TelegramChatID)
	return err
}

func (s *sqliteStore) GetTeacher(ctx context.Context, tenantID, id string) (domain.Teacher, error) {
	c, err := s.getContact(ctx, "teachers", tenantID, id)
	if err != nil {
		return domain.Teacher{}, err
	}
	return domain.Teacher{Contact: c, TenantID: tenantID}, nil
}

func (s *sqliteStore) PutTeacher(ctx context.Context, t domain.Teacher) error {
	return s.putContact(ctx, "teachers", t.TenantID, t.Contact)
}

func (s *sqliteStore) GetGuardian(ctx context.Context, tenantID, id string) (domain.Guardian, error) {
	c, err := s.getContact(ctx, "guardians", tenantID, id)
	if err != nil {
		return domain.Guardian{}, err
	}
	return domain.Guardian{Contact: c, TenantID: tenantID}, nil
}

func (s *sqliteStore) PutGuardian(ctx context.Context, g domain.Guardian) error {
	return s.putContact(ctx, "guardians", g.TenantID, g.Contact)
}

func (s *sqliteStore) GetStudent(ctx context.Context, tenantID, id string) (domain.Student, error) {
	var st domain.Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, telegram_id, guardian_id FROM students WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&st.ID, &st.Name, &st.Email, &st.TelegramChatID, &st.GuardianID)
	if err != nil {
		return domain.Student{}, notFound(err, "student "+id)
	}
	st.TenantID = tenantID
	return st, nil
}

func (s *sqliteStore) PutStudent(ctx context.Context, st domain.Student) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students(id, tenant_id, name, email, telegram_id, guardian_id) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name=excluded.name, email=excluded.email,
			telegram_id=excluded.telegram_id, guardian_id=excluded.guardian_id`,
		st.ID, st.TenantID, st.Name, st.Email, st.TelegramChatID, st.GuardianID)
	return err
}

func (s *sqliteStore) ListAdministrators(ctx context.Context, tenantID string) ([]domain.Administrator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, telegram_id FROM administrators WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Administrator
	for rows.Next() {
		a := domain.Administrator{TenantID: tenantID}
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.TelegramChatID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAdministrator(ctx context.Context, a domain.Administrator) error {
	return s.putContact(ctx, "administrators", a.TenantID, a.Contact)
}
