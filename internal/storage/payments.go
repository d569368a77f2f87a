package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"schoolops/internal/domain"
)

const paymentCols = `id, tenant_id, student_id, amount, currency, due_at, status`

func scanPayment(r rowScanner) (domain.Payment, error) {
	var (
		p      domain.Payment
		due    int64
		status string
	)
	if err := r.Scan(&p.ID, &p.TenantID, &p.StudentID, &p.Amount, &p.Currency, &due, &status); err != nil {
		return domain.Payment{}, err
	}
	p.DueDate = fromMS(due)
	p.Status = domain.PaymentStatus(status)
	return p, nil
}

func (s *sqliteStore) GetPayment(ctx context.Context, tenantID, id string) (domain.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE tenant_id = ? AND id = ?`, tenantID, id)
	p, err := scanPayment(row)
	if err != nil {
		return domain.Payment{}, notFound(err, "payment "+id)
	}
	return p, nil
}

func (s *sqliteStore) ListPaymentsDue(ctx context.Context, tenantID string, status domain.PaymentStatus, from, to time.Time) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentCols+` FROM payments
		 WHERE tenant_id = ? AND status = ? AND due_at >= ? AND due_at < ?
		 ORDER BY due_at, id`,
		tenantID, string(status), toMS(from), toMS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreatePayment(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	if strings.TrimSpace(p.TenantID) == "" {
		return domain.Payment{}, errors.New("payment tenant is required")
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = domain.PaymentPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments(`+paymentCols+`) VALUES(?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.StudentID, p.Amount, p.Currency, toMS(p.DueDate), string(p.Status))
	if err != nil {
		return domain.Payment{}, err
	}
	p.DueDate = p.DueDate.UTC()
	return p, nil
}
