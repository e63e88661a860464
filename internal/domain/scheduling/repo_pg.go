package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/practice/internal/domain/billing"
	"github.com/ehr/practice/internal/platform/db"
)

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const apptCols = `id, therapist_id, client_id, starts_at, ends_at, status,
	price, currency, billing_policy, package_id,
	charge_id, payment_status, paid_via_package_id,
	notes, version, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.TherapistID, &a.ClientID, &a.StartsAt, &a.EndsAt, &a.Status,
		&a.Price, &a.Currency, &a.BillingPolicy, &a.PackageID,
		&a.ChargeID, &a.PaymentStatus, &a.PaidViaPackageID,
		&a.Notes, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Version = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, therapist_id, client_id, starts_at, ends_at, status,
			price, currency, billing_policy, package_id, payment_status, notes, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		a.ID, a.TherapistID, a.ClientID, a.StartsAt, a.EndsAt, a.Status,
		a.Price, a.Currency, a.BillingPolicy, a.PackageID, a.PaymentStatus, a.Notes, a.Version,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET therapist_id=$3, starts_at=$4, ends_at=$5, status=$6,
			price=$7, currency=$8, billing_policy=$9, package_id=$10, notes=$11,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		a.ID, a.Version, a.TherapistID, a.StartsAt, a.EndsAt, a.Status,
		a.Price, a.Currency, a.BillingPolicy, a.PackageID, a.Notes,
	).Scan(&a.Version, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return fmt.Errorf("update appointment %s: %w", a.ID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	return nil
}

func (r *appointmentRepoPG) LinkCharge(ctx context.Context, appointmentID, chargeID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointments SET charge_id = $2, updated_at = NOW() WHERE id = $1`,
		appointmentID, chargeID)
	if err != nil {
		return fmt.Errorf("link charge to appointment %s: %w", appointmentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link charge: %w", ErrNotFound)
	}
	return nil
}

func (r *appointmentRepoPG) SetPaymentStatus(ctx context.Context, appointmentID uuid.UUID, status billing.AppointmentPaymentStatus, viaPackageID *uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET payment_status = $2,
			paid_via_package_id = COALESCE($3, paid_via_package_id), updated_at = NOW()
		WHERE id = $1`,
		appointmentID, status, viaPackageID)
	if err != nil {
		return fmt.Errorf("set payment status of appointment %s: %w", appointmentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set payment status: %w", ErrNotFound)
	}
	return nil
}

func (r *appointmentRepoPG) ClaimPackageSession(ctx context.Context, appointmentID, packageID uuid.UUID) (bool, error) {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE appointments SET paid_via_package_id = $2, updated_at = NOW()
		WHERE id = $1 AND paid_via_package_id IS NULL`,
		appointmentID, packageID)
	if err != nil {
		return false, fmt.Errorf("claim appointment %s for package: %w", appointmentID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM appointments WHERE id = $1)`, appointmentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("claim appointment %s for package: %w", appointmentID, err)
	}
	if !exists {
		return false, fmt.Errorf("claim appointment for package: %w", ErrNotFound)
	}
	return false, nil
}

func (r *appointmentRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "client_id", clientID, limit, offset)
}

func (r *appointmentRepoPG) ListByTherapist(ctx context.Context, therapistID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "therapist_id", therapistID, limit, offset)
}

// list pages appointments newest first. column is one of the fixed names
// above, never user input.
func (r *appointmentRepoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments WHERE `+column+` = $1 ORDER BY starts_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
