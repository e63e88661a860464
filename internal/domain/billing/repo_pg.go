package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/practice/internal/platform/db"
)

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func notFoundOr(err error, what string) error {
	if db.IsNoRows(err) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// =========== Charge Repository ===========

type chargeRepoPG struct{ pool *pgxpool.Pool }

func NewChargeRepoPG(pool *pgxpool.Pool) ChargeRepository { return &chargeRepoPG{pool: pool} }

func (r *chargeRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const chargeCols = `id, therapist_id, client_id, appointment_id,
	amount, paid_amount, tax_amount, discount_amount, tip_amount, cancellation_fee_amount,
	currency, line_items, status, payment_ids, allocations, settlement_mode,
	due_at, issued_at, paid_at, provider_name, invoice_id, invoice_url, notes,
	audit, version, created_at, updated_at`

func scanCharge(row pgx.Row) (*Charge, error) {
	var c Charge
	var lineItems, paymentIDs, allocations, audit []byte
	err := row.Scan(&c.ID, &c.TherapistID, &c.ClientID, &c.AppointmentID,
		&c.Amount, &c.PaidAmount, &c.TaxAmount, &c.DiscountAmount, &c.TipAmount, &c.CancellationFeeAmount,
		&c.Currency, &lineItems, &c.Status, &paymentIDs, &allocations, &c.SettlementMode,
		&c.DueAt, &c.IssuedAt, &c.PaidAt, &c.ProviderName, &c.InvoiceID, &c.InvoiceURL, &c.Notes,
		&audit, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw []byte
		dst interface{}
	}{
		{lineItems, &c.LineItems}, {paymentIDs, &c.Payments}, {allocations, &c.Allocations}, {audit, &c.Audit},
	} {
		if err := unmarshalJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *chargeRepoPG) collect(rows pgx.Rows) ([]*Charge, error) {
	defer rows.Close()
	var items []*Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

type chargeJSON struct {
	lineItems, paymentIDs, allocations []byte
}

func encodeChargeJSON(c *Charge) (*chargeJSON, error) {
	var out chargeJSON
	var err error
	if out.lineItems, err = marshalJSON(nonNil(c.LineItems)); err != nil {
		return nil, err
	}
	if out.paymentIDs, err = marshalJSON(nonNil(c.Payments)); err != nil {
		return nil, err
	}
	if out.allocations, err = marshalJSON(nonNil(c.Allocations)); err != nil {
		return nil, err
	}
	return &out, nil
}

func metadataOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (r *chargeRepoPG) Create(ctx context.Context, c *Charge) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cj, err := encodeChargeJSON(c)
	if err != nil {
		return err
	}
	audit, err := marshalJSON(nonNil(c.Audit))
	if err != nil {
		return err
	}
	c.Version = 1
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO charges (id, therapist_id, client_id, appointment_id,
			amount, paid_amount, tax_amount, discount_amount, tip_amount, cancellation_fee_amount,
			currency, line_items, status, payment_ids, allocations, settlement_mode,
			due_at, issued_at, paid_at, provider_name, invoice_id, invoice_url, notes,
			audit, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		RETURNING created_at, updated_at`,
		c.ID, c.TherapistID, c.ClientID, c.AppointmentID,
		c.Amount, c.PaidAmount, c.TaxAmount, c.DiscountAmount, c.TipAmount, c.CancellationFeeAmount,
		c.Currency, cj.lineItems, c.Status, cj.paymentIDs, cj.allocations, c.SettlementMode,
		c.DueAt, c.IssuedAt, c.PaidAt, c.ProviderName, c.InvoiceID, c.InvoiceURL, c.Notes,
		audit, c.Version).Scan(&c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		// Another request created the appointment's charge first.
		return fmt.Errorf("create charge: %w", ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("create charge: %w", err)
	}
	c.newAudit = nil
	return nil
}

func (r *chargeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Charge, error) {
	c, err := scanCharge(r.conn(ctx).QueryRow(ctx, `SELECT `+chargeCols+` FROM charges WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "charge")
	}
	return c, nil
}

func (r *chargeRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Charge, error) {
	c, err := scanCharge(r.conn(ctx).QueryRow(ctx,
		`SELECT `+chargeCols+` FROM charges WHERE appointment_id = $1`, appointmentID))
	if err != nil {
		return nil, notFoundOr(err, "charge")
	}
	return c, nil
}

func (r *chargeRepoPG) Update(ctx context.Context, c *Charge) error {
	cj, err := encodeChargeJSON(c)
	if err != nil {
		return err
	}
	appended, err := marshalJSON(nonNil(c.newAudit))
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE charges SET therapist_id=$3, client_id=$4,
			amount=$5, paid_amount=$6, tax_amount=$7, discount_amount=$8, tip_amount=$9, cancellation_fee_amount=$10,
			currency=$11, line_items=$12, status=$13, payment_ids=$14, allocations=$15, settlement_mode=$16,
			due_at=$17, issued_at=$18, paid_at=$19, provider_name=$20, invoice_id=$21, invoice_url=$22, notes=$23,
			audit = audit || $24::jsonb, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		c.ID, c.Version, c.TherapistID, c.ClientID,
		c.Amount, c.PaidAmount, c.TaxAmount, c.DiscountAmount, c.TipAmount, c.CancellationFeeAmount,
		c.Currency, cj.lineItems, c.Status, cj.paymentIDs, cj.allocations, c.SettlementMode,
		c.DueAt, c.IssuedAt, c.PaidAt, c.ProviderName, c.InvoiceID, c.InvoiceURL, c.Notes,
		appended).Scan(&c.Version, &c.UpdatedAt)
	if db.IsNoRows(err) {
		return fmt.Errorf("update charge %s: %w", c.ID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("update charge %s: %w", c.ID, err)
	}
	c.newAudit = nil
	return nil
}

func (r *chargeRepoPG) List(ctx context.Context, f ChargeFilter, limit, offset int) ([]*Charge, int, error) {
	var where []string
	var args []interface{}
	if f.ClientID != uuid.Nil {
		args = append(args, f.ClientID)
		where = append(where, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM charges`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+chargeCols+` FROM charges%s
		ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *chargeRepoPG) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Charge, error) {
	ref, err := marshalJSON([]uuid.UUID{paymentID})
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+chargeCols+` FROM charges
		WHERE payment_ids @> $1::jsonb ORDER BY created_at, id`, ref)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *chargeRepoPG) ListOpen(ctx context.Context, clientID uuid.UUID) ([]*Charge, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+chargeCols+` FROM charges
		WHERE client_id = $1
		  AND status NOT IN ('CANCELED', 'WRITEOFF', 'DRAFT')
		  AND amount + tax_amount + tip_amount - discount_amount - paid_amount > 0
		ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const paymentCols = `id, client_id, appointment_id, charge_id, amount, currency, method, provider,
	status, transaction_id, refunded_amount, refund_pending_amount, allocated_amount,
	failure_reason, metadata, refunds, expires_at, paid_at, invoice_id, invoice_url,
	version, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var metadata, refunds []byte
	err := row.Scan(&p.ID, &p.ClientID, &p.AppointmentID, &p.ChargeID, &p.Amount, &p.Currency, &p.Method, &p.Provider,
		&p.Status, &p.TransactionID, &p.RefundedAmount, &p.RefundPendingAmount, &p.AllocatedAmount,
		&p.FailureReason, &metadata, &refunds, &p.ExpiresAt, &p.PaidAt, &p.InvoiceID, &p.InvoiceURL,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(refunds, &p.Refunds); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepoPG) collect(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	metadata, err := marshalJSON(metadataOrEmpty(p.Metadata))
	if err != nil {
		return err
	}
	refunds, err := marshalJSON(nonNil(p.Refunds))
	if err != nil {
		return err
	}
	p.Version = 1
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (id, client_id, appointment_id, charge_id, amount, currency, method, provider,
			status, transaction_id, refunded_amount, refund_pending_amount, allocated_amount,
			failure_reason, metadata, refunds, expires_at, paid_at, invoice_id, invoice_url, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING created_at, updated_at`,
		p.ID, p.ClientID, p.AppointmentID, p.ChargeID, p.Amount, p.Currency, p.Method, p.Provider,
		p.Status, p.TransactionID, p.RefundedAmount, p.RefundPendingAmount, p.AllocatedAmount,
		p.FailureReason, metadata, refunds, p.ExpiresAt, p.PaidAt, p.InvoiceID, p.InvoiceURL, p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "payment")
	}
	return p, nil
}

func (r *paymentRepoPG) Update(ctx context.Context, p *Payment) error {
	metadata, err := marshalJSON(metadataOrEmpty(p.Metadata))
	if err != nil {
		return err
	}
	refunds, err := marshalJSON(nonNil(p.Refunds))
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE payments SET charge_id=$3, status=$4, transaction_id=$5,
			refunded_amount=$6, refund_pending_amount=$7, allocated_amount=$8,
			failure_reason=$9, metadata=$10, refunds=$11, paid_at=$12, invoice_id=$13, invoice_url=$14,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		p.ID, p.Version, p.ChargeID, p.Status, p.TransactionID,
		p.RefundedAmount, p.RefundPendingAmount, p.AllocatedAmount,
		p.FailureReason, metadata, refunds, p.PaidAt, p.InvoiceID, p.InvoiceURL,
	).Scan(&p.Version, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return fmt.Errorf("update payment %s: %w", p.ID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	return nil
}

func (r *paymentRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE client_id = $1`, clientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE client_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, clientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *paymentRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE appointment_id = $1
		ORDER BY created_at, id`, appointmentID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *paymentRepoPG) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET status = 'expired', version = version + 1, updated_at = NOW()
		WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== Package Repository ===========

type packageRepoPG struct{ pool *pgxpool.Pool }

func NewPackageRepoPG(pool *pgxpool.Pool) PackageRepository { return &packageRepoPG{pool: pool} }

func (r *packageRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const packageCols = `id, therapist_id, client_id, name, sessions_total, sessions_used,
	price, currency, status, expires_at, version, created_at, updated_at`

func scanPackage(row pgx.Row) (*Package, error) {
	var p Package
	err := row.Scan(&p.ID, &p.TherapistID, &p.ClientID, &p.Name, &p.SessionsTotal, &p.SessionsUsed,
		&p.Price, &p.Currency, &p.Status, &p.ExpiresAt, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *packageRepoPG) Create(ctx context.Context, p *Package) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO packages (id, therapist_id, client_id, name, sessions_total, sessions_used,
			price, currency, status, expires_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.TherapistID, p.ClientID, p.Name, p.SessionsTotal, p.SessionsUsed,
		p.Price, p.Currency, p.Status, p.ExpiresAt, p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create package: %w", err)
	}
	return nil
}

func (r *packageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Package, error) {
	p, err := scanPackage(r.conn(ctx).QueryRow(ctx, `SELECT `+packageCols+` FROM packages WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "package")
	}
	return p, nil
}

func (r *packageRepoPG) Update(ctx context.Context, p *Package) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE packages SET name=$3, status=$4, expires_at=$5, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		p.ID, p.Version, p.Name, p.Status, p.ExpiresAt,
	).Scan(&p.Version, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return fmt.Errorf("update package %s: %w", p.ID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("update package %s: %w", p.ID, err)
	}
	return nil
}

func (r *packageRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Package, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM packages WHERE client_id = $1`, clientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+packageCols+` FROM packages WHERE client_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, clientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *packageRepoPG) ConsumeSession(ctx context.Context, id uuid.UUID, now time.Time) (*Package, bool, error) {
	p, err := scanPackage(r.conn(ctx).QueryRow(ctx, `
		UPDATE packages SET sessions_used = sessions_used + 1,
			status = CASE WHEN sessions_used + 1 >= sessions_total THEN 'EXHAUSTED' ELSE status END,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE' AND sessions_used < sessions_total
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+packageCols, id, now))
	if err == nil {
		return p, true, nil
	}
	if !db.IsNoRows(err) {
		return nil, false, fmt.Errorf("consume package session: %w", err)
	}
	p, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}
