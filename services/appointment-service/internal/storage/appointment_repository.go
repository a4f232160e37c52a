package storage

import (
	"context"
	"errors"
	"time"

	"github.com/carelink-health/carelink/libs/db"
	"github.com/carelink-health/carelink/libs/money"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/jackc/pgx/v5"
)

// AppointmentRepository is the appointment store and payment ledger.
// Mutating methods take the caller's transaction explicitly.
type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const appointmentColumns = `a.id, a.elder_id, a.family_id, a.doctor_id, a.appointment_date, a.status,
	a.notes, a.appointment_type, a.created_at, a.updated_at, COALESCE(a.cancellation_reason, ''), a.cancelled_at`

const candidateSelect = `
	SELECT ` + appointmentColumns + `,
		p.id, p.amount::text, COALESCE(p.transaction_id, ''), COALESCE(p.payment_method, ''), p.payment_status,
		COALESCE(e.name, ''), COALESCE(d.name, '')
	FROM appointments a
	LEFT JOIN payments p ON p.appointment_id = a.id
	LEFT JOIN users e ON e.id = a.elder_id
	LEFT JOIN users d ON d.id = a.doctor_id`

// GetCancellationCandidate loads a confirmed appointment with its payment and
// display names. requesterID > 0 restricts the match to appointments the
// requester booked or attends. pgx.ErrNoRows when nothing matches.
func (r *AppointmentRepository) GetCancellationCandidate(ctx context.Context, appointmentID, requesterID int64) (model.CancellationCandidate, error) {
	row := r.pool.QueryRow(ctx, candidateSelect+`
		WHERE a.id = $1
			AND a.status = 'confirmed'
			AND ($2::bigint = 0 OR a.family_id = $2 OR a.elder_id = $2)
	`, appointmentID, requesterID)
	return scanCandidate(row)
}

// ListRefundBacklog returns workflow cancellations whose payment is still
// completed, oldest first. Appointments cancelled through a generic status
// change have no cancelled_at and never qualify. Only cancellations older
// than cancelledBefore are returned, so a refund call still in flight is not
// raced.
func (r *AppointmentRepository) ListRefundBacklog(ctx context.Context, limit int, cancelledBefore time.Time) ([]model.CancellationCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, candidateSelect+`
		WHERE a.status = 'cancelled'
			AND a.cancelled_at IS NOT NULL
			AND a.cancelled_at < $2
			AND p.payment_status = 'completed'
			AND COALESCE(p.transaction_id, '') <> ''
		ORDER BY a.cancelled_at ASC
		LIMIT $1
	`, limit, cancelledBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CancellationCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *AppointmentRepository) GetAppointment(ctx context.Context, appointmentID int64) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments a WHERE a.id = $1`, appointmentID)
	return scanAppointment(row)
}

// CancelConfirmed moves a confirmed appointment to cancelled, appends note and
// records reason and at as the refund's identity. It only touches rows still
// in confirmed, so a concurrent second caller gets pgx.ErrNoRows.
func (r *AppointmentRepository) CancelConfirmed(ctx context.Context, tx pgx.Tx, appointmentID int64, reason, note string, at time.Time) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE appointments a
		SET status = 'cancelled',
			notes = `+appendNoteExpr+`,
			cancellation_reason = $4,
			cancelled_at = $3,
			updated_at = $3
		WHERE a.id = $1 AND a.status = 'confirmed'
		RETURNING `+appointmentColumns, appointmentID, note, at, reason)
	return scanAppointment(row)
}

// UpdateStatus applies a generic transition conditional on the current status.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, appointmentID int64, from, to model.Status, note string, at time.Time) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE appointments a
		SET status = $4,
			notes = CASE WHEN $2 = '' THEN a.notes ELSE `+appendNoteExpr+` END,
			updated_at = $3
		WHERE a.id = $1 AND a.status = $5
		RETURNING `+appointmentColumns, appointmentID, note, at, string(to), string(from))
	return scanAppointment(row)
}

func (r *AppointmentRepository) AppendNote(ctx context.Context, tx pgx.Tx, appointmentID int64, note string, at time.Time) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE appointments a
		SET notes = `+appendNoteExpr+`,
			updated_at = $3
		WHERE a.id = $1
		RETURNING `+appointmentColumns, appointmentID, note, at)
	return scanAppointment(row)
}

// MarkPaymentRefunded flips a completed payment to refunded. It reports false
// when the payment was not in completed (already refunded by another worker).
func (r *AppointmentRepository) MarkPaymentRefunded(ctx context.Context, tx pgx.Tx, paymentID int64, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET payment_status = 'refunded',
			updated_at = $2
		WHERE id = $1 AND payment_status = 'completed'
	`, paymentID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Notes are appended on a new line, never overwritten.
const appendNoteExpr = `CASE WHEN a.notes = '' THEN $2 ELSE a.notes || E'\n' || $2 END`

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status, kind string
	err := row.Scan(
		&a.ID,
		&a.ElderID,
		&a.FamilyID,
		&a.DoctorID,
		&a.ScheduledAt,
		&status,
		&a.Notes,
		&kind,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancellationReason,
		&a.CancelledAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	a.AppointmentType = model.Kind(kind)
	return a, nil
}

func scanCandidate(row pgx.Row) (model.CancellationCandidate, error) {
	var c model.CancellationCandidate
	var status, kind string
	var paymentID *int64
	var amount, paymentStatus *string
	var txRef, method string
	err := row.Scan(
		&c.Appointment.ID,
		&c.Appointment.ElderID,
		&c.Appointment.FamilyID,
		&c.Appointment.DoctorID,
		&c.Appointment.ScheduledAt,
		&status,
		&c.Appointment.Notes,
		&kind,
		&c.Appointment.CreatedAt,
		&c.Appointment.UpdatedAt,
		&c.Appointment.CancellationReason,
		&c.Appointment.CancelledAt,
		&paymentID,
		&amount,
		&txRef,
		&method,
		&paymentStatus,
		&c.ElderName,
		&c.DoctorName,
	)
	if err != nil {
		return model.CancellationCandidate{}, err
	}
	c.Appointment.Status = model.Status(status)
	c.Appointment.AppointmentType = model.Kind(kind)

	if paymentID != nil && amount != nil {
		amt, err := money.Parse(*amount)
		if err != nil {
			return model.CancellationCandidate{}, err
		}
		c.Payment = &model.Payment{
			ID:             *paymentID,
			AppointmentID:  c.Appointment.ID,
			Amount:         amt,
			TransactionRef: txRef,
			Method:         method,
		}
		if paymentStatus != nil {
			c.Payment.Status = model.PaymentStatus(*paymentStatus)
		}
	}
	return c, nil
}
