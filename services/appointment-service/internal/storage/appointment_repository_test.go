package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/carelink-health/carelink/libs/db"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a disposable Postgres; they apply the service schema to
// the database named by DATABASE_URL.
func openTestRepo(t *testing.T) (*db.Pool, *AppointmentRepository) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, db.Options{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/0001_appointments.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return pool, NewAppointmentRepository(pool)
}

type seeded struct {
	appointmentID int64
	paymentID     int64
	elderID       int64
	familyID      int64
}

func seedAppointment(t *testing.T, pool *db.Pool, status model.Status, createdAt time.Time, paymentStatus model.PaymentStatus) seeded {
	t.Helper()
	ctx := context.Background()
	user := func(name, role string) int64 {
		var id int64
		err := pool.QueryRow(ctx, `INSERT INTO users (name, email, role) VALUES ($1, $2, $3) RETURNING id`,
			name, uuid.NewString()+"@example.test", role).Scan(&id)
		require.NoError(t, err)
		return id
	}
	s := seeded{elderID: user("Ada Elder", "elder"), familyID: user("Sam Family", "family")}
	doctorID := user("Dr. Lee", "doctor")

	err := pool.QueryRow(ctx, `
		INSERT INTO appointments (elder_id, family_id, doctor_id, appointment_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, s.elderID, s.familyID, doctorID, createdAt.Add(7*24*time.Hour), string(status), createdAt).Scan(&s.appointmentID)
	require.NoError(t, err)

	if paymentStatus != "" {
		err = pool.QueryRow(ctx, `
			INSERT INTO payments (appointment_id, amount, transaction_id, payment_status)
			VALUES ($1, 50.00, 'pi_test', $2)
			RETURNING id
		`, s.appointmentID, string(paymentStatus)).Scan(&s.paymentID)
		require.NoError(t, err)
	}
	return s
}

func TestCancellationCandidateReadsPaymentAndNames(t *testing.T) {
	pool, repo := openTestRepo(t)
	ctx := context.Background()
	s := seedAppointment(t, pool, model.StatusConfirmed, time.Now().Add(-time.Hour), model.PaymentCompleted)

	c, err := repo.GetCancellationCandidate(ctx, s.appointmentID, s.familyID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Elder", c.ElderName)
	assert.Equal(t, "Dr. Lee", c.DoctorName)
	require.NotNil(t, c.Payment)
	assert.Equal(t, "50.00", c.Payment.Amount.StringFixed(2))
	assert.True(t, c.Payment.Refundable())
	assert.Nil(t, c.Appointment.CancelledAt)

	_, err = repo.GetCancellationCandidate(ctx, s.appointmentID, s.familyID+s.elderID+1000)
	assert.True(t, IsNotFound(err))

	_, err = repo.GetCancellationCandidate(ctx, s.appointmentID, 0)
	assert.NoError(t, err)
}

func TestCancelConfirmedIsConditional(t *testing.T) {
	pool, repo := openTestRepo(t)
	ctx := context.Background()
	s := seedAppointment(t, pool, model.StatusConfirmed, time.Now().Add(-time.Hour), "")
	at := time.Now().UTC().Truncate(time.Microsecond)

	var a model.Appointment
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		var err error
		a, err = repo.CancelConfirmed(ctx, tx, s.appointmentID, "travel", "Cancellation reason: travel", at)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, a.Status)
	assert.Equal(t, "travel", a.CancellationReason)
	require.NotNil(t, a.CancelledAt)
	assert.True(t, a.CancelledAt.Equal(at))
	assert.Equal(t, "Cancellation reason: travel", a.Notes)

	err = db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		_, err := repo.CancelConfirmed(ctx, tx, s.appointmentID, "again", "again", at)
		return err
	})
	assert.True(t, IsNotFound(err))
}

func TestConcurrentCancelConfirmedHasOneWinner(t *testing.T) {
	pool, repo := openTestRepo(t)
	ctx := context.Background()
	s := seedAppointment(t, pool, model.StatusConfirmed, time.Now().Add(-time.Hour), "")

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.WithTx(ctx, pool, func(tx pgx.Tx) error {
				_, err := repo.CancelConfirmed(ctx, tx, s.appointmentID, "race", "race", time.Now())
				return err
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.True(t, IsNotFound(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, won)

	a, err := repo.GetAppointment(ctx, s.appointmentID)
	require.NoError(t, err)
	assert.Equal(t, "race", a.Notes)
}

func TestAppendNoteKeepsHistory(t *testing.T) {
	pool, repo := openTestRepo(t)
	ctx := context.Background()
	s := seedAppointment(t, pool, model.StatusConfirmed, time.Now().Add(-time.Hour), "")

	for _, note := range []string{"first", "second"} {
		err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			_, err := repo.AppendNote(ctx, tx, s.appointmentID, note, time.Now())
			return err
		})
		require.NoError(t, err)
	}
	a, err := repo.GetAppointment(ctx, s.appointmentID)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", a.Notes)
}

func TestMarkPaymentRefundedOnlyOnce(t *testing.T) {
	pool, repo := openTestRepo(t)
	ctx := context.Background()
	s := seedAppointment(t, pool, model.StatusCancelled, time.Now().Add(-time.Hour), model.PaymentCompleted)

	mark := func() bool {
		var marked bool
		err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			var err error
			marked, err = repo.MarkPaymentRefunded(ctx, tx, s.paymentID, time.Now())
			return err
		})
		require.NoError(t, err)
		return marked
	}
	assert.True(t, mark())
	assert.False(t, mark())
}

func TestRefundBacklogOnlyHoldsSettledWorkflowCancellations(t *testing.T) {
	pool, repo := openTestRepo(t)
	ctx := context.Background()
	cancelledAt := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Microsecond)

	viaWorkflow := seedAppointment(t, pool, model.StatusConfirmed, cancelledAt.Add(-time.Hour), model.PaymentCompleted)
	viaStatus := seedAppointment(t, pool, model.StatusPending, time.Now().Add(-30*24*time.Hour), model.PaymentCompleted)

	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := repo.CancelConfirmed(ctx, tx, viaWorkflow.appointmentID, "travel", "Cancellation reason: travel", cancelledAt); err != nil {
			return err
		}
		_, err := repo.UpdateStatus(ctx, tx, viaStatus.appointmentID, model.StatusPending, model.StatusCancelled, "", time.Now())
		return err
	})
	require.NoError(t, err)

	ids := func(cancelledBefore time.Time) map[int64]model.CancellationCandidate {
		backlog, err := repo.ListRefundBacklog(ctx, 1000, cancelledBefore)
		require.NoError(t, err)
		out := map[int64]model.CancellationCandidate{}
		for _, c := range backlog {
			out[c.Appointment.ID] = c
		}
		return out
	}

	settled := ids(time.Now())
	require.Contains(t, settled, viaWorkflow.appointmentID)
	assert.NotContains(t, settled, viaStatus.appointmentID)
	assert.Equal(t, "travel", settled[viaWorkflow.appointmentID].Appointment.CancellationReason)

	assert.NotContains(t, ids(cancelledAt), viaWorkflow.appointmentID)
}
