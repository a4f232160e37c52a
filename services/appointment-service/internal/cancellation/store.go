package cancellation

import (
	"context"
	"time"

	"github.com/carelink-health/carelink/libs/db"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/carelink-health/carelink/services/appointment-service/internal/outbox"
	"github.com/carelink-health/carelink/services/appointment-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Store is what the workflow needs from persistence. Implementations must
// return ErrNotFound when a lookup or a conditional cancel matches nothing.
type Store interface {
	Candidate(ctx context.Context, appointmentID, requesterID int64) (model.CancellationCandidate, error)
	// RefundBacklog lists workflow cancellations made before cancelledBefore
	// whose payment is still completed.
	RefundBacklog(ctx context.Context, limit int, cancelledBefore time.Time) ([]model.CancellationCandidate, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is one atomic unit of work. Events emitted inside it are committed with
// the row changes or not at all.
type Tx interface {
	CancelConfirmed(ctx context.Context, appointmentID int64, reason, note string, at time.Time) (model.Appointment, error)
	AppendNote(ctx context.Context, appointmentID int64, note string, at time.Time) (model.Appointment, error)
	MarkPaymentRefunded(ctx context.Context, paymentID int64, at time.Time) (bool, error)
	Emit(ctx context.Context, evt outbox.Event) error
}

type PostgresStore struct {
	pool   *db.Pool
	repo   *storage.AppointmentRepository
	outbox *outbox.Repository
}

func NewPostgresStore(pool *db.Pool, repo *storage.AppointmentRepository, outboxRepo *outbox.Repository) *PostgresStore {
	return &PostgresStore{pool: pool, repo: repo, outbox: outboxRepo}
}

func (s *PostgresStore) Candidate(ctx context.Context, appointmentID, requesterID int64) (model.CancellationCandidate, error) {
	c, err := s.repo.GetCancellationCandidate(ctx, appointmentID, requesterID)
	if storage.IsNotFound(err) {
		return model.CancellationCandidate{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) RefundBacklog(ctx context.Context, limit int, cancelledBefore time.Time) ([]model.CancellationCandidate, error) {
	return s.repo.ListRefundBacklog(ctx, limit, cancelledBefore)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, repo: s.repo, outbox: s.outbox})
	})
}

type pgTx struct {
	tx     pgx.Tx
	repo   *storage.AppointmentRepository
	outbox *outbox.Repository
}

func (t *pgTx) CancelConfirmed(ctx context.Context, appointmentID int64, reason, note string, at time.Time) (model.Appointment, error) {
	a, err := t.repo.CancelConfirmed(ctx, t.tx, appointmentID, reason, note, at)
	if storage.IsNotFound(err) {
		return model.Appointment{}, ErrNotFound
	}
	return a, err
}

func (t *pgTx) AppendNote(ctx context.Context, appointmentID int64, note string, at time.Time) (model.Appointment, error) {
	a, err := t.repo.AppendNote(ctx, t.tx, appointmentID, note, at)
	if storage.IsNotFound(err) {
		return model.Appointment{}, ErrNotFound
	}
	return a, err
}

func (t *pgTx) MarkPaymentRefunded(ctx context.Context, paymentID int64, at time.Time) (bool, error) {
	return t.repo.MarkPaymentRefunded(ctx, t.tx, paymentID, at)
}

func (t *pgTx) Emit(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}
