// Package lifecycle applies the generic appointment status transitions that
// carry no payment side effects.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/carelink-health/carelink/libs/db"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/carelink-health/carelink/services/appointment-service/internal/outbox"
	"github.com/carelink-health/carelink/services/appointment-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrConflict means the status changed between the read and the write.
	ErrConflict = errors.New("appointment status changed concurrently")
	// ErrUseCancellation rejects confirmed -> cancelled here; that move refunds
	// the payment and belongs to the cancellation endpoint.
	ErrUseCancellation = errors.New("confirmed appointments are cancelled through the cancellation endpoint")
)

type TransitionError struct {
	From, To model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move appointment from %s to %s", e.From, e.To)
}

// CheckTransition validates a generic status change.
func CheckTransition(from, to model.Status) error {
	if from == model.StatusConfirmed && to == model.StatusCancelled {
		return ErrUseCancellation
	}
	if from.Terminal() || !model.CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

type Service struct {
	pool   *db.Pool
	repo   *storage.AppointmentRepository
	outbox *outbox.Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(pool *db.Pool, repo *storage.AppointmentRepository, outboxRepo *outbox.Repository, logger *slog.Logger) *Service {
	return &Service{pool: pool, repo: repo, outbox: outboxRepo, logger: logger, now: time.Now}
}

func (s *Service) Get(ctx context.Context, id int64) (model.Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, id)
	if storage.IsNotFound(err) {
		return model.Appointment{}, ErrNotFound
	}
	return a, err
}

type statusChangedPayload struct {
	AppointmentID int64     `json:"appointment_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
}

func (s *Service) ChangeStatus(ctx context.Context, id int64, to model.Status, actor string) (model.Appointment, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := CheckTransition(current.Status, to); err != nil {
		return model.Appointment{}, err
	}

	at := s.now().UTC()
	var updated model.Appointment
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		a, err := s.repo.UpdateStatus(ctx, tx, id, current.Status, to, "", at)
		if err != nil {
			if storage.IsNotFound(err) {
				return ErrConflict
			}
			return err
		}
		updated = a
		payload, _ := json.Marshal(statusChangedPayload{
			AppointmentID: id,
			From:          string(current.Status),
			To:            string(to),
			ChangedBy:     actor,
			ChangedAt:     at,
		})
		return s.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   strconv.FormatInt(id, 10),
			EventType:     outbox.EventStatusChanged,
			Payload:       payload,
		})
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment status changed", "appointment_id", id, "from", current.Status, "to", to, "actor", actor)
	return updated, nil
}
