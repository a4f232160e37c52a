// Package cancellation cancels confirmed appointments inside the refund
// window and returns the payment through the refund gateway.
package cancellation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	otelx "github.com/carelink-health/carelink/libs/otel"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/carelink-health/carelink/services/appointment-service/internal/outbox"
	"github.com/carelink-health/carelink/services/appointment-service/internal/policy"
	"github.com/carelink-health/carelink/services/appointment-service/internal/refunds"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultReason        = "Cancelled by user within the cancellation window"
	DefaultRefundTimeout = 10 * time.Second
)

type Config struct {
	Window        time.Duration
	RefundTimeout time.Duration
	Now           func() time.Time
}

type Service struct {
	store         Store
	gateway       refunds.Gateway
	policy        policy.Cancellation
	refundTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func New(store Store, gateway refunds.Gateway, logger *slog.Logger, cfg Config) *Service {
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = DefaultRefundTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		gateway:       gateway,
		policy:        policy.NewCancellation(cfg.Window),
		refundTimeout: cfg.RefundTimeout,
		now:           cfg.Now,
		logger:        logger,
	}
}

// Cancel runs the full workflow. Once the cancellation has committed it is
// never reverted: a refund failure is reported in Result.Refund, not as an
// error, and the rest of the call ignores ctx cancellation.
func (s *Service) Cancel(ctx context.Context, req Request) (Result, error) {
	ctx, span := otelx.Tracer("cancellation").Start(ctx, "cancellation.cancel")
	defer span.End()
	span.SetAttributes(attribute.Int64("appointment.id", req.AppointmentID), attribute.String("requester.role", req.RequesterRole))

	candidate, err := s.store.Candidate(ctx, req.AppointmentID, req.RequesterID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{}, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load candidate")
		return Result{}, &StoreError{Op: "load appointment", Err: err}
	}

	// Postgres keeps microseconds; the stored cancellation time must match the
	// one sent with the refund.
	now := s.now().UTC().Truncate(time.Microsecond)
	days := policy.DaysSinceCreated(candidate.Appointment, now)
	if !s.policy.CanCancel(candidate.Appointment, now) {
		span.SetAttributes(attribute.Float64("cancellation.days_since_created", days))
		return Result{}, &NotAllowedError{DaysSinceCreated: days}
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultReason
	}

	var cancelled model.Appointment
	err = s.store.InTx(ctx, func(tx Tx) error {
		a, err := tx.CancelConfirmed(ctx, candidate.Appointment.ID, reason, "Cancellation reason: "+reason, now)
		if err != nil {
			return err
		}
		cancelled = a
		return tx.Emit(ctx, cancelledEvent(candidate, reason, now, days))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{}, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel")
		return Result{}, &StoreError{Op: "cancel appointment", Err: err}
	}
	s.logger.Info("appointment cancelled", "appointment_id", cancelled.ID, "days_since_created", days)

	// Committed: the caller going away must not abandon the refund.
	ctx = context.WithoutCancel(ctx)

	result := Result{
		Appointment:      cancelled,
		Refund:           Refund{Outcome: RefundNone},
		DaysSinceCreated: days,
		CancelledAt:      now,
	}
	if !candidate.Payment.Refundable() {
		return result, nil
	}

	candidate.Appointment = cancelled
	refund, annotated := s.refund(ctx, candidate, reason, now, true)
	result.Refund = refund
	if annotated != nil {
		result.Appointment = *annotated
	}
	span.SetAttributes(attribute.String("refund.outcome", string(refund.Outcome)))
	return result, nil
}

// RetryRefund replays the refund step for an appointment this workflow
// cancelled whose payment is still completed. The processor request is
// rebuilt from the reason and time stored at cancellation, so it is identical
// to the first attempt under the same idempotency key. A failed retry leaves
// the notes alone so that repeated attempts do not pile up failure notes.
func (s *Service) RetryRefund(ctx context.Context, candidate model.CancellationCandidate) Refund {
	a := candidate.Appointment
	if !a.CancelledWithRefund() || !candidate.Payment.Refundable() {
		return Refund{Outcome: RefundNone}
	}
	refund, _ := s.refund(ctx, candidate, a.CancellationReason, a.CancelledAt.UTC(), false)
	return refund
}

// refund calls the gateway and records the outcome. The returned appointment
// is nil when nothing was annotated.
func (s *Service) refund(ctx context.Context, c model.CancellationCandidate, reason string, cancelledAt time.Time, noteFailure bool) (Refund, *model.Appointment) {
	p := c.Payment
	meta := refunds.Metadata{
		AppointmentID: c.Appointment.ID,
		ElderName:     c.ElderName,
		DoctorName:    c.DoctorName,
		Reason:        reason,
		CancelledAt:   cancelledAt,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.refundTimeout)
	receipt, gwErr := s.gateway.Refund(callCtx, p.TransactionRef, p.Amount, meta)
	cancel()
	if errors.Is(gwErr, refunds.ErrAlreadyRefunded) {
		// The idempotency key expired but an earlier attempt went through.
		receipt, gwErr = refunds.Receipt{Amount: p.Amount, Status: "succeeded"}, nil
	}

	if gwErr != nil {
		s.logger.Warn("refund failed", "appointment_id", c.Appointment.ID, "payment_id", p.ID, "err", gwErr)
		out := Refund{Outcome: RefundFailed, Error: supportMessage, Details: gwErr.Error()}
		if !noteFailure {
			return out, nil
		}
		var annotated model.Appointment
		recErr := s.store.InTx(ctx, func(tx Tx) error {
			a, err := tx.AppendNote(ctx, c.Appointment.ID, failureNote(gwErr), s.now().UTC())
			if err != nil {
				return err
			}
			annotated = a
			return tx.Emit(ctx, refundFailedEvent(c, gwErr))
		})
		if recErr != nil {
			s.logger.Error("record refund failure", "appointment_id", c.Appointment.ID, "err", recErr)
			return out, nil
		}
		return out, &annotated
	}

	out := Refund{
		Outcome:          RefundSucceeded,
		RefundID:         receipt.RefundID,
		Amount:           receipt.Amount,
		Status:           receipt.Status,
		EstimatedArrival: EstimatedRefundArrival,
	}
	if out.Amount.IsZero() {
		out.Amount = p.Amount
	}
	s.logger.Info("refund succeeded", "appointment_id", c.Appointment.ID, "refund_id", receipt.RefundID, "amount", out.Amount.StringFixed(2))

	var annotated model.Appointment
	recErr := s.store.InTx(ctx, func(tx Tx) error {
		at := s.now().UTC()
		marked, err := tx.MarkPaymentRefunded(ctx, p.ID, at)
		if err != nil {
			return err
		}
		if !marked {
			// Another worker already recorded this refund.
			return errAlreadyRecorded
		}
		a, err := tx.AppendNote(ctx, c.Appointment.ID, successNote(out), at)
		if err != nil {
			return err
		}
		annotated = a
		return tx.Emit(ctx, refundSucceededEvent(c, out))
	})
	switch {
	case errors.Is(recErr, errAlreadyRecorded):
		return out, nil
	case recErr != nil:
		// The refund went through but the ledger still says completed; the
		// reconciler retries with the same idempotency key and records it.
		s.logger.Error("record refund", "appointment_id", c.Appointment.ID, "refund_id", receipt.RefundID, "err", recErr)
		return out, nil
	}
	return out, &annotated
}

var errAlreadyRecorded = errors.New("refund already recorded")

func successNote(r Refund) string {
	if r.RefundID == "" {
		return fmt.Sprintf("Refund confirmed: charge already refunded at the processor, amount=%s", r.Amount.StringFixed(2))
	}
	return fmt.Sprintf("Refund processed: id=%s amount=%s status=%s", r.RefundID, r.Amount.StringFixed(2), r.Status)
}

func failureNote(err error) string {
	return fmt.Sprintf("Refund failed: %s. Please contact support to complete your refund.", err)
}

type cancelledPayload struct {
	AppointmentID    int64     `json:"appointment_id"`
	ElderID          int64     `json:"elder_id"`
	FamilyID         int64     `json:"family_id"`
	DoctorID         int64     `json:"doctor_id"`
	Reason           string    `json:"reason"`
	CancelledAt      time.Time `json:"cancelled_at"`
	DaysSinceCreated float64   `json:"days_since_created"`
	RefundApplicable bool      `json:"refund_applicable"`
}

type refundPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	PaymentID     int64  `json:"payment_id"`
	Amount        string `json:"amount"`
	RefundID      string `json:"refund_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}

func cancelledEvent(c model.CancellationCandidate, reason string, at time.Time, days float64) outbox.Event {
	payload, _ := json.Marshal(cancelledPayload{
		AppointmentID:    c.Appointment.ID,
		ElderID:          c.Appointment.ElderID,
		FamilyID:         c.Appointment.FamilyID,
		DoctorID:         c.Appointment.DoctorID,
		Reason:           reason,
		CancelledAt:      at,
		DaysSinceCreated: days,
		RefundApplicable: c.Payment.Refundable(),
	})
	return appointmentEvent(c.Appointment.ID, outbox.EventAppointmentCancelled, payload)
}

func refundSucceededEvent(c model.CancellationCandidate, r Refund) outbox.Event {
	payload, _ := json.Marshal(refundPayload{
		AppointmentID: c.Appointment.ID,
		PaymentID:     c.Payment.ID,
		Amount:        r.Amount.StringFixed(2),
		RefundID:      r.RefundID,
		Status:        r.Status,
	})
	return appointmentEvent(c.Appointment.ID, outbox.EventRefundSucceeded, payload)
}

func refundFailedEvent(c model.CancellationCandidate, err error) outbox.Event {
	payload, _ := json.Marshal(refundPayload{
		AppointmentID: c.Appointment.ID,
		PaymentID:     c.Payment.ID,
		Amount:        c.Payment.Amount.StringFixed(2),
		Error:         err.Error(),
	})
	return appointmentEvent(c.Appointment.ID, outbox.EventRefundFailed, payload)
}

func appointmentEvent(id int64, eventType string, payload []byte) outbox.Event {
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   strconv.FormatInt(id, 10),
		EventType:     eventType,
		Payload:       payload,
	}
}
