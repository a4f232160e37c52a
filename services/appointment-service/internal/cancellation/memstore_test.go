package cancellation

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/carelink-health/carelink/services/appointment-service/internal/outbox"
	"github.com/carelink-health/carelink/services/appointment-service/internal/refunds"
	"github.com/shopspring/decimal"
)

// memStore mirrors the conditional-write semantics of the Postgres store.
// Transactions are serialized and applied to a copy that replaces the
// committed state only when fn succeeds.
type memStore struct {
	mu       sync.Mutex
	appts    map[int64]model.Appointment
	payments map[int64]model.Payment // keyed by appointment id
	names    map[int64]string
	events   []outbox.Event

	txCount int
	// failTx, when set, fails the n-th transaction (1-based) before fn runs.
	failTx func(n int) error
}

func newMemStore() *memStore {
	return &memStore{
		appts:    map[int64]model.Appointment{},
		payments: map[int64]model.Payment{},
		names:    map[int64]string{},
	}
}

func (s *memStore) Candidate(_ context.Context, appointmentID, requesterID int64) (model.CancellationCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[appointmentID]
	if !ok || a.Status != model.StatusConfirmed {
		return model.CancellationCandidate{}, ErrNotFound
	}
	if requesterID != 0 && requesterID != a.FamilyID && requesterID != a.ElderID {
		return model.CancellationCandidate{}, ErrNotFound
	}
	return s.candidate(a), nil
}

func (s *memStore) RefundBacklog(_ context.Context, limit int, cancelledBefore time.Time) ([]model.CancellationCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CancellationCandidate
	for id, p := range s.payments {
		a := s.appts[id]
		if a.CancelledWithRefund() && a.CancelledAt.Before(cancelledBefore) && p.Status == model.PaymentCompleted {
			out = append(out, s.candidate(a))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) candidate(a model.Appointment) model.CancellationCandidate {
	c := model.CancellationCandidate{Appointment: a, ElderName: s.names[a.ElderID], DoctorName: s.names[a.DoctorID]}
	if p, ok := s.payments[a.ID]; ok {
		c.Payment = &p
	}
	return c
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	if s.failTx != nil {
		if err := s.failTx(s.txCount); err != nil {
			return err
		}
	}
	tx := &memTx{appts: maps.Clone(s.appts), payments: maps.Clone(s.payments)}
	if err := fn(tx); err != nil {
		return err
	}
	s.appts, s.payments = tx.appts, tx.payments
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *memStore) appointment(id int64) model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appts[id]
}

func (s *memStore) payment(appointmentID int64) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[appointmentID]
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

type memTx struct {
	appts    map[int64]model.Appointment
	payments map[int64]model.Payment
	events   []outbox.Event
}

func (t *memTx) CancelConfirmed(_ context.Context, id int64, reason, note string, at time.Time) (model.Appointment, error) {
	a, ok := t.appts[id]
	if !ok || a.Status != model.StatusConfirmed {
		return model.Appointment{}, ErrNotFound
	}
	a.Status = model.StatusCancelled
	a.CancellationReason = reason
	a.CancelledAt = &at
	a.Notes = appendNote(a.Notes, note)
	a.UpdatedAt = at
	t.appts[id] = a
	return a, nil
}

func (t *memTx) AppendNote(_ context.Context, id int64, note string, at time.Time) (model.Appointment, error) {
	a, ok := t.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	a.Notes = appendNote(a.Notes, note)
	a.UpdatedAt = at
	t.appts[id] = a
	return a, nil
}

func (t *memTx) MarkPaymentRefunded(_ context.Context, paymentID int64, _ time.Time) (bool, error) {
	for apptID, p := range t.payments {
		if p.ID == paymentID && p.Status == model.PaymentCompleted {
			p.Status = model.PaymentRefunded
			t.payments[apptID] = p
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Emit(_ context.Context, evt outbox.Event) error {
	t.events = append(t.events, evt)
	return nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

type gatewayCall struct {
	ref    string
	amount decimal.Decimal
	meta   refunds.Metadata
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []gatewayCall
	receipt refunds.Receipt
	err     error
	block   bool
}

func (g *fakeGateway) Refund(ctx context.Context, ref string, amount decimal.Decimal, meta refunds.Metadata) (refunds.Receipt, error) {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{ref: ref, amount: amount, meta: meta})
	receipt, err, block := g.receipt, g.err, g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return refunds.Receipt{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return refunds.Receipt{}, err
	}
	if err != nil {
		return refunds.Receipt{}, err
	}
	return receipt, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

var errBoom = errors.New("connection reset")
