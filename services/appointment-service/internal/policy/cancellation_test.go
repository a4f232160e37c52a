package policy

import (
	"math"
	"testing"
	"time"

	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
)

func TestCanCancelBoundary(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)
	p := NewCancellation(0)

	exactly := model.Appointment{Status: model.StatusConfirmed, CreatedAt: now.Add(-72 * time.Hour)}
	if !p.CanCancel(exactly, now) {
		t.Fatal("exactly 3.0 days must be cancellable")
	}

	// 0.00001 days is 864ms.
	past := model.Appointment{Status: model.StatusConfirmed, CreatedAt: now.Add(-72*time.Hour - 864*time.Millisecond)}
	if p.CanCancel(past, now) {
		t.Fatal("3.00001 days must not be cancellable")
	}

	fresh := model.Appointment{Status: model.StatusConfirmed, CreatedAt: now.Add(-time.Hour)}
	if !p.CanCancel(fresh, now) {
		t.Fatal("fresh confirmed appointment should be cancellable")
	}
}

func TestCanCancelRequiresConfirmed(t *testing.T) {
	now := time.Now()
	p := NewCancellation(DefaultCancellationWindow)
	for _, s := range []model.Status{model.StatusPending, model.StatusApproved, model.StatusCancelled, model.StatusCompleted} {
		appt := model.Appointment{Status: s, CreatedAt: now.Add(-time.Minute)}
		if p.CanCancel(appt, now) {
			t.Fatalf("status %s must not be cancellable", s)
		}
	}
}

func TestCanCancelComparesInstants(t *testing.T) {
	// Same instant expressed in two zones must not shift the window.
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2026, 5, 10, 10, 0, 0, 0, loc)
	appt := model.Appointment{Status: model.StatusConfirmed, CreatedAt: now.UTC().Add(-72 * time.Hour)}
	if !NewCancellation(0).CanCancel(appt, now) {
		t.Fatal("window should be evaluated on instants, not wall clocks")
	}
}

func TestDaysSinceCreated(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	appt := model.Appointment{CreatedAt: now.Add(-36 * time.Hour)}
	if got := DaysSinceCreated(appt, now); math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("expected 1.5 days, got %f", got)
	}
}
