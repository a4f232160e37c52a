package policy

import (
	"time"

	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
)

// DefaultCancellationWindow is the post-booking period during which a
// confirmed appointment may be cancelled with a refund.
const DefaultCancellationWindow = 72 * time.Hour

type Cancellation struct {
	Window time.Duration
}

func NewCancellation(window time.Duration) Cancellation {
	if window <= 0 {
		window = DefaultCancellationWindow
	}
	return Cancellation{Window: window}
}

// CanCancel is true iff the appointment is confirmed and no more than Window
// has elapsed since it was created. The boundary itself is inclusive.
func (p Cancellation) CanCancel(appt model.Appointment, now time.Time) bool {
	if appt.Status != model.StatusConfirmed {
		return false
	}
	return now.UTC().Sub(appt.CreatedAt.UTC()) <= p.window()
}

// DaysSinceCreated is the fractional number of days between creation and now.
func DaysSinceCreated(appt model.Appointment, now time.Time) float64 {
	return now.UTC().Sub(appt.CreatedAt.UTC()).Hours() / 24
}

func (p Cancellation) window() time.Duration {
	if p.Window <= 0 {
		return DefaultCancellationWindow
	}
	return p.Window
}
