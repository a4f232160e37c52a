package cancellation

import (
	"time"

	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/shopspring/decimal"
)

type RefundOutcome string

const (
	RefundNone      RefundOutcome = "none"
	RefundSucceeded RefundOutcome = "succeeded"
	RefundFailed    RefundOutcome = "failed"
)

const (
	EstimatedRefundArrival = "5-10 business days"
	supportMessage         = "Refund could not be processed automatically. Please contact support to complete your refund."
)

type Refund struct {
	Outcome RefundOutcome
	// Set when Outcome is RefundSucceeded.
	RefundID         string
	Amount           decimal.Decimal
	Status           string
	EstimatedArrival string
	// Set when Outcome is RefundFailed.
	Error   string
	Details string
}

type Result struct {
	Appointment      model.Appointment
	Refund           Refund
	DaysSinceCreated float64
	CancelledAt      time.Time
}

func (r Result) RefundProcessed() bool {
	return r.Refund.Outcome == RefundSucceeded
}

type Request struct {
	AppointmentID int64
	Reason        string
	RequesterID   int64
	RequesterRole string
}
