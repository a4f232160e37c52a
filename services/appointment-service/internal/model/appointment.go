package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

type Kind string

const (
	KindOnline   Kind = "online"
	KindPhysical Kind = "physical"
)

type Appointment struct {
	ID                 int64
	ElderID            int64
	FamilyID           int64
	DoctorID           int64
	ScheduledAt        time.Time
	Status             Status
	Notes              string
	AppointmentType    Kind
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// Set only when the cancellation workflow cancelled the appointment.
	CancellationReason string
	CancelledAt        *time.Time
}

// CancelledWithRefund reports whether the refund-bearing cancellation, as
// opposed to a generic status change, cancelled the appointment.
func (a Appointment) CancelledWithRefund() bool {
	return a.Status == StatusCancelled && a.CancelledAt != nil
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID             int64
	AppointmentID  int64
	Amount         decimal.Decimal
	TransactionRef string
	Method         string
	Status         PaymentStatus
}

// Refundable reports whether a refund may be attempted against this charge.
func (p *Payment) Refundable() bool {
	return p != nil && p.Status == PaymentCompleted && p.TransactionRef != ""
}

// CancellationCandidate is the single read the cancellation flow works from:
// the appointment, its payment if any, and display names for audit metadata.
type CancellationCandidate struct {
	Appointment Appointment
	Payment     *Payment
	ElderName   string
	DoctorName  string
}
