// Package refunds reverses completed charges with the payment processor.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway issues a refund for a previously captured charge.
type Gateway interface {
	Refund(ctx context.Context, transactionRef string, amount decimal.Decimal, meta Metadata) (Receipt, error)
}

// Metadata tags the refund on the processor side for reconciliation.
type Metadata struct {
	AppointmentID int64
	ElderName     string
	DoctorName    string
	Reason        string
	CancelledAt   time.Time
}

func (m Metadata) Map() map[string]string {
	return map[string]string{
		"appointment_id": strconv.FormatInt(m.AppointmentID, 10),
		"elder_name":     m.ElderName,
		"doctor_name":    m.DoctorName,
		"reason":         m.Reason,
		"cancelled_at":   m.CancelledAt.UTC().Format(time.RFC3339),
	}
}

// IdempotencyKey is stable per appointment so a retried refund (after a
// timeout whose outcome is unknown) cannot be issued twice.
func (m Metadata) IdempotencyKey() string {
	return "appointment-refund-" + strconv.FormatInt(m.AppointmentID, 10)
}

type Receipt struct {
	RefundID string
	Amount   decimal.Decimal
	Status   string
}

var (
	ErrTimeout = errors.New("refund gateway timed out")
	// ErrAlreadyRefunded means the charge has no refundable balance left
	// because an earlier refund for it succeeded.
	ErrAlreadyRefunded = errors.New("charge already refunded")
)

// GatewayError is a processor-side rejection or transport failure.
type GatewayError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s refund failed (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s refund failed: %s", e.Provider, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// classify maps context expiry onto ErrTimeout so callers can tell a slow
// processor apart from a rejection.
func classify(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &GatewayError{Provider: provider, Code: "timeout", Message: ErrTimeout.Error(), Err: ErrTimeout}
	}
	return err
}
