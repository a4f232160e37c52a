package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventAppointmentCancelled = "appointment.cancelled.v1"
	EventRefundSucceeded      = "appointment.refund.succeeded.v1"
	EventRefundFailed         = "appointment.refund.failed.v1"
	EventStatusChanged        = "appointment.status.changed.v1"
)
