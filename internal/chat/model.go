package chat

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage is one parsed chat message as delivered by the webhook. The
// external message id doubles as the idempotency key for re-deliveries.
type InboundMessage struct {
	ExternalMessageID string
	PhoneNumber       string
	Body              string
	Timestamp         time.Time
}

// ApplyParams is everything one transition persists atomically: the patient's
// demographic updates, the next conversation state and any appointment field
// update.
type ApplyParams struct {
	PatientID     uuid.UUID
	Updates       PatientUpdates
	State         State
	AppointmentID *uuid.UUID
	Reason        *string
}
