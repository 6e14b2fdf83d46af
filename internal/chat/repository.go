package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/chipatara/clinic-scheduling/internal/booking"
)

// ErrStaleMessage marks an inbound message older than the staleness threshold.
var ErrStaleMessage = errors.New("message is too old to process")

// Repository contains all DB interactions needed by the chat service.
type Repository interface {
	// GetOrCreatePatientByPhone loads the patient owning the phone number,
	// creating a bare record on first contact.
	GetOrCreatePatientByPhone(ctx context.Context, phone string) (*booking.Patient, error)

	// ConversationState returns the persisted state, or "" when the patient
	// has never been through the dialogue.
	ConversationState(ctx context.Context, patientID uuid.UUID) (State, error)

	// RecordInbound stores the message. It returns false when the external
	// message id was seen before, making re-delivery a no-op.
	RecordInbound(ctx context.Context, patientID uuid.UUID, msg InboundMessage) (bool, error)

	// ClaimInbound transactionally marks the message as being responded to.
	// It returns false when another worker already claimed it.
	ClaimInbound(ctx context.Context, externalMessageID string) (bool, error)

	// ActivePendingAppointment returns the patient's open pending
	// appointment, or nil when there is none.
	ActivePendingAppointment(ctx context.Context, patientID uuid.UUID) (*booking.Appointment, error)

	// Apply persists one transition's writes in a single transaction.
	Apply(ctx context.Context, params ApplyParams) error

	// RecordOutbound stores the reply sent back to the patient.
	RecordOutbound(ctx context.Context, patientID uuid.UUID, inReplyTo string, reply Reply) error
}
