package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chipatara/clinic-scheduling/internal/calendar"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the booking service.
// Implementations also satisfy calendar.CredentialStore so the gateway can
// persist rotated tokens.
type Repository interface {
	calendar.CredentialStore

	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)
	ListProvidersWithExpiringCredentials(ctx context.Context, before time.Time) ([]Provider, error)

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	ListWindows(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error)
	// ReplaceWindows swaps a provider's whole weekly window set in one
	// transaction.
	ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []AvailabilityWindow) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CreatePendingAppointment(ctx context.Context, patientID uuid.UUID) (*Appointment, error)
	SetAppointmentReason(ctx context.Context, id uuid.UUID, reason string) error
	// ConfirmAppointment persists provider, start and the external event id
	// together with the confirmed status.
	ConfirmAppointment(ctx context.Context, id uuid.UUID, providerID uuid.UUID, start time.Time, externalEventID string) (*Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListConfirmedAppointments(ctx context.Context, providerID uuid.UUID, timeMin, timeMax time.Time) ([]Appointment, error)

	CreateOfferedTime(ctx context.Context, offer OfferedTime) (*OfferedTime, error)
	ListOfferedTimes(ctx context.Context, appointmentID uuid.UUID) ([]OfferedTime, error)
	DeclineOpenOffers(ctx context.Context, appointmentID uuid.UUID) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
