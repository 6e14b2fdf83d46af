package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Provider is a health worker in a scheduling role. Booked time lives on the
// appointments calendar; declared weekly availability is materialized as
// recurring events on the availability calendar.
type Provider struct {
	ID                     uuid.UUID
	Name                   string
	AppointmentsCalendarID string
	AvailabilityCalendarID string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Patient is the demographic record. The chat flow fills the optional fields
// in one at a time as the conversation progresses.
type Patient struct {
	ID               uuid.UUID
	PhoneNumber      string
	Name             *string
	Gender           *string
	DateOfBirth      *time.Time
	NationalIDNumber *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AvailabilityWindow is one recurring weekly block of bookable time,
// expressed as minutes from midnight in civil time. Windows for the same
// provider and weekday must not overlap; that is enforced when the set is
// rewritten, not at read time.
type AvailabilityWindow struct {
	ID              uuid.UUID
	ProviderID      uuid.UUID
	Weekday         time.Weekday
	StartMinute     int
	EndMinute       int
	ExternalEventID string
	CreatedAt       time.Time
}

func (w AvailabilityWindow) String() string {
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d",
		w.Weekday, w.StartMinute/60, w.StartMinute%60, w.EndMinute/60, w.EndMinute%60)
}

// Overlaps reports whether two windows on the same weekday share any time.
func (w AvailabilityWindow) Overlaps(other AvailabilityWindow) bool {
	return w.Weekday == other.Weekday &&
		other.StartMinute < w.EndMinute &&
		other.EndMinute > w.StartMinute
}

// Appointment gains its provider, start and external event id as the booking
// flow progresses. ExternalEventID is only ever written together with the
// confirmed status; a confirmed appointment without one does not exist.
type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	ProviderID      *uuid.UUID
	Reason          *string
	Start           *time.Time
	ExternalEventID *string
	Status          AppointmentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OfferedTime is one slot proposed to a patient, kept as a history of offers.
// At most one non-declined offer per appointment may be promoted to a
// confirmed appointment.
type OfferedTime struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ProviderID    uuid.UUID
	Start         time.Time
	Declined      bool
	CreatedAt     time.Time
}

// EventLog records booking lifecycle events for audit and debugging.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ReconciliationReport is the outcome of diffing local confirmed appointments
// against the external calendar. It reports drift; repairing it is a manual
// operation.
type ReconciliationReport struct {
	ProviderID             uuid.UUID   `json:"provider_id"`
	CheckedAppointments    int         `json:"checked_appointments"`
	MissingExternalEvents  []uuid.UUID `json:"missing_external_events"`
	UnmatchedExternalEvent []string    `json:"unmatched_external_events"`
}
