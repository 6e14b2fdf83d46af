package api

import (
	"time"

	"github.com/google/uuid"
)

// WebhookRequest is one inbound chat message as delivered by the messaging
// provider's webhook, already reduced to the fields the dialogue needs.
type WebhookRequest struct {
	ExternalMessageID  string    `json:"external_message_id" validate:"required"`
	PatientPhoneNumber string    `json:"patient_phone_number" validate:"required,e164"`
	Body               string    `json:"body" validate:"required"`
	Timestamp          time.Time `json:"timestamp" validate:"required"`
}

// SlotsRequest describes one slot search. Dates are civil dates (YYYY-MM-DD);
// declined_slot_starts are slot start times the patient already rejected.
type SlotsRequest struct {
	ProviderIDs        []string    `json:"provider_ids" validate:"omitempty,dive,uuid"`
	TimeMin            time.Time   `json:"time_min" validate:"required"`
	TimeMax            time.Time   `json:"time_max" validate:"required,gtfield=TimeMin"`
	Dates              []string    `json:"dates" validate:"omitempty,dive,datetime=2006-01-02"`
	Count              int         `json:"count" validate:"required,min=1"`
	DeclinedSlotStarts []time.Time `json:"declined_slot_starts"`
}

type SlotResponse struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type SlotsResponse struct {
	Slots []SlotResponse `json:"slots"`
}

// WindowRequest is one weekly availability block, minutes from civil midnight.
type WindowRequest struct {
	Weekday     string `json:"weekday" validate:"required,oneof=MO TU WE TH FR SA SU"`
	StartMinute int    `json:"start_minute" validate:"min=0,max=1439"`
	EndMinute   int    `json:"end_minute" validate:"required,min=1,max=1440"`
}

// RewriteAvailabilityRequest replaces a provider's entire weekly schedule.
type RewriteAvailabilityRequest struct {
	Windows []WindowRequest `json:"windows" validate:"required,min=1,dive"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	ProviderID      *uuid.UUID `json:"provider_id,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
	ExternalEventID *string    `json:"external_event_id,omitempty"`
	Status          string     `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
