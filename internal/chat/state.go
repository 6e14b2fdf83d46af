// Package chat drives the WhatsApp-style booking conversation. Each state in
// the machine declares its input kind, prompt, entry effect and transition;
// transitions are pure and side effects are explicit values executed by the
// service, so the dialogue logic tests without I/O.
package chat

import (
	"time"

	"github.com/chipatara/clinic-scheduling/internal/booking"
)

// State names the patient's position in the booking dialogue. It is persisted
// on the patient row and mutated only by the machine's transition step.
type State string

const (
	StateWelcome                State = "welcome"
	StateEnterName              State = "enter_name"
	StateEnterGender            State = "enter_gender"
	StateEnterDateOfBirth       State = "enter_date_of_birth"
	StateEnterNationalID        State = "enter_national_id_number"
	StateEnterReason            State = "enter_appointment_reason"
	StateConfirmDetails         State = "confirm_details"
	StateFirstSchedulingOption  State = "first_scheduling_option"
	StateOtherSchedulingOptions State = "other_scheduling_options"
	StateAppointmentScheduled   State = "appointment_scheduled"
	StateConversationClosed     State = "conversation_closed"
)

// Kind classifies what input a state accepts.
type Kind int

const (
	KindSelect Kind = iota
	KindFreeText
	KindDate
	KindTerminal
)

// Option is one entry of a select menu. Aliases match case-insensitively
// against the whole message body, and the 1-based menu position always works.
type Option struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Aliases []string `json:"-"`
}

// Effect is a side effect requested when a state is entered. The service
// executes it before computing the state's prompt.
type Effect int

const (
	EffectNone Effect = iota
	// EffectCreateAppointment opens the pending appointment row.
	EffectCreateAppointment
	// EffectOfferSlot asks the aggregator for the next slot and persists it
	// as an offered time.
	EffectOfferSlot
	// EffectDeclineAndOfferNext marks open offers declined, then offers the
	// next slot.
	EffectDeclineAndOfferNext
	// EffectCommitAppointment runs the two-phase appointment commit.
	EffectCommitAppointment
)

// Input is a validated inbound message, shaped by the state's kind.
type Input struct {
	Option *Option   // set for KindSelect
	Text   string    // set for KindFreeText
	Date   time.Time // set for KindDate
}

// PatientUpdates are the demographic fields a transition wants persisted.
type PatientUpdates struct {
	Name             *string
	Gender           *string
	DateOfBirth      *time.Time
	NationalIDNumber *string
}

func (u PatientUpdates) Empty() bool {
	return u.Name == nil && u.Gender == nil && u.DateOfBirth == nil && u.NationalIDNumber == nil
}

// Outcome is the result of one transition.
type Outcome struct {
	Next    State
	Patient PatientUpdates
	Reason  *string // appointment reason update
}

// PromptContext carries the updated entities into prompt functions, so
// prompts can echo back what the patient just entered.
type PromptContext struct {
	Patient     *booking.Patient
	Appointment *booking.Appointment
	Offer       *booking.OfferedTime
}

// Reply is the outbound payload: plain text, or a menu when options are set.
type Reply struct {
	Body        string   `json:"body"`
	ButtonLabel string   `json:"button_label,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

type stateSpec struct {
	Kind       Kind
	Options    []Option
	Validate   func(text string) error // extra free-text validation
	Prompt     func(PromptContext) Reply
	OnEnter    Effect
	Transition func(Input) Outcome
}

// Terminal reports whether the state accepts messages without transitioning.
func (s State) Terminal() bool {
	spec, ok := states[s]
	return ok && spec.Kind == KindTerminal
}

// Known reports whether s names a state in the machine.
func (s State) Known() bool {
	_, ok := states[s]
	return ok
}
