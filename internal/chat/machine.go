package chat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chipatara/clinic-scheduling/internal/civiltime"
)

// EntryState is where a patient with no persisted conversation state begins.
const EntryState = StateWelcome

var (
	optBook    = Option{ID: "book_appointment", Label: "Book an appointment", Aliases: []string{"book", "appointment", "start"}}
	optMale    = Option{ID: "male", Label: "Male", Aliases: []string{"m"}}
	optFemale  = Option{ID: "female", Label: "Female", Aliases: []string{"f"}}
	optConfirm = Option{ID: "confirm", Label: "Yes, that is correct", Aliases: []string{"yes", "correct", "confirm"}}
	optEdit    = Option{ID: "edit", Label: "No, start over", Aliases: []string{"no", "edit", "start over"}}
	optAccept  = Option{ID: "accept", Label: "Accept this time", Aliases: []string{"yes", "accept", "ok"}}
	optReject  = Option{ID: "reject", Label: "Offer another time", Aliases: []string{"no", "another", "different"}}
	optAbandon = Option{ID: "abandon", Label: "Stop booking", Aliases: []string{"stop", "cancel", "quit"}}
)

var nationalIDPattern = regexp.MustCompile(`^[0-9]{2}-?[0-9]{6,7}[- ]?[A-Za-z][- ]?[0-9]{2}$`)

var schedulingOptions = []Option{optAccept, optReject, optAbandon}

func schedulingTransition(in Input) Outcome {
	switch in.Option.ID {
	case optAccept.ID:
		return Outcome{Next: StateAppointmentScheduled}
	case optReject.ID:
		return Outcome{Next: StateOtherSchedulingOptions}
	default:
		return Outcome{Next: StateConversationClosed}
	}
}

func offerPrompt(pctx PromptContext) Reply {
	body := "Unfortunately no time could be found."
	if pctx.Offer != nil {
		body = fmt.Sprintf("The next available appointment is %s. Does that work for you?",
			civiltime.In(pctx.Offer.Start).Format("Monday 02 January at 15:04"))
	}
	return Reply{Body: body, ButtonLabel: "Choose", Options: schedulingOptions}
}

// states is the conversation table. The booking path runs welcome →
// demographics → reason → confirmation → slot negotiation → commit.
var states = map[State]stateSpec{
	StateWelcome: {
		Kind:    KindSelect,
		Options: []Option{optBook},
		Prompt: func(PromptContext) Reply {
			return Reply{
				Body:        "Welcome to the clinic booking service.",
				ButtonLabel: "Menu",
				Options:     []Option{optBook},
			}
		},
		Transition: func(Input) Outcome {
			return Outcome{Next: StateEnterName}
		},
	},

	StateEnterName: {
		Kind: KindFreeText,
		Prompt: func(PromptContext) Reply {
			return Reply{Body: "What is your full name?"}
		},
		Transition: func(in Input) Outcome {
			name := in.Text
			return Outcome{Next: StateEnterGender, Patient: PatientUpdates{Name: &name}}
		},
	},

	StateEnterGender: {
		Kind:    KindSelect,
		Options: []Option{optMale, optFemale},
		Prompt: func(pctx PromptContext) Reply {
			return Reply{
				Body:        fmt.Sprintf("Thank you %s. What is your gender?", derefOr(pctx.Patient.Name, "")),
				ButtonLabel: "Gender",
				Options:     []Option{optMale, optFemale},
			}
		},
		Transition: func(in Input) Outcome {
			gender := in.Option.ID
			return Outcome{Next: StateEnterDateOfBirth, Patient: PatientUpdates{Gender: &gender}}
		},
	},

	StateEnterDateOfBirth: {
		Kind: KindDate,
		Prompt: func(PromptContext) Reply {
			return Reply{Body: "What is your date of birth? Please reply as DD/MM/YYYY, for example 24/06/1990."}
		},
		Transition: func(in Input) Outcome {
			dob := in.Date
			return Outcome{Next: StateEnterNationalID, Patient: PatientUpdates{DateOfBirth: &dob}}
		},
	},

	StateEnterNationalID: {
		Kind: KindFreeText,
		Validate: func(text string) error {
			if !nationalIDPattern.MatchString(text) {
				return fmt.Errorf("that does not look like a national ID number")
			}
			return nil
		},
		Prompt: func(PromptContext) Reply {
			return Reply{Body: "What is your national ID number?"}
		},
		Transition: func(in Input) Outcome {
			id := strings.ToUpper(in.Text)
			return Outcome{Next: StateEnterReason, Patient: PatientUpdates{NationalIDNumber: &id}}
		},
	},

	StateEnterReason: {
		Kind:    KindFreeText,
		OnEnter: EffectCreateAppointment,
		Prompt: func(PromptContext) Reply {
			return Reply{Body: "What is the reason for your visit?"}
		},
		Transition: func(in Input) Outcome {
			reason := in.Text
			return Outcome{Next: StateConfirmDetails, Reason: &reason}
		},
	},

	StateConfirmDetails: {
		Kind:    KindSelect,
		Options: []Option{optConfirm, optEdit},
		Prompt: func(pctx PromptContext) Reply {
			p := pctx.Patient
			var dob string
			if p.DateOfBirth != nil {
				dob = civiltime.In(*p.DateOfBirth).Format("02/01/2006")
			}
			body := fmt.Sprintf(
				"Please confirm your details:\nName: %s\nGender: %s\nDate of birth: %s\nNational ID: %s\nReason: %s",
				derefOr(p.Name, "-"),
				derefOr(p.Gender, "-"),
				dob,
				derefOr(p.NationalIDNumber, "-"),
				appointmentReason(pctx),
			)
			return Reply{Body: body, ButtonLabel: "Confirm", Options: []Option{optConfirm, optEdit}}
		},
		Transition: func(in Input) Outcome {
			if in.Option.ID == optConfirm.ID {
				return Outcome{Next: StateFirstSchedulingOption}
			}
			return Outcome{Next: StateEnterName}
		},
	},

	StateFirstSchedulingOption: {
		Kind:       KindSelect,
		Options:    schedulingOptions,
		OnEnter:    EffectOfferSlot,
		Prompt:     offerPrompt,
		Transition: schedulingTransition,
	},

	StateOtherSchedulingOptions: {
		Kind:       KindSelect,
		Options:    schedulingOptions,
		OnEnter:    EffectDeclineAndOfferNext,
		Prompt:     offerPrompt,
		Transition: schedulingTransition,
	},

	StateAppointmentScheduled: {
		Kind:    KindTerminal,
		OnEnter: EffectCommitAppointment,
		Prompt: func(pctx PromptContext) Reply {
			body := "Your appointment is booked."
			if pctx.Appointment != nil && pctx.Appointment.Start != nil {
				body = fmt.Sprintf("Your appointment is booked for %s. See you then!",
					civiltime.In(*pctx.Appointment.Start).Format("Monday 02 January at 15:04"))
			}
			return Reply{Body: body}
		},
	},

	StateConversationClosed: {
		Kind: KindTerminal,
		Prompt: func(PromptContext) Reply {
			return Reply{Body: "No problem. Message us again any time to book an appointment."}
		},
	},
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}

func appointmentReason(pctx PromptContext) string {
	if pctx.Appointment != nil && pctx.Appointment.Reason != nil {
		return *pctx.Appointment.Reason
	}
	return "-"
}
