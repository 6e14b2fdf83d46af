package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingPathTransitions(t *testing.T) {
	dob := time.Date(1990, 6, 24, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state State
		input Input
		next  State
	}{
		{"welcome to name", StateWelcome, Input{Option: &optBook}, StateEnterName},
		{"name to gender", StateEnterName, Input{Text: "Tatenda Moyo"}, StateEnterGender},
		{"gender to date of birth", StateEnterGender, Input{Option: &optFemale}, StateEnterDateOfBirth},
		{"date of birth to national id", StateEnterDateOfBirth, Input{Date: dob}, StateEnterNationalID},
		{"national id to reason", StateEnterNationalID, Input{Text: "63-123456a78"}, StateEnterReason},
		{"reason to confirmation", StateEnterReason, Input{Text: "Chest pains"}, StateConfirmDetails},
		{"confirmation to scheduling", StateConfirmDetails, Input{Option: &optConfirm}, StateFirstSchedulingOption},
		{"edit restarts at name", StateConfirmDetails, Input{Option: &optEdit}, StateEnterName},
		{"accept schedules", StateFirstSchedulingOption, Input{Option: &optAccept}, StateAppointmentScheduled},
		{"reject asks for another", StateFirstSchedulingOption, Input{Option: &optReject}, StateOtherSchedulingOptions},
		{"abandon closes", StateFirstSchedulingOption, Input{Option: &optAbandon}, StateConversationClosed},
		{"reject again keeps offering", StateOtherSchedulingOptions, Input{Option: &optReject}, StateOtherSchedulingOptions},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec, ok := states[tc.state]
			require.True(t, ok)
			assert.Equal(t, tc.next, spec.Transition(tc.input).Next)
		})
	}
}

func TestTransitionsCaptureDemographics(t *testing.T) {
	out := states[StateEnterName].Transition(Input{Text: "Tatenda Moyo"})
	require.NotNil(t, out.Patient.Name)
	assert.Equal(t, "Tatenda Moyo", *out.Patient.Name)

	out = states[StateEnterGender].Transition(Input{Option: &optMale})
	require.NotNil(t, out.Patient.Gender)
	assert.Equal(t, "male", *out.Patient.Gender)

	dob := time.Date(1990, 6, 24, 0, 0, 0, 0, time.UTC)
	out = states[StateEnterDateOfBirth].Transition(Input{Date: dob})
	require.NotNil(t, out.Patient.DateOfBirth)
	assert.Equal(t, dob, *out.Patient.DateOfBirth)

	out = states[StateEnterNationalID].Transition(Input{Text: "63-123456a78"})
	require.NotNil(t, out.Patient.NationalIDNumber)
	assert.Equal(t, "63-123456A78", *out.Patient.NationalIDNumber, "national ids are stored uppercased")
}

func TestReasonTransitionTargetsAppointment(t *testing.T) {
	out := states[StateEnterReason].Transition(Input{Text: "Chest pains"})

	assert.True(t, out.Patient.Empty())
	require.NotNil(t, out.Reason)
	assert.Equal(t, "Chest pains", *out.Reason)
}

func TestNationalIDValidation(t *testing.T) {
	validate := states[StateEnterNationalID].Validate
	require.NotNil(t, validate)

	for _, id := range []string{"63-123456A78", "63123456a78", "63-1234567 B 12", "08-2233445-X-44"} {
		assert.NoError(t, validate(id), id)
	}
	for _, id := range []string{"", "not an id", "63-12345A78", "63-123456778", "6-123456A78"} {
		assert.Error(t, validate(id), id)
	}
}

func TestSchedulingEffects(t *testing.T) {
	assert.Equal(t, EffectCreateAppointment, states[StateEnterReason].OnEnter)
	assert.Equal(t, EffectOfferSlot, states[StateFirstSchedulingOption].OnEnter)
	assert.Equal(t, EffectDeclineAndOfferNext, states[StateOtherSchedulingOptions].OnEnter)
	assert.Equal(t, EffectCommitAppointment, states[StateAppointmentScheduled].OnEnter)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateAppointmentScheduled.Terminal())
	assert.True(t, StateConversationClosed.Terminal())
	assert.False(t, StateWelcome.Terminal())

	assert.True(t, StateWelcome.Known())
	assert.False(t, State("time_travel").Known())
}
