package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipatara/clinic-scheduling/internal/civiltime"
)

func TestResolveOption(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // option id, "" = no match
	}{
		{"by menu position", "2", "reject"},
		{"by first position", "1", "accept"},
		{"position out of range", "4", ""},
		{"position zero", "0", ""},
		{"by id", "accept", "accept"},
		{"by id mixed case", "ACCEPT", "accept"},
		{"by full label", "Offer another time", "reject"},
		{"by alias", "yes", "accept"},
		{"alias as token in a sentence", "yes please!", "accept"},
		{"alias with punctuation", "no, thanks.", "reject"},
		{"stop word closes", "stop", "abandon"},
		{"gibberish", "banana", ""},
		{"empty", "   ", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := resolveOption(schedulingOptions, tc.body)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.ID)
		})
	}
}

func TestValidateSelectInput(t *testing.T) {
	spec := states[StateEnterGender]

	in, err := validateInput(spec, " Male ")
	require.NoError(t, err)
	assert.Equal(t, "male", in.Option.ID)

	_, err = validateInput(spec, "unsure")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidateDateInput(t *testing.T) {
	spec := states[StateEnterDateOfBirth]

	in, err := validateInput(spec, "24/06/1990")
	require.NoError(t, err)
	want := time.Date(1990, 6, 24, 0, 0, 0, 0, civiltime.Location)
	assert.True(t, in.Date.Equal(want))

	for _, body := range []string{"1990-06-24", "32/01/2000", "24 June 1990", ""} {
		_, err := validateInput(spec, body)
		assert.ErrorIs(t, err, ErrInvalidInput, body)
	}
}

func TestValidateFreeTextInput(t *testing.T) {
	spec := states[StateEnterName]

	in, err := validateInput(spec, "  Tatenda Moyo ")
	require.NoError(t, err)
	assert.Equal(t, "Tatenda Moyo", in.Text)

	_, err = validateInput(spec, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidateFreeTextRunsStateValidator(t *testing.T) {
	spec := states[StateEnterNationalID]

	_, err := validateInput(spec, "not an id")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "national ID")

	in, err := validateInput(spec, "63-123456A78")
	require.NoError(t, err)
	assert.Equal(t, "63-123456A78", in.Text)
}

func TestValidateTerminalInput(t *testing.T) {
	_, err := validateInput(states[StateConversationClosed], "hello again")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
