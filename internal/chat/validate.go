package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chipatara/clinic-scheduling/internal/civiltime"
)

// ErrInvalidInput marks input that fails the current state's validation. The
// service replies with the validation message and re-prompts the same state
// instead of transitioning.
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// validateInput checks a raw message body against the state's input kind and
// produces the typed Input the transition consumes.
func validateInput(spec stateSpec, body string) (Input, error) {
	body = strings.TrimSpace(body)

	switch spec.Kind {
	case KindSelect:
		opt := resolveOption(spec.Options, body)
		if opt == nil {
			return Input{}, invalidf("please choose one of the listed options, or reply with its number")
		}
		return Input{Option: opt}, nil

	case KindDate:
		d, err := civiltime.ParseDayMonthYear(body)
		if err != nil {
			return Input{}, invalidf("please send the date as DD/MM/YYYY")
		}
		return Input{Date: d}, nil

	case KindFreeText:
		if body == "" {
			return Input{}, invalidf("please send a reply")
		}
		if spec.Validate != nil {
			if err := spec.Validate(body); err != nil {
				return Input{}, fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
			}
		}
		return Input{Text: body}, nil

	default:
		return Input{}, invalidf("this conversation has finished")
	}
}

// resolveOption matches a select-state reply by option id, alias or 1-based
// menu position. Matching is case-insensitive; an alias matches when it
// equals the whole body or appears as a token in it.
func resolveOption(options []Option, body string) *Option {
	folded := strings.ToLower(strings.TrimSpace(body))
	if folded == "" {
		return nil
	}

	if n, err := strconv.Atoi(folded); err == nil {
		if n >= 1 && n <= len(options) {
			return &options[n-1]
		}
		return nil
	}

	for i := range options {
		if folded == strings.ToLower(options[i].ID) || folded == strings.ToLower(options[i].Label) {
			return &options[i]
		}
	}

	tokens := strings.FieldsFunc(folded, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	})
	for i := range options {
		for _, alias := range options[i].Aliases {
			alias = strings.ToLower(alias)
			if folded == alias {
				return &options[i]
			}
			for _, tok := range tokens {
				if tok == alias {
					return &options[i]
				}
			}
		}
	}
	return nil
}
