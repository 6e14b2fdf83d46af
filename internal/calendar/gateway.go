// Package calendar talks to the external calendar provider. The rest of the
// system depends on the Gateway contract, not on the HTTP implementation.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

var (
	// ErrReauthorizationNeeded means the provider's credentials were rejected
	// and a single refresh attempt did not recover them. The provider has to
	// re-link their calendar.
	ErrReauthorizationNeeded = errors.New("calendar credentials rejected, reauthorization needed")

	// ErrEventNotFound is returned by GetEvent for unknown event ids.
	ErrEventNotFound = errors.New("calendar event not found")
)

// Credentials is the OAuth-style token pair held per provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the access token has passed its expiry.
func (c Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Event is a single calendar event. Recurring availability events carry a
// weekly recurrence rule.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Recurrence  []string
}

// WeeklyRecurrence builds the recurrence rule for an availability window
// repeating every week on the given day.
func WeeklyRecurrence(day time.Weekday) string {
	return "RRULE:FREQ=WEEKLY;BYDAY=" + civiltime.WeekdayCode(day)
}

// CredentialStore loads and persists provider calendar credentials. The
// gateway writes back rotated tokens after each refresh.
type CredentialStore interface {
	Credentials(ctx context.Context, providerID uuid.UUID) (Credentials, error)
	SaveCredentials(ctx context.Context, providerID uuid.UUID, creds Credentials) error
}

// Gateway is the calendar provider contract consumed by the booking service.
//
// Every timestamp crossing this boundary must carry the fixed +02:00 civil
// offset; implementations panic on violations rather than letting drifted
// timestamps corrupt schedules.
type Gateway interface {
	// FreeBusy returns busy intervals per calendar for the query range.
	FreeBusy(ctx context.Context, providerID uuid.UUID, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]schedule.Interval, error)

	// InsertEvent creates an event and returns the provider-assigned id.
	InsertEvent(ctx context.Context, providerID uuid.UUID, calendarID string, ev Event) (string, error)

	// DeleteEvent removes an event. Deleting an already-absent event is an error.
	DeleteEvent(ctx context.Context, providerID uuid.UUID, calendarID, eventID string) error

	// GetEvent fetches one event, or ErrEventNotFound.
	GetEvent(ctx context.Context, providerID uuid.UUID, calendarID, eventID string) (*Event, error)

	// ListEvents returns the events overlapping the query range.
	ListEvents(ctx context.Context, providerID uuid.UUID, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
}
