package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

// offerLookahead bounds how far ahead the chat flow searches for a slot to
// offer.
const offerLookahead = 7 * 24 * time.Hour

// AvailabilityQuery describes one slot search.
type AvailabilityQuery struct {
	ProviderIDs    []uuid.UUID // empty means all providers
	TimeMin        time.Time
	TimeMax        time.Time
	Dates          []string // civil dates (YYYY-MM-DD); empty means no date filter
	Count          int
	DeclinedStarts []time.Time
}

// Availability computes bookable slots: declared windows minus calendar busy
// time, discretized and aggregated. One free/busy request is issued per
// provider concurrently; arrival order does not matter because aggregation
// works on a deterministically ordered provider list.
func (s *Service) Availability(ctx context.Context, q AvailabilityQuery) ([]schedule.Slot, error) {
	civiltime.RequireOffset(q.TimeMin)
	civiltime.RequireOffset(q.TimeMax)

	providers, err := s.resolveProviders(ctx, q.ProviderIDs)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, schedule.ErrNoAvailability
	}

	perProvider := make([]schedule.ProviderSlots, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			slots, err := s.providerSlots(gctx, p, q.TimeMin, q.TimeMax)
			if err != nil {
				return fmt.Errorf("provider %s: %w", p.ID, err)
			}
			perProvider[i] = schedule.ProviderSlots{ProviderID: p.ID, Slots: slots}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return schedule.Aggregate(perProvider, schedule.DeclinedSet(q.DeclinedStarts), q.Dates, q.Count)
}

func (s *Service) resolveProviders(ctx context.Context, ids []uuid.UUID) ([]Provider, error) {
	if len(ids) == 0 {
		return s.repo.ListProviders(ctx)
	}

	providers := make([]Provider, 0, len(ids))
	for _, id := range ids {
		p, err := s.repo.GetProviderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, nil
}

// providerSlots computes one provider's free slots for the query range.
func (s *Service) providerSlots(ctx context.Context, p Provider, timeMin, timeMax time.Time) ([]schedule.Interval, error) {
	windows, err := s.repo.ListWindows(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	avail := materializeWindows(windows, timeMin, timeMax)
	if len(avail) == 0 {
		return nil, nil
	}

	busyByCalendar, err := s.gateway.FreeBusy(ctx, p.ID, []string{p.AppointmentsCalendarID}, timeMin, timeMax)
	if err != nil {
		return nil, fmt.Errorf("free/busy: %w", err)
	}

	free := schedule.Subtract(avail, busyByCalendar[p.AppointmentsCalendarID])

	var slots []schedule.Interval
	for _, iv := range free {
		slots = append(slots, schedule.SlotsWithin(iv, s.slotDuration).Collect()...)
	}
	return slots, nil
}

// materializeWindows expands recurring weekly windows into concrete civil
// intervals inside [timeMin, timeMax), clipped to the range boundaries.
func materializeWindows(windows []AvailabilityWindow, timeMin, timeMax time.Time) []schedule.Interval {
	timeMin = civiltime.In(timeMin)
	timeMax = civiltime.In(timeMax)

	var out []schedule.Interval

	day := time.Date(timeMin.Year(), timeMin.Month(), timeMin.Day(), 0, 0, 0, 0, civiltime.Location)
	for ; day.Before(timeMax); day = day.AddDate(0, 0, 1) {
		for _, w := range windows {
			if day.Weekday() != w.Weekday {
				continue
			}
			iv := schedule.Interval{
				Start: day.Add(time.Duration(w.StartMinute) * time.Minute),
				End:   day.Add(time.Duration(w.EndMinute) * time.Minute),
			}
			if iv.Start.Before(timeMin) {
				iv.Start = timeMin
			}
			if iv.End.After(timeMax) {
				iv.End = timeMax
			}
			if iv.Valid() {
				out = append(out, iv)
			}
		}
	}
	return out
}

// OfferNextSlot finds the next bookable slot not previously offered on this
// appointment and persists it as a new offered time.
func (s *Service) OfferNextSlot(ctx context.Context, appointmentID uuid.UUID) (*OfferedTime, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	past, err := s.repo.ListOfferedTimes(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list offered times: %w", err)
	}
	seen := make([]time.Time, 0, len(past))
	for _, o := range past {
		seen = append(seen, o.Start)
	}

	now := civiltime.Now()
	slots, err := s.Availability(ctx, AvailabilityQuery{
		TimeMin:        now,
		TimeMax:        now.Add(offerLookahead),
		Count:          1,
		DeclinedStarts: seen,
	})
	if err != nil {
		return nil, err
	}

	return s.repo.CreateOfferedTime(ctx, OfferedTime{
		AppointmentID: appt.ID,
		ProviderID:    slots[0].ProviderID,
		Start:         slots[0].Start,
	})
}

// DeclineOpenOffers marks every open offered time on an appointment declined,
// typically because the patient rejected the proposed slot.
func (s *Service) DeclineOpenOffers(ctx context.Context, appointmentID uuid.UUID) error {
	return s.repo.DeclineOpenOffers(ctx, appointmentID)
}

// RewriteAvailability replaces a provider's whole weekly schedule.
//
// The submitted windows are validated for same-day overlap before anything
// external happens. Existing availability events are then deleted and the new
// set inserted, strictly one call at a time: the calendar provider enforces a
// per-account rate limit, so this sequence must not be parallelized.
// Individual failures abort the rewrite and leave it partially applied; the
// partial state is logged rather than retried.
func (s *Service) RewriteAvailability(ctx context.Context, providerID uuid.UUID, windows []AvailabilityWindow) error {
	for i := range windows {
		if windows[i].StartMinute >= windows[i].EndMinute {
			return fmt.Errorf("%w: window %s is empty or inverted", ErrOverlappingWindows, windows[i])
		}
		for j := i + 1; j < len(windows); j++ {
			if windows[i].Overlaps(windows[j]) {
				return fmt.Errorf("%w: %s and %s", ErrOverlappingWindows, windows[i], windows[j])
			}
		}
	}

	provider, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return err
	}

	now := civiltime.Now()
	existing, err := s.gateway.ListEvents(ctx, provider.ID, provider.AvailabilityCalendarID, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err != nil {
		return fmt.Errorf("list availability events: %w", err)
	}

	for _, ev := range existing {
		if err := s.gateway.DeleteEvent(ctx, provider.ID, provider.AvailabilityCalendarID, ev.ID); err != nil {
			s.log.Error("availability rewrite left partially applied during deletes",
				zap.String("provider_id", providerID.String()),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			return fmt.Errorf("delete availability event %s: %w", ev.ID, err)
		}
	}

	inserted := make([]AvailabilityWindow, 0, len(windows))
	for _, w := range windows {
		start := nextOccurrence(now, w.Weekday, w.StartMinute)
		ev := calendar.Event{
			Summary:    "Available",
			Start:      start,
			End:        nextOccurrence(now, w.Weekday, w.EndMinute),
			Recurrence: []string{calendar.WeeklyRecurrence(w.Weekday)},
		}

		eventID, err := s.gateway.InsertEvent(ctx, provider.ID, provider.AvailabilityCalendarID, ev)
		if err != nil {
			s.log.Error("availability rewrite left partially applied during inserts",
				zap.String("provider_id", providerID.String()),
				zap.String("window", w.String()),
				zap.Error(err),
			)
			return fmt.Errorf("insert availability event for %s: %w", w, err)
		}

		w.ProviderID = providerID
		w.ExternalEventID = eventID
		inserted = append(inserted, w)
	}

	if err := s.repo.ReplaceWindows(ctx, providerID, inserted); err != nil {
		return fmt.Errorf("persist windows: %w", err)
	}
	return nil
}

// nextOccurrence returns the next civil instant falling on the given weekday
// at the given minute of day, today included.
func nextOccurrence(now time.Time, day time.Weekday, minuteOfDay int) time.Time {
	now = civiltime.In(now)
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, civiltime.Location)
	for date.Weekday() != day {
		date = date.AddDate(0, 0, 1)
	}
	return date.Add(time.Duration(minuteOfDay) * time.Minute)
}

// Reconcile diffs local confirmed appointments against the provider's
// external appointments calendar over the query range. It reports drift in
// both directions and repairs nothing.
func (s *Service) Reconcile(ctx context.Context, providerID uuid.UUID, timeMin, timeMax time.Time) (*ReconciliationReport, error) {
	provider, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	local, err := s.repo.ListConfirmedAppointments(ctx, providerID, timeMin, timeMax)
	if err != nil {
		return nil, fmt.Errorf("list confirmed appointments: %w", err)
	}

	external, err := s.gateway.ListEvents(ctx, provider.ID, provider.AppointmentsCalendarID, timeMin, timeMax)
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}

	externalIDs := make(map[string]struct{}, len(external))
	for _, ev := range external {
		externalIDs[ev.ID] = struct{}{}
	}
	localIDs := make(map[string]struct{}, len(local))

	report := &ReconciliationReport{
		ProviderID:          providerID,
		CheckedAppointments: len(local),
	}

	for _, appt := range local {
		if appt.ExternalEventID == nil {
			continue
		}
		localIDs[*appt.ExternalEventID] = struct{}{}
		if _, ok := externalIDs[*appt.ExternalEventID]; !ok {
			report.MissingExternalEvents = append(report.MissingExternalEvents, appt.ID)
		}
	}
	for _, ev := range external {
		if _, ok := localIDs[ev.ID]; !ok {
			report.UnmatchedExternalEvent = append(report.UnmatchedExternalEvent, ev.ID)
		}
	}

	return report, nil
}

// RefreshExpiringCredentials renews credentials expiring inside the lookahead
// window. Called periodically by the token-refresher worker; failures on one
// provider never block the rest.
func (s *Service) RefreshExpiringCredentials(ctx context.Context, lookahead time.Duration) error {
	cutoff := civiltime.Now().Add(lookahead)

	providers, err := s.repo.ListProvidersWithExpiringCredentials(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list providers with expiring credentials: %w", err)
	}

	for _, p := range providers {
		creds, err := s.repo.Credentials(ctx, p.ID)
		if err != nil {
			s.log.Warn("load credentials failed", zap.String("provider_id", p.ID.String()), zap.Error(err))
			continue
		}

		if _, err := s.refresher.Refresh(ctx, p.ID, creds); err != nil {
			if errors.Is(err, calendar.ErrReauthorizationNeeded) {
				s.log.Warn("provider needs to re-link their calendar",
					zap.String("provider_id", p.ID.String()),
				)
			} else {
				s.log.Warn("token refresh failed", zap.String("provider_id", p.ID.String()), zap.Error(err))
			}
			continue
		}

		s.log.Info("refreshed calendar credentials", zap.String("provider_id", p.ID.String()))
	}
	return nil
}
