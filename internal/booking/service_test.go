package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu           sync.Mutex
	providers    map[uuid.UUID]*Provider
	patients     map[uuid.UUID]*Patient
	windows      map[uuid.UUID][]AvailabilityWindow
	appointments map[uuid.UUID]*Appointment
	offers       map[uuid.UUID][]OfferedTime
	creds        map[uuid.UUID]calendar.Credentials
	events       []EventLog

	failConfirm bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		providers:    map[uuid.UUID]*Provider{},
		patients:     map[uuid.UUID]*Patient{},
		windows:      map[uuid.UUID][]AvailabilityWindow{},
		appointments: map[uuid.UUID]*Appointment{},
		offers:       map[uuid.UUID][]OfferedTime{},
		creds:        map[uuid.UUID]calendar.Credentials{},
	}
}

func (r *fakeRepo) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) ListProviders(ctx context.Context) ([]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Provider
	for _, p := range r.providers {
		out = append(out, *p)
	}
	return out, nil
}

func (r *fakeRepo) ListProvidersWithExpiringCredentials(ctx context.Context, before time.Time) ([]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Provider
	for id, c := range r.creds {
		if !c.Expiry.IsZero() && c.Expiry.Before(before) {
			out = append(out, *r.providers[id])
		}
	}
	return out, nil
}

func (r *fakeRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) ListWindows(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AvailabilityWindow(nil), r.windows[providerID]...), nil
}

func (r *fakeRepo) ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []AvailabilityWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[providerID] = append([]AvailabilityWindow(nil), windows...)
	return nil
}

func (r *fakeRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) CreatePendingAppointment(ctx context.Context, patientID uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &Appointment{
		ID:        uuid.New(),
		PatientID: patientID,
		Status:    StatusPending,
		CreatedAt: civiltime.Now(),
		UpdatedAt: civiltime.Now(),
	}
	r.appointments[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) SetAppointmentReason(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Reason = &reason
	return nil
}

func (r *fakeRepo) ConfirmAppointment(ctx context.Context, id uuid.UUID, providerID uuid.UUID, start time.Time, externalEventID string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failConfirm {
		return nil, errors.New("simulated database failure")
	}
	a, ok := r.appointments[id]
	if !ok || a.Status != StatusPending {
		return nil, ErrAppointmentNotFound
	}
	a.ProviderID = &providerID
	a.Start = &start
	a.ExternalEventID = &externalEventID
	a.Status = StatusConfirmed
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok || a.Status != StatusConfirmed {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) ListConfirmedAppointments(ctx context.Context, providerID uuid.UUID, timeMin, timeMax time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusConfirmed && a.ProviderID != nil && *a.ProviderID == providerID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateOfferedTime(ctx context.Context, offer OfferedTime) (*OfferedTime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	offer.CreatedAt = civiltime.Now()
	r.offers[offer.AppointmentID] = append(r.offers[offer.AppointmentID], offer)
	return &offer, nil
}

func (r *fakeRepo) ListOfferedTimes(ctx context.Context, appointmentID uuid.UUID) ([]OfferedTime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OfferedTime(nil), r.offers[appointmentID]...), nil
}

func (r *fakeRepo) DeclineOpenOffers(ctx context.Context, appointmentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	offers := r.offers[appointmentID]
	for i := range offers {
		offers[i].Declined = true
	}
	return nil
}

func (r *fakeRepo) Credentials(ctx context.Context, providerID uuid.UUID) (calendar.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds[providerID], nil
}

func (r *fakeRepo) SaveCredentials(ctx context.Context, providerID uuid.UUID, creds calendar.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[providerID] = creds
	return nil
}

func (r *fakeRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

// fakeGateway is an in-memory calendar.Gateway.
type fakeGateway struct {
	mu         sync.Mutex
	busy       map[string][]schedule.Interval
	events     map[string]calendar.Event
	calls      []string
	failInsert bool
	seq        int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		busy:   map[string][]schedule.Interval{},
		events: map[string]calendar.Event{},
	}
}

func (g *fakeGateway) FreeBusy(ctx context.Context, providerID uuid.UUID, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]schedule.Interval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string][]schedule.Interval{}
	for _, id := range calendarIDs {
		out[id] = g.busy[id]
	}
	return out, nil
}

func (g *fakeGateway) InsertEvent(ctx context.Context, providerID uuid.UUID, calendarID string, ev calendar.Event) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failInsert {
		g.calls = append(g.calls, "insert:fail")
		return "", errors.New("simulated provider outage")
	}
	g.seq++
	id := fmt.Sprintf("evt-%d", g.seq)
	ev.ID = id
	g.events[calendarID+"/"+id] = ev
	g.calls = append(g.calls, "insert:"+calendarID)
	return id, nil
}

func (g *fakeGateway) DeleteEvent(ctx context.Context, providerID uuid.UUID, calendarID, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := calendarID + "/" + eventID
	if _, ok := g.events[key]; !ok {
		return calendar.ErrEventNotFound
	}
	delete(g.events, key)
	g.calls = append(g.calls, "delete:"+calendarID)
	return nil
}

func (g *fakeGateway) GetEvent(ctx context.Context, providerID uuid.UUID, calendarID, eventID string) (*calendar.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[calendarID+"/"+eventID]
	if !ok {
		return nil, calendar.ErrEventNotFound
	}
	return &ev, nil
}

func (g *fakeGateway) ListEvents(ctx context.Context, providerID uuid.UUID, calendarID string, timeMin, timeMax time.Time) ([]calendar.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []calendar.Event
	for key, ev := range g.events {
		if strings.HasPrefix(key, calendarID+"/") {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (g *fakeGateway) eventCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.events)
}

// passLocker runs the critical section inline.
type passLocker struct{}

func (passLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeGateway) {
	t.Helper()
	repo := newFakeRepo()
	gw := newFakeGateway()
	svc := NewService(repo, gw, nil, passLocker{}, 30*time.Minute, zap.NewNop())
	return svc, repo, gw
}

func seedProvider(repo *fakeRepo) *Provider {
	p := &Provider{
		ID:                     uuid.New(),
		Name:                   "Dr Moyo",
		AppointmentsCalendarID: "appt-cal",
		AvailabilityCalendarID: "avail-cal",
	}
	repo.providers[p.ID] = p
	return p
}

func seedPatient(repo *fakeRepo) *Patient {
	name := "Tendai Ncube"
	p := &Patient{
		ID:          uuid.New(),
		PhoneNumber: "+263771234567",
		Name:        &name,
	}
	repo.patients[p.ID] = p
	return p
}

func seedPendingWithOffer(t *testing.T, repo *fakeRepo, provider *Provider, patient *Patient, start time.Time) *Appointment {
	t.Helper()
	appt, err := repo.CreatePendingAppointment(context.Background(), patient.ID)
	require.NoError(t, err)
	_, err = repo.CreateOfferedTime(context.Background(), OfferedTime{
		AppointmentID: appt.ID,
		ProviderID:    provider.ID,
		Start:         start,
	})
	require.NoError(t, err)
	return appt
}

func TestCommitHappyPath(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, civiltime.Location)
	appt := seedPendingWithOffer(t, repo, provider, patient, start)

	confirmed, err := svc.Commit(context.Background(), appt.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ExternalEventID)
	assert.Equal(t, 1, gw.eventCount())
	require.NotNil(t, confirmed.Start)
	assert.True(t, confirmed.Start.Equal(start))
	assert.Contains(t, repo.eventTypes(), EventAppointmentConfirmed)
}

func TestCommitInsertFailureLeavesNoLocalRow(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, civiltime.Location)
	appt := seedPendingWithOffer(t, repo, provider, patient, start)
	gw.failInsert = true

	_, err := svc.Commit(context.Background(), appt.ID)
	require.Error(t, err)

	stored, err := repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status, "appointment must stay pending when the event insert fails")
	assert.Nil(t, stored.ExternalEventID)
	assert.Equal(t, 0, gw.eventCount())
}

func TestCommitLocalFailureLeavesOrphanedEvent(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, civiltime.Location)
	appt := seedPendingWithOffer(t, repo, provider, patient, start)
	repo.failConfirm = true

	_, err := svc.Commit(context.Background(), appt.ID)
	require.Error(t, err)

	// Known limitation: the external event survives while the local row was
	// never confirmed.
	assert.Equal(t, 1, gw.eventCount())
	stored, err := repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Contains(t, repo.eventTypes(), EventConsistencyHazard)
}

func TestCommitRequiresExactlyOneOpenOffer(t *testing.T) {
	svc, repo, _ := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, civiltime.Location)

	t.Run("no offers", func(t *testing.T) {
		appt, err := repo.CreatePendingAppointment(context.Background(), patient.ID)
		require.NoError(t, err)

		_, err = svc.Commit(context.Background(), appt.ID)
		assert.ErrorIs(t, err, ErrNoAcceptedOffer)
	})

	t.Run("all offers declined", func(t *testing.T) {
		appt := seedPendingWithOffer(t, repo, provider, patient, start)
		require.NoError(t, repo.DeclineOpenOffers(context.Background(), appt.ID))

		_, err := svc.Commit(context.Background(), appt.ID)
		assert.ErrorIs(t, err, ErrNoAcceptedOffer)
	})

	t.Run("two open offers", func(t *testing.T) {
		appt := seedPendingWithOffer(t, repo, provider, patient, start)
		_, err := repo.CreateOfferedTime(context.Background(), OfferedTime{
			AppointmentID: appt.ID,
			ProviderID:    provider.ID,
			Start:         start.Add(time.Hour),
		})
		require.NoError(t, err)

		_, err = svc.Commit(context.Background(), appt.ID)
		assert.ErrorIs(t, err, ErrNoAcceptedOffer)
	})
}

func TestCancelDeletesLocalRowThenEvent(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, civiltime.Location)
	appt := seedPendingWithOffer(t, repo, provider, patient, start)

	_, err := svc.Commit(context.Background(), appt.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), appt.ID))

	stored, err := repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, 0, gw.eventCount())
	assert.Contains(t, repo.eventTypes(), EventAppointmentCancelled)
}

func TestCancelRequiresConfirmedAppointment(t *testing.T) {
	svc, repo, _ := newTestService(t)
	patient := seedPatient(repo)
	appt, err := repo.CreatePendingAppointment(context.Background(), patient.ID)
	require.NoError(t, err)

	err = svc.Cancel(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestAvailabilitySubtractsBusyTime(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)

	// Window Monday 09:00-17:00; busy Monday 13:00-13:30.
	repo.windows[provider.ID] = []AvailabilityWindow{
		{ProviderID: provider.ID, Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 17 * 60},
	}
	mon := time.Date(2025, 9, 1, 0, 0, 0, 0, civiltime.Location)
	gw.busy["appt-cal"] = []schedule.Interval{
		{Start: mon.Add(13 * time.Hour), End: mon.Add(13*time.Hour + 30*time.Minute)},
	}

	slots, err := svc.Availability(context.Background(), AvailabilityQuery{
		ProviderIDs: []uuid.UUID{provider.ID},
		TimeMin:     mon,
		TimeMax:     mon.AddDate(0, 0, 1),
		Count:       100,
	})
	require.NoError(t, err)

	// 09:00-13:00 gives 8 slots, 13:30-17:00 gives 7.
	require.Len(t, slots, 15)
	assert.True(t, slots[0].Start.Equal(mon.Add(9*time.Hour)))
	for _, s := range slots {
		assert.False(t, s.Start.Equal(mon.Add(13*time.Hour)), "13:00 slot must be busy")
	}
}

func TestAvailabilityTwoProvidersDeduplicated(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provA := seedProvider(repo)
	provB := &Provider{
		ID:                     uuid.New(),
		Name:                   "Dr Chigumba",
		AppointmentsCalendarID: "appt-cal-b",
		AvailabilityCalendarID: "avail-cal-b",
	}
	repo.providers[provB.ID] = provB
	_ = gw

	tue := time.Date(2025, 9, 2, 0, 0, 0, 0, civiltime.Location)
	for _, p := range []*Provider{provA, provB} {
		repo.windows[p.ID] = []AvailabilityWindow{
			{ProviderID: p.ID, Weekday: time.Tuesday, StartMinute: 10 * 60, EndMinute: 10*60 + 30},
		}
	}

	slots, err := svc.Availability(context.Background(), AvailabilityQuery{
		ProviderIDs: []uuid.UUID{provA.ID, provB.ID},
		TimeMin:     tue,
		TimeMax:     tue.AddDate(0, 0, 1),
		Count:       1,
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Start.Equal(tue.Add(10*time.Hour)))
	assert.Equal(t, provA.ID, slots[0].ProviderID, "first provider in the query wins the tie")
}

func TestOfferNextSlotSkipsPreviousOffers(t *testing.T) {
	svc, repo, _ := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)

	// Make the provider available every day so the lookahead always finds slots.
	var windows []AvailabilityWindow
	for d := time.Sunday; d <= time.Saturday; d++ {
		windows = append(windows, AvailabilityWindow{
			ProviderID: provider.ID, Weekday: d, StartMinute: 8 * 60, EndMinute: 18 * 60,
		})
	}
	repo.windows[provider.ID] = windows

	appt, err := svc.CreatePendingAppointment(context.Background(), patient.ID)
	require.NoError(t, err)

	first, err := svc.OfferNextSlot(context.Background(), appt.ID)
	require.NoError(t, err)

	require.NoError(t, svc.DeclineOpenOffers(context.Background(), appt.ID))

	second, err := svc.OfferNextSlot(context.Background(), appt.ID)
	require.NoError(t, err)

	assert.False(t, second.Start.Equal(first.Start), "a declined start must not be re-offered")
	assert.True(t, second.Start.After(first.Start))
}

func TestRewriteAvailabilityRejectsOverlap(t *testing.T) {
	svc, repo, _ := newTestService(t)
	provider := seedProvider(repo)

	err := svc.RewriteAvailability(context.Background(), provider.ID, []AvailabilityWindow{
		{Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 12 * 60},
		{Weekday: time.Monday, StartMinute: 11 * 60, EndMinute: 14 * 60},
	})
	assert.ErrorIs(t, err, ErrOverlappingWindows)
}

func TestRewriteAvailabilityIsSequential(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)

	// Pre-existing availability events that must be deleted first.
	for i := 0; i < 2; i++ {
		_, err := gw.InsertEvent(context.Background(), provider.ID, provider.AvailabilityCalendarID, calendar.Event{
			Summary: "Available",
			Start:   time.Date(2025, 9, 1, 9, 0, 0, 0, civiltime.Location),
			End:     time.Date(2025, 9, 1, 17, 0, 0, 0, civiltime.Location),
		})
		require.NoError(t, err)
	}
	gw.calls = nil

	err := svc.RewriteAvailability(context.Background(), provider.ID, []AvailabilityWindow{
		{Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 12 * 60},
		{Weekday: time.Wednesday, StartMinute: 14 * 60, EndMinute: 17 * 60},
	})
	require.NoError(t, err)

	require.Equal(t, []string{
		"delete:avail-cal",
		"delete:avail-cal",
		"insert:avail-cal",
		"insert:avail-cal",
	}, gw.calls, "deletes must finish before inserts start, one call at a time")

	windows, err := repo.ListWindows(context.Background(), provider.ID)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	for _, w := range windows {
		assert.NotEmpty(t, w.ExternalEventID)
	}
}

func TestReconcileReportsDrift(t *testing.T) {
	svc, repo, gw := newTestService(t)
	provider := seedProvider(repo)
	patient := seedPatient(repo)
	start := time.Date(2025, 9, 2, 10, 0, 0, 0, civiltime.Location)
	appt := seedPendingWithOffer(t, repo, provider, patient, start)

	_, err := svc.Commit(context.Background(), appt.ID)
	require.NoError(t, err)

	// Simulate the provider deleting the event out-of-band, plus a stray
	// event the database knows nothing about.
	confirmed, err := repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	require.NoError(t, gw.DeleteEvent(context.Background(), provider.ID, provider.AppointmentsCalendarID, *confirmed.ExternalEventID))
	_, err = gw.InsertEvent(context.Background(), provider.ID, provider.AppointmentsCalendarID, calendar.Event{
		Summary: "Walk-in",
		Start:   start.Add(2 * time.Hour),
		End:     start.Add(2*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)

	report, err := svc.Reconcile(context.Background(), provider.ID, start.AddDate(0, 0, -1), start.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, 1, report.CheckedAppointments)
	assert.Equal(t, []uuid.UUID{appt.ID}, report.MissingExternalEvents)
	assert.Len(t, report.UnmatchedExternalEvent, 1)
}
