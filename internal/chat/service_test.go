package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

type fakeChatRepo struct {
	patients  map[string]*booking.Patient
	states    map[uuid.UUID]State
	seen      map[string]bool
	claimed   map[string]bool
	pending   map[uuid.UUID]*booking.Appointment
	outbound  []Reply
	failClaim bool
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{
		patients: make(map[string]*booking.Patient),
		states:   make(map[uuid.UUID]State),
		seen:     make(map[string]bool),
		claimed:  make(map[string]bool),
		pending:  make(map[uuid.UUID]*booking.Appointment),
	}
}

func (r *fakeChatRepo) GetOrCreatePatientByPhone(_ context.Context, phone string) (*booking.Patient, error) {
	if p, ok := r.patients[phone]; ok {
		return p, nil
	}
	p := &booking.Patient{ID: uuid.New(), PhoneNumber: phone}
	r.patients[phone] = p
	return p, nil
}

func (r *fakeChatRepo) ConversationState(_ context.Context, patientID uuid.UUID) (State, error) {
	return r.states[patientID], nil
}

func (r *fakeChatRepo) RecordInbound(_ context.Context, _ uuid.UUID, msg InboundMessage) (bool, error) {
	if r.seen[msg.ExternalMessageID] {
		return false, nil
	}
	r.seen[msg.ExternalMessageID] = true
	return true, nil
}

func (r *fakeChatRepo) ClaimInbound(_ context.Context, externalMessageID string) (bool, error) {
	if r.failClaim || r.claimed[externalMessageID] {
		return false, nil
	}
	r.claimed[externalMessageID] = true
	return true, nil
}

func (r *fakeChatRepo) ActivePendingAppointment(_ context.Context, patientID uuid.UUID) (*booking.Appointment, error) {
	appt := r.pending[patientID]
	if appt == nil || appt.Status != booking.StatusPending {
		return nil, nil
	}
	return appt, nil
}

func (r *fakeChatRepo) Apply(_ context.Context, params ApplyParams) error {
	for _, p := range r.patients {
		if p.ID != params.PatientID {
			continue
		}
		if params.Updates.Name != nil {
			p.Name = params.Updates.Name
		}
		if params.Updates.Gender != nil {
			p.Gender = params.Updates.Gender
		}
		if params.Updates.DateOfBirth != nil {
			p.DateOfBirth = params.Updates.DateOfBirth
		}
		if params.Updates.NationalIDNumber != nil {
			p.NationalIDNumber = params.Updates.NationalIDNumber
		}
	}
	r.states[params.PatientID] = params.State
	if params.Reason != nil && params.AppointmentID != nil {
		for _, appt := range r.pending {
			if appt.ID == *params.AppointmentID {
				appt.Reason = params.Reason
			}
		}
	}
	return nil
}

func (r *fakeChatRepo) RecordOutbound(_ context.Context, _ uuid.UUID, _ string, reply Reply) error {
	r.outbound = append(r.outbound, reply)
	return nil
}

// fakeScheduler hands out offers from a fixed queue and confirms the last one.
type fakeScheduler struct {
	repo      *fakeChatRepo
	offers    []time.Time
	lastOffer *time.Time
	declines  int
	committed bool
}

func (s *fakeScheduler) CreatePendingAppointment(_ context.Context, patientID uuid.UUID) (*booking.Appointment, error) {
	appt := &booking.Appointment{ID: uuid.New(), PatientID: patientID, Status: booking.StatusPending}
	s.repo.pending[patientID] = appt
	return appt, nil
}

func (s *fakeScheduler) OfferNextSlot(_ context.Context, appointmentID uuid.UUID) (*booking.OfferedTime, error) {
	if len(s.offers) == 0 {
		return nil, schedule.ErrNoAvailability
	}
	start := s.offers[0]
	s.offers = s.offers[1:]
	s.lastOffer = &start
	return &booking.OfferedTime{ID: uuid.New(), AppointmentID: appointmentID, Start: start}, nil
}

func (s *fakeScheduler) DeclineOpenOffers(_ context.Context, _ uuid.UUID) error {
	s.declines++
	return nil
}

func (s *fakeScheduler) Commit(_ context.Context, appointmentID uuid.UUID) (*booking.Appointment, error) {
	for _, appt := range s.repo.pending {
		if appt.ID == appointmentID {
			appt.Status = booking.StatusConfirmed
			appt.Start = s.lastOffer
			s.committed = true
			return appt, nil
		}
	}
	return nil, booking.ErrAppointmentNotFound
}

type noopLocker struct{}

func (noopLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

func newTestChatService(offers ...time.Time) (*Service, *fakeChatRepo, *fakeScheduler) {
	repo := newFakeChatRepo()
	sched := &fakeScheduler{repo: repo, offers: offers}
	svc := NewService(repo, sched, noopLocker{}, 10*time.Minute, zap.NewNop())
	return svc, repo, sched
}

var msgSeq int

func send(t *testing.T, svc *Service, phone, body string) *Reply {
	t.Helper()
	msgSeq++
	reply, err := svc.ProcessInbound(context.Background(), InboundMessage{
		ExternalMessageID: fmt.Sprintf("wamid-%d", msgSeq),
		PhoneNumber:       phone,
		Body:              body,
		Timestamp:         civiltime.Now(),
	})
	require.NoError(t, err)
	return reply
}

func TestConversationFullWalk(t *testing.T) {
	slot := time.Date(2026, 9, 7, 9, 0, 0, 0, civiltime.Location)
	svc, repo, sched := newTestChatService(slot)
	phone := "+263771234567"

	reply := send(t, svc, phone, "hi")
	require.NotNil(t, reply)
	assert.Contains(t, reply.Body, "Welcome")
	patient := repo.patients[phone]
	assert.Equal(t, StateWelcome, repo.states[patient.ID], "first contact greets without consuming the message")

	reply = send(t, svc, phone, "book")
	assert.Contains(t, reply.Body, "full name")

	reply = send(t, svc, phone, "Tatenda Moyo")
	assert.Contains(t, reply.Body, "Tatenda Moyo")
	assert.Contains(t, reply.Body, "gender")

	reply = send(t, svc, phone, "f")
	assert.Contains(t, reply.Body, "date of birth")

	reply = send(t, svc, phone, "24/06/1990")
	assert.Contains(t, reply.Body, "national ID")

	reply = send(t, svc, phone, "63-123456A78")
	assert.Contains(t, reply.Body, "reason")
	require.NotNil(t, repo.pending[patient.ID], "entering the reason state opens the pending appointment")

	reply = send(t, svc, phone, "Chest pains")
	assert.Contains(t, reply.Body, "Name: Tatenda Moyo")
	assert.Contains(t, reply.Body, "Date of birth: 24/06/1990")
	assert.Contains(t, reply.Body, "Reason: Chest pains")

	reply = send(t, svc, phone, "1")
	assert.Contains(t, reply.Body, "Monday 07 September at 09:00")
	assert.Equal(t, StateFirstSchedulingOption, repo.states[patient.ID])

	reply = send(t, svc, phone, "accept")
	assert.Contains(t, reply.Body, "booked for Monday 07 September at 09:00")
	assert.True(t, sched.committed)
	assert.Equal(t, StateAppointmentScheduled, repo.states[patient.ID])
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	svc, repo, _ := newTestChatService()
	phone := "+263771234567"

	msg := InboundMessage{
		ExternalMessageID: "wamid-dup",
		PhoneNumber:       phone,
		Body:              "hi",
		Timestamp:         civiltime.Now(),
	}

	first, err := svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, second, "re-delivery of a handled message sends nothing")
	assert.Len(t, repo.outbound, 1)
}

func TestClaimLostToAnotherWorkerIsNoOp(t *testing.T) {
	svc, repo, _ := newTestChatService()
	repo.failClaim = true

	reply := send(t, svc, "+263771234567", "hi")
	assert.Nil(t, reply)
	assert.Empty(t, repo.outbound)
}

func TestStaleMessageRejected(t *testing.T) {
	svc, repo, _ := newTestChatService()

	_, err := svc.ProcessInbound(context.Background(), InboundMessage{
		ExternalMessageID: "wamid-stale",
		PhoneNumber:       "+263771234567",
		Body:              "hi",
		Timestamp:         civiltime.Now().Add(-20 * time.Minute),
	})
	assert.ErrorIs(t, err, ErrStaleMessage)
	assert.Empty(t, repo.outbound)
}

func TestInvalidInputRepromptsSameState(t *testing.T) {
	svc, repo, _ := newTestChatService()
	phone := "+263771234567"

	send(t, svc, phone, "hi")
	send(t, svc, phone, "book")
	send(t, svc, phone, "Tatenda Moyo")
	patient := repo.patients[phone]
	require.Equal(t, StateEnterGender, repo.states[patient.ID])

	reply := send(t, svc, phone, "banana")
	assert.Contains(t, reply.Body, "Sorry,")
	assert.Contains(t, reply.Body, "gender")
	assert.Equal(t, StateEnterGender, repo.states[patient.ID], "failed validation does not transition")
}

func TestRejectedOfferDeclinesAndOffersNext(t *testing.T) {
	first := time.Date(2026, 9, 7, 9, 0, 0, 0, civiltime.Location)
	second := time.Date(2026, 9, 7, 9, 30, 0, 0, civiltime.Location)
	svc, repo, sched := newTestChatService(first, second)
	phone := "+263771234567"

	walkToFirstOffer(t, svc, phone)
	patient := repo.patients[phone]

	reply := send(t, svc, phone, "no")
	assert.Equal(t, 1, sched.declines, "rejecting declines the open offer before asking for the next")
	assert.Contains(t, reply.Body, "Monday 07 September at 09:30")
	assert.Equal(t, StateOtherSchedulingOptions, repo.states[patient.ID])

	reply = send(t, svc, phone, "accept")
	assert.Contains(t, reply.Body, "09:30")
	assert.True(t, sched.committed)
}

func TestNoAvailabilityClosesConversation(t *testing.T) {
	svc, repo, sched := newTestChatService() // no offers at all
	phone := "+263771234567"

	send(t, svc, phone, "hi")
	send(t, svc, phone, "book")
	send(t, svc, phone, "Tatenda Moyo")
	send(t, svc, phone, "f")
	send(t, svc, phone, "24/06/1990")
	send(t, svc, phone, "63-123456A78")
	send(t, svc, phone, "Chest pains")

	reply := send(t, svc, phone, "yes")
	assert.Contains(t, reply.Body, "Message us again any time")
	patient := repo.patients[phone]
	assert.Equal(t, StateConversationClosed, repo.states[patient.ID])
	assert.False(t, sched.committed)
}

func TestTerminalStateRepliesWithoutTransition(t *testing.T) {
	svc, repo, _ := newTestChatService()
	phone := "+263771234567"

	patient := &booking.Patient{ID: uuid.New(), PhoneNumber: phone}
	repo.patients[phone] = patient
	repo.states[patient.ID] = StateConversationClosed

	reply := send(t, svc, phone, "hello again")
	assert.Contains(t, reply.Body, "Message us again any time")
	assert.Equal(t, StateConversationClosed, repo.states[patient.ID])
}

func walkToFirstOffer(t *testing.T, svc *Service, phone string) {
	t.Helper()
	send(t, svc, phone, "hi")
	send(t, svc, phone, "book")
	send(t, svc, phone, "Tatenda Moyo")
	send(t, svc, phone, "f")
	send(t, svc, phone, "24/06/1990")
	send(t, svc, phone, "63-123456A78")
	send(t, svc, phone, "Chest pains")
	send(t, svc, phone, "yes")
}
