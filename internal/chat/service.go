package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	redisclient "github.com/chipatara/clinic-scheduling/internal/redis"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

// Scheduler is the slice of the booking service the conversation needs.
type Scheduler interface {
	CreatePendingAppointment(ctx context.Context, patientID uuid.UUID) (*booking.Appointment, error)
	OfferNextSlot(ctx context.Context, appointmentID uuid.UUID) (*booking.OfferedTime, error)
	DeclineOpenOffers(ctx context.Context, appointmentID uuid.UUID) error
	Commit(ctx context.Context, appointmentID uuid.UUID) (*booking.Appointment, error)
}

type Service struct {
	repo       Repository
	scheduler  Scheduler
	locker     redisclient.Locker
	staleAfter time.Duration
	log        *zap.Logger
}

func NewService(repo Repository, scheduler Scheduler, locker redisclient.Locker, staleAfter time.Duration, log *zap.Logger) *Service {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Service{
		repo:       repo,
		scheduler:  scheduler,
		locker:     locker,
		staleAfter: staleAfter,
		log:        log,
	}
}

// ProcessInbound runs one message through the conversation machine and
// returns the reply to send, or nil when the message needs no response
// (duplicate delivery, or another worker already took it).
//
// Messages for one patient are serialized behind a per-patient lock so a
// burst of messages cannot interleave transitions.
func (s *Service) ProcessInbound(ctx context.Context, msg InboundMessage) (*Reply, error) {
	if civiltime.Now().Sub(msg.Timestamp) > s.staleAfter {
		return nil, fmt.Errorf("%w: sent %s", ErrStaleMessage, msg.Timestamp.Format(time.RFC3339))
	}

	patient, err := s.repo.GetOrCreatePatientByPhone(ctx, msg.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	var reply *Reply
	err = s.locker.WithLock(ctx, redisclient.ConversationKey(patient.ID), func(lockCtx context.Context) error {
		reply, err = s.processLocked(lockCtx, patient, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *Service) processLocked(ctx context.Context, patient *booking.Patient, msg InboundMessage) (*Reply, error) {
	fresh, err := s.repo.RecordInbound(ctx, patient.ID, msg)
	if err != nil {
		return nil, fmt.Errorf("record inbound: %w", err)
	}
	if !fresh {
		s.log.Debug("duplicate message delivery ignored",
			zap.String("external_message_id", msg.ExternalMessageID),
		)
		return nil, nil
	}

	claimed, err := s.repo.ClaimInbound(ctx, msg.ExternalMessageID)
	if err != nil {
		return nil, fmt.Errorf("claim inbound: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	state, err := s.repo.ConversationState(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("load conversation state: %w", err)
	}

	appt, err := s.repo.ActivePendingAppointment(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	pctx := PromptContext{Patient: patient, Appointment: appt}

	// First contact: persist the entry state and greet, the message itself
	// is not treated as dialogue input.
	if state == "" {
		if err := s.repo.Apply(ctx, ApplyParams{PatientID: patient.ID, State: EntryState}); err != nil {
			return nil, fmt.Errorf("initialize conversation: %w", err)
		}
		return s.reply(ctx, patient.ID, msg.ExternalMessageID, states[EntryState].Prompt(pctx))
	}

	if !state.Known() {
		return nil, fmt.Errorf("patient %s has unknown conversation state %q", patient.ID, state)
	}
	spec := states[state]

	// Terminal states accept messages without transitioning.
	if spec.Kind == KindTerminal {
		return s.reply(ctx, patient.ID, msg.ExternalMessageID, spec.Prompt(pctx))
	}

	input, err := validateInput(spec, msg.Body)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			retry := spec.Prompt(pctx)
			retry.Body = validationMessage(err) + "\n\n" + retry.Body
			return s.reply(ctx, patient.ID, msg.ExternalMessageID, retry)
		}
		return nil, err
	}

	outcome := spec.Transition(input)
	applyPatientUpdates(patient, outcome.Patient)

	next, err := s.enterState(ctx, outcome.Next, &pctx)
	if err != nil {
		return nil, err
	}

	apply := ApplyParams{
		PatientID: patient.ID,
		Updates:   outcome.Patient,
		State:     next,
		Reason:    outcome.Reason,
	}
	if pctx.Appointment != nil {
		apply.AppointmentID = &pctx.Appointment.ID
	}
	if err := s.repo.Apply(ctx, apply); err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}
	if outcome.Reason != nil && pctx.Appointment != nil {
		pctx.Appointment.Reason = outcome.Reason
	}

	return s.reply(ctx, patient.ID, msg.ExternalMessageID, states[next].Prompt(pctx))
}

// enterState runs the target state's entry effect and returns the state the
// conversation actually lands in. Running out of availability closes the
// conversation instead of failing the request.
func (s *Service) enterState(ctx context.Context, next State, pctx *PromptContext) (State, error) {
	switch states[next].OnEnter {
	case EffectCreateAppointment:
		if pctx.Appointment == nil {
			appt, err := s.scheduler.CreatePendingAppointment(ctx, pctx.Patient.ID)
			if err != nil {
				return "", fmt.Errorf("create appointment: %w", err)
			}
			pctx.Appointment = appt
		}

	case EffectOfferSlot, EffectDeclineAndOfferNext:
		if pctx.Appointment == nil {
			return "", fmt.Errorf("no active appointment to schedule")
		}
		if states[next].OnEnter == EffectDeclineAndOfferNext {
			if err := s.scheduler.DeclineOpenOffers(ctx, pctx.Appointment.ID); err != nil {
				return "", fmt.Errorf("decline offers: %w", err)
			}
		}
		offer, err := s.scheduler.OfferNextSlot(ctx, pctx.Appointment.ID)
		if err != nil {
			if errors.Is(err, schedule.ErrNoAvailability) {
				s.log.Info("no availability to offer, closing conversation",
					zap.String("appointment_id", pctx.Appointment.ID.String()),
				)
				return StateConversationClosed, nil
			}
			return "", fmt.Errorf("offer slot: %w", err)
		}
		pctx.Offer = offer

	case EffectCommitAppointment:
		if pctx.Appointment == nil {
			return "", fmt.Errorf("no active appointment to commit")
		}
		confirmed, err := s.scheduler.Commit(ctx, pctx.Appointment.ID)
		if err != nil {
			return "", fmt.Errorf("commit appointment: %w", err)
		}
		pctx.Appointment = confirmed
	}

	return next, nil
}

func (s *Service) reply(ctx context.Context, patientID uuid.UUID, inReplyTo string, r Reply) (*Reply, error) {
	if err := s.repo.RecordOutbound(ctx, patientID, inReplyTo, r); err != nil {
		return nil, fmt.Errorf("record outbound: %w", err)
	}
	return &r, nil
}

// applyPatientUpdates mirrors the pending updates onto the in-memory patient
// so the next prompt can echo them before the transaction commits.
func applyPatientUpdates(p *booking.Patient, u PatientUpdates) {
	if u.Name != nil {
		p.Name = u.Name
	}
	if u.Gender != nil {
		p.Gender = u.Gender
	}
	if u.DateOfBirth != nil {
		p.DateOfBirth = u.DateOfBirth
	}
	if u.NationalIDNumber != nil {
		p.NationalIDNumber = u.NationalIDNumber
	}
}

// validationMessage strips the sentinel prefix for the user-facing text.
func validationMessage(err error) string {
	msg := err.Error()
	var prefix = ErrInvalidInput.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return "Sorry, " + msg[len(prefix):] + "."
	}
	return "Sorry, that reply was not understood."
}
