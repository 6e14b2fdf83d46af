package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	redisclient "github.com/chipatara/clinic-scheduling/internal/redis"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventConsistencyHazard    = "CONSISTENCY_HAZARD"
)

var (
	// ErrNoAcceptedOffer means the appointment does not hold exactly one
	// non-declined offered time, so there is nothing to promote.
	ErrNoAcceptedOffer = errors.New("appointment has no single accepted offered time")

	// ErrSlotBeingBooked means another request holds the slot lock.
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

	// ErrNotConfirmed means cancellation was requested for an appointment
	// that is not in the confirmed state.
	ErrNotConfirmed = errors.New("appointment is not confirmed")

	// ErrOverlappingWindows means a submitted weekly schedule has two windows
	// on the same day sharing time.
	ErrOverlappingWindows = errors.New("availability windows overlap on the same day")
)

// CredentialRefresher exchanges a refresh token for fresh credentials. The
// calendar HTTP client implements it; the token-refresher worker drives it.
type CredentialRefresher interface {
	Refresh(ctx context.Context, providerID uuid.UUID, creds calendar.Credentials) (calendar.Credentials, error)
}

type Service struct {
	repo         Repository
	gateway      calendar.Gateway
	refresher    CredentialRefresher
	locker       redisclient.Locker
	slotDuration time.Duration
	log          *zap.Logger
}

func NewService(repo Repository, gateway calendar.Gateway, refresher CredentialRefresher, locker redisclient.Locker, slotDuration time.Duration, log *zap.Logger) *Service {
	if slotDuration <= 0 {
		slotDuration = 30 * time.Minute
	}
	return &Service{
		repo:         repo,
		gateway:      gateway,
		refresher:    refresher,
		locker:       locker,
		slotDuration: slotDuration,
		log:          log,
	}
}

// CreatePendingAppointment opens an appointment shell for a patient before a
// reason or a time is known. The chat flow calls this when the reason state
// is entered.
func (s *Service) CreatePendingAppointment(ctx context.Context, patientID uuid.UUID) (*Appointment, error) {
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, err
	}

	appt, err := s.repo.CreatePendingAppointment(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("create pending appointment: %w", err)
	}

	s.logEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
		"patient_id": patientID.String(),
	})
	return appt, nil
}

// SetReason records the patient's stated reason on a pending appointment.
func (s *Service) SetReason(ctx context.Context, appointmentID uuid.UUID, reason string) error {
	return s.repo.SetAppointmentReason(ctx, appointmentID, reason)
}

// acceptedOffer returns the single non-declined offered time for an
// appointment, or ErrNoAcceptedOffer when there are zero or several.
func (s *Service) acceptedOffer(ctx context.Context, appointmentID uuid.UUID) (*OfferedTime, error) {
	offers, err := s.repo.ListOfferedTimes(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list offered times: %w", err)
	}

	var accepted *OfferedTime
	for i := range offers {
		if offers[i].Declined {
			continue
		}
		if accepted != nil {
			return nil, ErrNoAcceptedOffer
		}
		accepted = &offers[i]
	}
	if accepted == nil {
		return nil, ErrNoAcceptedOffer
	}
	return accepted, nil
}

// Commit promotes the accepted offered time into a confirmed appointment.
//
// The external calendar event is created first; the local row is only
// written once the event id exists. An insert failure therefore leaves no
// local trace. The reverse failure, a local write error after a successful
// insert, strands an orphaned event on the provider's calendar; it is logged
// as a critical inconsistency because no compensating delete is attempted.
func (s *Service) Commit(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusPending {
		return nil, fmt.Errorf("appointment %s is %s, only pending appointments can be committed", appt.ID, appt.Status)
	}

	offer, err := s.acceptedOffer(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	provider, err := s.repo.GetProviderByID(ctx, offer.ProviderID)
	if err != nil {
		return nil, err
	}
	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return nil, err
	}

	var confirmed *Appointment

	err = s.locker.WithLock(ctx, redisclient.SlotKey(offer.ProviderID, offer.Start), func(lockCtx context.Context) error {
		ev := calendar.Event{
			Summary:     appointmentSummary(patient, appt),
			Description: appointmentDescription(patient, appt),
			Start:       civiltime.In(offer.Start),
			End:         civiltime.In(offer.Start.Add(s.slotDuration)),
		}

		eventID, err := s.gateway.InsertEvent(lockCtx, provider.ID, provider.AppointmentsCalendarID, ev)
		if err != nil {
			return fmt.Errorf("insert calendar event: %w", err)
		}

		confirmed, err = s.repo.ConfirmAppointment(lockCtx, appt.ID, provider.ID, offer.Start, eventID)
		if err != nil {
			// The external event exists but the local row does not. This is
			// the documented failure window of the two-phase commit.
			s.log.Error("calendar event created but local confirmation failed",
				zap.String("marker", "consistency_hazard"),
				zap.String("appointment_id", appt.ID.String()),
				zap.String("provider_id", provider.ID.String()),
				zap.String("external_event_id", eventID),
				zap.Error(err),
			)
			s.logEvent(lockCtx, appt.ID, EventConsistencyHazard, map[string]any{
				"external_event_id": eventID,
				"calendar_id":       provider.AppointmentsCalendarID,
			})
			return fmt.Errorf("confirm appointment after event insert: %w", err)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logEvent(ctx, confirmed.ID, EventAppointmentConfirmed, map[string]any{
		"provider_id":       provider.ID.String(),
		"start":             civiltime.In(offer.Start).Format(time.RFC3339),
		"external_event_id": *confirmed.ExternalEventID,
	})
	return confirmed, nil
}

// Cancel reverses both writes of Commit, local row first. A phantom local
// appointment is worse than a stale calendar event, so a failed external
// delete is logged and swallowed; the provider can remove the event by hand.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.Status != StatusConfirmed || appt.ExternalEventID == nil || appt.ProviderID == nil {
		return ErrNotConfirmed
	}

	provider, err := s.repo.GetProviderByID(ctx, *appt.ProviderID)
	if err != nil {
		return err
	}

	if _, err := s.repo.CancelAppointment(ctx, appointmentID); err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}

	if err := s.gateway.DeleteEvent(ctx, provider.ID, provider.AppointmentsCalendarID, *appt.ExternalEventID); err != nil {
		s.log.Warn("appointment cancelled locally but calendar event removal failed",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("external_event_id", *appt.ExternalEventID),
			zap.Error(err),
		)
	}

	s.logEvent(ctx, appt.ID, EventAppointmentCancelled, map[string]any{
		"external_event_id": *appt.ExternalEventID,
	})
	return nil
}

func appointmentSummary(patient *Patient, appt *Appointment) string {
	name := patient.PhoneNumber
	if patient.Name != nil {
		name = *patient.Name
	}
	return "Appointment: " + name
}

func appointmentDescription(patient *Patient, appt *Appointment) string {
	desc := "Booked via chat.\nPhone: " + patient.PhoneNumber
	if appt.Reason != nil {
		desc += "\nReason: " + *appt.Reason
	}
	return desc
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     civiltime.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
