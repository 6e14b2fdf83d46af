package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/chat"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
	redisclient "github.com/chipatara/clinic-scheduling/internal/redis"
	"github.com/chipatara/clinic-scheduling/internal/schedule"
)

var validate = validator.New()

// decodeAndValidate parses the JSON body into req and runs struct validation.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func webhookHandler(svc *chat.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WebhookRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		reply, err := svc.ProcessInbound(r.Context(), chat.InboundMessage{
			ExternalMessageID: req.ExternalMessageID,
			PhoneNumber:       req.PatientPhoneNumber,
			Body:              req.Body,
			Timestamp:         civiltime.In(req.Timestamp),
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if reply == nil {
			// Duplicate delivery or another worker took the message.
			w.WriteHeader(http.StatusNoContent)
			return
		}

		writeJSON(w, http.StatusOK, reply)
	}
}

func slotsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SlotsRequest
		if r.Method == http.MethodGet {
			parsed, err := slotsRequestFromQuery(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
				return
			}
			req = *parsed
			if err := validate.Struct(&req); err != nil {
				writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
				return
			}
		} else if !decodeAndValidate(w, r, &req) {
			return
		}

		providerIDs := make([]uuid.UUID, 0, len(req.ProviderIDs))
		for _, raw := range req.ProviderIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_ids must be valid UUIDs")
				return
			}
			providerIDs = append(providerIDs, id)
		}

		declined := make([]time.Time, 0, len(req.DeclinedSlotStarts))
		for _, t := range req.DeclinedSlotStarts {
			declined = append(declined, civiltime.In(t))
		}

		slots, err := svc.Availability(r.Context(), booking.AvailabilityQuery{
			ProviderIDs:    providerIDs,
			TimeMin:        civiltime.In(req.TimeMin),
			TimeMax:        civiltime.In(req.TimeMax),
			Dates:          req.Dates,
			Count:          req.Count,
			DeclinedStarts: declined,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := SlotsResponse{Slots: make([]SlotResponse, 0, len(slots))}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{ProviderID: s.ProviderID, Start: s.Start, End: s.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// slotsRequestFromQuery supports the GET form of the slot search. Repeated
// provider_id and date parameters map to the JSON arrays.
func slotsRequestFromQuery(r *http.Request) (*SlotsRequest, error) {
	q := r.URL.Query()
	req := &SlotsRequest{
		ProviderIDs: q["provider_id"],
		Dates:       q["date"],
		Count:       1,
	}

	timeMin, err := time.Parse(time.RFC3339, q.Get("time_min"))
	if err != nil {
		return nil, fmt.Errorf("time_min must be RFC 3339")
	}
	timeMax, err := time.Parse(time.RFC3339, q.Get("time_max"))
	if err != nil {
		return nil, fmt.Errorf("time_max must be RFC 3339")
	}
	req.TimeMin, req.TimeMax = timeMin, timeMax

	if raw := q.Get("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("count must be an integer")
		}
		req.Count = count
	}

	for _, raw := range q["declined_slot_start"] {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("declined_slot_start must be RFC 3339")
		}
		req.DeclinedSlotStarts = append(req.DeclinedSlotStarts, t)
	}

	return req, nil
}

func rewriteAvailabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req RewriteAvailabilityRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		windows := make([]booking.AvailabilityWindow, 0, len(req.Windows))
		for _, wr := range req.Windows {
			day, err := civiltime.ParseWeekdayCode(wr.Weekday)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_weekday", err.Error())
				return
			}
			windows = append(windows, booking.AvailabilityWindow{
				Weekday:     day,
				StartMinute: wr.StartMinute,
				EndMinute:   wr.EndMinute,
			})
		}

		if err := svc.RewriteAvailability(r.Context(), providerID, windows); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func commitAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Commit(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), id); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func reconciliationHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		// Default window: the next 30 days.
		timeMin := civiltime.Now()
		timeMax := timeMin.AddDate(0, 0, 30)
		if raw := r.URL.Query().Get("time_min"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_query", "time_min must be RFC 3339")
				return
			}
			timeMin = civiltime.In(t)
		}
		if raw := r.URL.Query().Get("time_max"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_query", "time_max must be RFC 3339")
				return
			}
			timeMax = civiltime.In(t)
		}

		report, err := svc.Reconcile(r.Context(), providerID, timeMin, timeMax)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func appointmentResponse(appt *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              appt.ID,
		PatientID:       appt.PatientID,
		ProviderID:      appt.ProviderID,
		Reason:          appt.Reason,
		Start:           appt.Start,
		ExternalEventID: appt.ExternalEventID,
		Status:          string(appt.Status),
	}
}

// handleServiceError maps domain sentinel errors onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, schedule.ErrNoAvailability):
		writeError(w, http.StatusNotFound, "no_availability", err.Error())
	case errors.Is(err, schedule.ErrUnevenSplit):
		writeError(w, http.StatusUnprocessableEntity, "uneven_split", err.Error())
	case errors.Is(err, booking.ErrOverlappingWindows):
		writeError(w, http.StatusUnprocessableEntity, "overlapping_windows", err.Error())
	case errors.Is(err, booking.ErrNoAcceptedOffer):
		writeError(w, http.StatusConflict, "no_accepted_offer", err.Error())
	case errors.Is(err, booking.ErrNotConfirmed):
		writeError(w, http.StatusConflict, "not_confirmed", err.Error())
	case errors.Is(err, booking.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, chat.ErrStaleMessage):
		writeError(w, http.StatusGone, "stale_message", err.Error())
	case errors.Is(err, calendar.ErrReauthorizationNeeded):
		writeError(w, http.StatusBadGateway, "reauthorization_needed", "the provider must re-link their calendar")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
