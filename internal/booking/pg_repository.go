package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.AppointmentsCalendarID,
		&p.AvailabilityCalendarID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.PhoneNumber,
		&p.Name,
		&p.Gender,
		&p.DateOfBirth,
		&p.NationalIDNumber,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var weekStart *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Reason,
		&weekStart,
		&a.ExternalEventID,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if weekStart != nil {
		t := civiltime.In(*weekStart)
		a.Start = &t
	}
	return &a, nil
}

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var weekday int

	err := row.Scan(
		&w.ID,
		&w.ProviderID,
		&weekday,
		&w.StartMinute,
		&w.EndMinute,
		&w.ExternalEventID,
		&w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Weekday = time.Weekday(weekday)
	return &w, nil
}

func scanOfferedTime(row pgx.Row) (*OfferedTime, error) {
	var o OfferedTime

	err := row.Scan(
		&o.ID,
		&o.AppointmentID,
		&o.ProviderID,
		&o.Start,
		&o.Declined,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Start = civiltime.In(o.Start)
	return &o, nil
}

// Providers

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, appointments_calendar_id, availability_calendar_id, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, appointments_calendar_id, availability_calendar_id, created_at, updated_at
		FROM providers
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProviders(rows)
}

func (r *PgRepository) ListProvidersWithExpiringCredentials(ctx context.Context, before time.Time) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, appointments_calendar_id, availability_calendar_id, created_at, updated_at
		FROM providers
		WHERE token_expiry IS NOT NULL
		  AND token_expiry < $1
		ORDER BY token_expiry
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectProviders(rows)
}

func collectProviders(rows pgx.Rows) ([]Provider, error) {
	var result []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Credentials (calendar.CredentialStore)

func (r *PgRepository) Credentials(ctx context.Context, providerID uuid.UUID) (calendar.Credentials, error) {
	var c calendar.Credentials
	var expiry *time.Time

	err := r.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_expiry
		FROM providers
		WHERE id = $1
	`, providerID).Scan(&c.AccessToken, &c.RefreshToken, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calendar.Credentials{}, ErrProviderNotFound
		}
		return calendar.Credentials{}, err
	}

	if expiry != nil {
		c.Expiry = civiltime.In(*expiry)
	}
	return c, nil
}

func (r *PgRepository) SaveCredentials(ctx context.Context, providerID uuid.UUID, creds calendar.Credentials) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE providers
		SET access_token = $2,
		    refresh_token = $3,
		    token_expiry = $4,
		    updated_at = now()
		WHERE id = $1
	`, providerID, creds.AccessToken, creds.RefreshToken, creds.Expiry)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// Patients

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, name, gender, date_of_birth, national_id_number, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

// Availability windows

func (r *PgRepository) ListWindows(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, weekday, start_minute, end_minute, external_event_id, created_at
		FROM availability_windows
		WHERE provider_id = $1
		ORDER BY weekday, start_minute
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []AvailabilityWindow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM availability_windows WHERE provider_id = $1
	`, providerID); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}

	for _, w := range windows {
		id := w.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO availability_windows (id, provider_id, weekday, start_minute, end_minute, external_event_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, id, providerID, int(w.Weekday), w.StartMinute, w.EndMinute, w.ExternalEventID); err != nil {
			return fmt.Errorf("insert window: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Appointments

const appointmentColumns = `id, patient_id, provider_id, reason, start_time, external_event_id, status, created_at, updated_at`

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) CreatePendingAppointment(ctx context.Context, patientID uuid.UUID) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, status, created_at, updated_at)
		VALUES ($1, $2, 'pending', now(), now())
		RETURNING `+appointmentColumns+`
	`, id, patientID)

	return scanAppointment(row)
}

func (r *PgRepository) SetAppointmentReason(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET reason = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ConfirmAppointment(ctx context.Context, id uuid.UUID, providerID uuid.UUID, start time.Time, externalEventID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET provider_id = $2,
		    start_time = $3,
		    external_event_id = $4,
		    status = 'confirmed',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+appointmentColumns+`
	`, id, providerID, start, externalEventID)

	return scanAppointment(row)
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'confirmed'
		RETURNING `+appointmentColumns+`
	`, id)

	return scanAppointment(row)
}

func (r *PgRepository) ListConfirmedAppointments(ctx context.Context, providerID uuid.UUID, timeMin, timeMax time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND status = 'confirmed'
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`, providerID, timeMin, timeMax)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Offered times

func (r *PgRepository) CreateOfferedTime(ctx context.Context, offer OfferedTime) (*OfferedTime, error) {
	id := offer.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO offered_times (id, appointment_id, provider_id, start_time, declined, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, appointment_id, provider_id, start_time, declined, created_at
	`, id, offer.AppointmentID, offer.ProviderID, offer.Start, offer.Declined)

	return scanOfferedTime(row)
}

func (r *PgRepository) ListOfferedTimes(ctx context.Context, appointmentID uuid.UUID) ([]OfferedTime, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, provider_id, start_time, declined, created_at
		FROM offered_times
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []OfferedTime
	for rows.Next() {
		o, err := scanOfferedTime(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) DeclineOpenOffers(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE offered_times
		SET declined = true
		WHERE appointment_id = $1
		  AND declined = false
	`, appointmentID)
	return err
}

// Event log

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
