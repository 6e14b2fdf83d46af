package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/civiltime"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) GetOrCreatePatientByPhone(ctx context.Context, phone string) (*booking.Patient, error) {
	// Insert-or-fetch keyed on the unique phone number.
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, phone_number, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (phone_number) DO UPDATE SET updated_at = patients.updated_at
		RETURNING id, phone_number, name, gender, date_of_birth, national_id_number, created_at, updated_at
	`, uuid.New(), phone)

	var p booking.Patient
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
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) ConversationState(ctx context.Context, patientID uuid.UUID) (State, error) {
	var state *string
	err := r.pool.QueryRow(ctx, `
		SELECT conversation_state FROM patients WHERE id = $1
	`, patientID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", booking.ErrPatientNotFound
		}
		return "", err
	}
	if state == nil {
		return "", nil
	}
	return State(*state), nil
}

func (r *PgRepository) RecordInbound(ctx context.Context, patientID uuid.UUID, msg InboundMessage) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, external_message_id, patient_id, direction, body, sent_at, created_at)
		VALUES ($1, $2, $3, 'inbound', $4, $5, now())
		ON CONFLICT (external_message_id) DO NOTHING
	`, uuid.New(), msg.ExternalMessageID, patientID, msg.Body, msg.Timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ClaimInbound(ctx context.Context, externalMessageID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE chat_messages
		SET started_responding_at = now()
		WHERE external_message_id = $1
		  AND started_responding_at IS NULL
	`, externalMessageID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ActivePendingAppointment(ctx context.Context, patientID uuid.UUID) (*booking.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, provider_id, reason, start_time, external_event_id, status, created_at, updated_at
		FROM appointments
		WHERE patient_id = $1
		  AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, patientID)

	var a booking.Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Reason,
		&a.Start,
		&a.ExternalEventID,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if a.Start != nil {
		t := civiltime.In(*a.Start)
		a.Start = &t
	}
	return &a, nil
}

// Apply writes one transition's patient updates, conversation state and
// appointment reason in a single transaction.
func (r *PgRepository) Apply(ctx context.Context, params ApplyParams) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE patients
		SET name = COALESCE($2, name),
		    gender = COALESCE($3, gender),
		    date_of_birth = COALESCE($4, date_of_birth),
		    national_id_number = COALESCE($5, national_id_number),
		    conversation_state = $6,
		    updated_at = now()
		WHERE id = $1
	`, params.PatientID,
		params.Updates.Name,
		params.Updates.Gender,
		params.Updates.DateOfBirth,
		params.Updates.NationalIDNumber,
		string(params.State),
	)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrPatientNotFound
	}

	if params.Reason != nil && params.AppointmentID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET reason = $2,
			    updated_at = now()
			WHERE id = $1
		`, *params.AppointmentID, *params.Reason); err != nil {
			return fmt.Errorf("update appointment reason: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) RecordOutbound(ctx context.Context, patientID uuid.UUID, inReplyTo string, reply Reply) error {
	var options []byte
	if len(reply.Options) > 0 {
		var err error
		options, err = json.Marshal(reply.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, external_message_id, patient_id, direction, body, options, in_reply_to, sent_at, created_at)
		VALUES ($1, $2, $3, 'outbound', $4, $5, $6, now(), now())
	`, uuid.New(), uuid.NewString(), patientID, reply.Body, options, inReplyTo)
	if err != nil {
		return fmt.Errorf("record outbound: %w", err)
	}
	return nil
}
