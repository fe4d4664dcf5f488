package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carelink-backend/internal/domain"
	apperrors "carelink-backend/pkg/errors"
)

// RecordingRepository handles call recording data operations
type RecordingRepository struct {
	pool *pgxpool.Pool
}

// NewRecordingRepository creates a new recording repository
func NewRecordingRepository(pool *pgxpool.Pool) *RecordingRepository {
	return &RecordingRepository{pool: pool}
}

const recordingColumns = `
	recording_id, call_id, started_by, status,
	consent_obtained, consented_participant_ids, consent_method,
	started_at, stopped_at, storage_ref, created_at
`

// Create inserts a new recording attempt. The partial unique index on
// (call_id) WHERE status = 'recording' makes a second concurrent start fail,
// which is reported as a conflict.
func (r *RecordingRepository) Create(ctx context.Context, rec *domain.CallRecording) error {
	consented, err := json.Marshal(rec.ConsentedParticipantIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal consented participants: %w", err)
	}

	query := `
		INSERT INTO call_recordings (
			recording_id, call_id, started_by, status,
			consent_obtained, consented_participant_ids, consent_method,
			started_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`

	_, err = r.pool.Exec(ctx, query,
		rec.RecordingID,
		rec.CallID,
		rec.StartedBy,
		rec.Status,
		rec.ConsentObtained,
		consented,
		rec.ConsentMethod,
		rec.StartedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ConflictError("A recording is already in progress for this call")
		}
		return fmt.Errorf("failed to create recording: %w", err)
	}

	return nil
}

// GetByID retrieves a recording by ID
func (r *RecordingRepository) GetByID(ctx context.Context, recordingID uuid.UUID) (*domain.CallRecording, error) {
	query := `SELECT ` + recordingColumns + ` FROM call_recordings WHERE recording_id = $1`

	rec, err := scanRecording(r.pool.QueryRow(ctx, query, recordingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.RecordingNotFoundError()
		}
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}

	return rec, nil
}

// ListByCall retrieves all recording attempts for a call, oldest first
func (r *RecordingRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallRecording, error) {
	query := `SELECT ` + recordingColumns + ` FROM call_recordings WHERE call_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var recordings []*domain.CallRecording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recordings = append(recordings, rec)
	}

	return recordings, rows.Err()
}

// ActiveByCall retrieves the in-progress recording for a call, if any.
// Returns nil without error when no recording is active.
func (r *RecordingRepository) ActiveByCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecording, error) {
	query := `SELECT ` + recordingColumns + ` FROM call_recordings WHERE call_id = $1 AND status = 'recording'`

	rec, err := scanRecording(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active recording: %w", err)
	}

	return rec, nil
}

// Stop flips an in-progress recording to stopped. The status guard makes a
// racing second stop lose; it gets a RecordingNotActive error.
func (r *RecordingRepository) Stop(ctx context.Context, recordingID uuid.UUID) (*domain.CallRecording, error) {
	query := `
		UPDATE call_recordings
		SET status = 'stopped', stopped_at = NOW()
		WHERE recording_id = $1 AND status = 'recording'
		RETURNING ` + recordingColumns

	rec, err := scanRecording(r.pool.QueryRow(ctx, query, recordingID))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}

	if _, getErr := r.GetByID(ctx, recordingID); getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.RecordingNotActiveError()
}

// SetStorageRef attaches the blob storage reference once media is persisted
func (r *RecordingRepository) SetStorageRef(ctx context.Context, recordingID uuid.UUID, storageRef string) error {
	query := `UPDATE call_recordings SET storage_ref = $2 WHERE recording_id = $1`

	tag, err := r.pool.Exec(ctx, query, recordingID, storageRef)
	if err != nil {
		return fmt.Errorf("failed to set storage ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.RecordingNotFoundError()
	}

	return nil
}

func scanRecording(row pgx.Row) (*domain.CallRecording, error) {
	rec := &domain.CallRecording{}
	var consented []byte

	err := row.Scan(
		&rec.RecordingID,
		&rec.CallID,
		&rec.StartedBy,
		&rec.Status,
		&rec.ConsentObtained,
		&consented,
		&rec.ConsentMethod,
		&rec.StartedAt,
		&rec.StoppedAt,
		&rec.StorageRef,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(consented) > 0 {
		if err := json.Unmarshal(consented, &rec.ConsentedParticipantIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consented participants: %w", err)
		}
	}

	return rec, nil
}
