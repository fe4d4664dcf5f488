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

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `
	call_id, room_id, patient_id, provider_id, initiated_by, call_type,
	appointment_id, status, scheduled_at, started_at, ended_at,
	recording_enabled, quality_snapshot, created_at
`

// Create creates a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, room_id, patient_id, provider_id, initiated_by, call_type,
			appointment_id, status, scheduled_at, recording_enabled, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.RoomID,
		call.PatientID,
		call.ProviderID,
		call.InitiatedBy,
		call.CallType,
		call.AppointmentID,
		call.Status,
		call.ScheduledAt,
		call.RecordingEnabled,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// Transition moves a call to the target status only if its current status is
// one of the expected states. The conditional UPDATE guarantees that when two
// requests race on the same call, exactly one wins; the loser gets an
// InvalidTransition or CallTerminal error reflecting the winner's state.
func (r *CallRepository) Transition(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, to domain.CallStatus) (*domain.Call, error) {
	setStarted := to == domain.CallStatusConnected
	setEnded := to.IsTerminal()

	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	query := `
		UPDATE calls
		SET status = $2,
		    started_at = CASE WHEN $3 THEN NOW() ELSE started_at END,
		    ended_at   = CASE WHEN $4 THEN NOW() ELSE ended_at END
		WHERE call_id = $1 AND status = ANY($5)
		RETURNING ` + callColumns

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID, to, setStarted, setEnded, fromStrings))
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition call: %w", err)
	}

	// No row matched: either the call does not exist or another request moved
	// it first. Re-fetch to report which.
	current, getErr := r.GetByID(ctx, callID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status.IsTerminal() {
		return nil, apperrors.CallTerminalError(string(current.Status))
	}
	return nil, apperrors.InvalidTransitionError(string(current.Status), string(to))
}

// UpdateQualitySnapshot stores one participant's latest metrics sample on the
// call row for post-call review.
func (r *CallRepository) UpdateQualitySnapshot(ctx context.Context, callID, userID uuid.UUID, metrics *domain.QualityMetrics) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		UPDATE calls
		SET quality_snapshot = jsonb_set(COALESCE(quality_snapshot, '{}'::jsonb), ARRAY[$2::TEXT], $3::jsonb)
		WHERE call_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID.String(), data)
	if err != nil {
		return fmt.Errorf("failed to update quality snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.CallNotFoundError()
	}

	return nil
}

// ListForUser retrieves calls where the user is one of the two parties,
// newest first.
func (r *CallRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE patient_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	var snapshot []byte

	err := row.Scan(
		&call.CallID,
		&call.RoomID,
		&call.PatientID,
		&call.ProviderID,
		&call.InitiatedBy,
		&call.CallType,
		&call.AppointmentID,
		&call.Status,
		&call.ScheduledAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.RecordingEnabled,
		&snapshot,
		&call.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &call.QualitySnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quality snapshot: %w", err)
		}
	}

	return call, nil
}
