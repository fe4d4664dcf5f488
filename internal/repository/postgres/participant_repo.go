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

// ParticipantRepository handles call participant data operations
type ParticipantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository creates a new participant repository
func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

const participantColumns = `
	id, call_id, user_id, role, status,
	video_enabled, audio_enabled, screen_share_enabled,
	connection_id, disconnection_count, reconnection_attempts, last_disconnected_at,
	joined_at, left_at, participation_seconds, metrics
`

// CreatePair inserts both party rows for a new call in one transaction.
func (r *ParticipantRepository) CreatePair(ctx context.Context, participants [2]*domain.CallParticipant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO call_participants (
			id, call_id, user_id, role, status, video_enabled, audio_enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, p := range participants {
		_, err := tx.Exec(ctx, query,
			p.ID,
			p.CallID,
			p.UserID,
			p.Role,
			p.Status,
			p.VideoEnabled,
			p.AudioEnabled,
		)
		if err != nil {
			return fmt.Errorf("failed to create participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit participants: %w", err)
	}

	return nil
}

// Get retrieves one participant row by call and user
func (r *ParticipantRepository) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	query := `SELECT ` + participantColumns + ` FROM call_participants WHERE call_id = $1 AND user_id = $2`

	p, err := scanParticipant(r.pool.QueryRow(ctx, query, callID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("Participant")
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	return p, nil
}

// ListByCall retrieves both participant rows for a call
func (r *ParticipantRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `SELECT ` + participantColumns + ` FROM call_participants WHERE call_id = $1 ORDER BY role`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

// ListConnectedByUser retrieves the user's participant rows that are still
// marked connected, used to fan a transport disconnect out to the calls the
// user was in.
func (r *ParticipantRepository) ListConnectedByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `SELECT ` + participantColumns + ` FROM call_participants WHERE user_id = $1 AND status = 'connected'`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

// SetJoined marks a participant connected on a transport connection. The first
// join stamps joined_at; rejoins keep the original timestamp and reset the
// reconnection counter.
func (r *ParticipantRepository) SetJoined(ctx context.Context, callID, userID uuid.UUID, connectionID string) error {
	query := `
		UPDATE call_participants
		SET status = 'connected',
		    connection_id = $3,
		    joined_at = COALESCE(joined_at, NOW()),
		    reconnection_attempts = 0,
		    left_at = NULL
		WHERE call_id = $1 AND user_id = $2
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark participant joined: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Participant")
	}

	return nil
}

// SetStatus updates a participant's connection status
func (r *ParticipantRepository) SetStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error {
	query := `UPDATE call_participants SET status = $3 WHERE call_id = $1 AND user_id = $2`

	tag, err := r.pool.Exec(ctx, query, callID, userID, status)
	if err != nil {
		return fmt.Errorf("failed to update participant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Participant")
	}

	return nil
}

// SetLeft marks a participant as having left and accumulates connected time.
func (r *ParticipantRepository) SetLeft(ctx context.Context, callID, userID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET status = 'left',
		    left_at = NOW(),
		    connection_id = NULL,
		    participation_seconds = participation_seconds + CASE
		        WHEN joined_at IS NOT NULL AND status IN ('connected', 'reconnecting')
		        THEN GREATEST(EXTRACT(EPOCH FROM (NOW() - joined_at))::INT, 0)
		        ELSE 0
		    END
		WHERE call_id = $1 AND user_id = $2
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Participant")
	}

	return nil
}

// CloseForCall settles every remaining participant row of a call when it
// reaches a terminal state: connected time is accumulated and the rows are
// moved to left, so a later transport disconnect no longer sees them as live.
func (r *ParticipantRepository) CloseForCall(ctx context.Context, callID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET status = 'left',
		    left_at = COALESCE(left_at, NOW()),
		    connection_id = NULL,
		    participation_seconds = participation_seconds + CASE
		        WHEN joined_at IS NOT NULL AND status IN ('connected', 'reconnecting')
		        THEN GREATEST(EXTRACT(EPOCH FROM (NOW() - joined_at))::INT, 0)
		        ELSE 0
		    END
		WHERE call_id = $1 AND status <> 'left'
	`

	if _, err := r.pool.Exec(ctx, query, callID); err != nil {
		return fmt.Errorf("failed to close participants for call: %w", err)
	}

	return nil
}

// MarkDisconnected flips a connected participant to disconnected, but only if
// the dropped connection is still the one on record. A stale disconnect from a
// superseded connection does not clobber a newer session; the return value
// reports whether the update happened.
func (r *ParticipantRepository) MarkDisconnected(ctx context.Context, callID, userID uuid.UUID, connectionID string) (bool, error) {
	query := `
		UPDATE call_participants
		SET status = 'disconnected',
		    connection_id = NULL,
		    disconnection_count = disconnection_count + 1,
		    last_disconnected_at = NOW()
		WHERE call_id = $1 AND user_id = $2 AND connection_id = $3 AND status = 'connected'
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID, connectionID)
	if err != nil {
		return false, fmt.Errorf("failed to mark participant disconnected: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// IncrementReconnection bumps the reconnection counter and flips the row to
// reconnecting, enforcing the attempt cap in the same statement. It returns
// the new attempt count, or ok=false when the cap is already reached.
func (r *ParticipantRepository) IncrementReconnection(ctx context.Context, callID, userID uuid.UUID, maxAttempts int) (int, bool, error) {
	query := `
		UPDATE call_participants
		SET status = 'reconnecting',
		    reconnection_attempts = reconnection_attempts + 1,
		    last_disconnected_at = NOW()
		WHERE call_id = $1 AND user_id = $2 AND reconnection_attempts < $3
		RETURNING reconnection_attempts
	`

	var attempts int
	err := r.pool.QueryRow(ctx, query, callID, userID, maxAttempts).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to increment reconnection attempts: %w", err)
	}

	return attempts, true, nil
}

// UpdateMedia updates a participant's declared media state
func (r *ParticipantRepository) UpdateMedia(ctx context.Context, callID, userID uuid.UUID, video, audio, screenShare bool) error {
	query := `
		UPDATE call_participants
		SET video_enabled = $3, audio_enabled = $4, screen_share_enabled = $5
		WHERE call_id = $1 AND user_id = $2
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID, video, audio, screenShare)
	if err != nil {
		return fmt.Errorf("failed to update participant media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Participant")
	}

	return nil
}

// UpdateMetrics stores a participant's latest quality sample
func (r *ParticipantRepository) UpdateMetrics(ctx context.Context, callID, userID uuid.UUID, metrics *domain.QualityMetrics) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `UPDATE call_participants SET metrics = $3 WHERE call_id = $1 AND user_id = $2`

	tag, err := r.pool.Exec(ctx, query, callID, userID, data)
	if err != nil {
		return fmt.Errorf("failed to update participant metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Participant")
	}

	return nil
}

func scanParticipant(row pgx.Row) (*domain.CallParticipant, error) {
	p := &domain.CallParticipant{}
	var metrics []byte

	err := row.Scan(
		&p.ID,
		&p.CallID,
		&p.UserID,
		&p.Role,
		&p.Status,
		&p.VideoEnabled,
		&p.AudioEnabled,
		&p.ScreenShareEnabled,
		&p.ConnectionID,
		&p.DisconnectionCount,
		&p.ReconnectionAttempts,
		&p.LastDisconnectedAt,
		&p.JoinedAt,
		&p.LeftAt,
		&p.ParticipationSeconds,
		&metrics,
	)
	if err != nil {
		return nil, err
	}

	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &p.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant metrics: %w", err)
		}
	}

	return p, nil
}
