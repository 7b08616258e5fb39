package ingestion

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/db"
	"atlas-server/models"
)

// syncStore is the slice of the store the sync write path touches. The seam
// exists so the sealed-mid-flight race can be exercised without Postgres.
type syncStore interface {
	loadAttempt(ctx context.Context, attemptID string) (*models.Attempt, error)
	persistBatch(ctx context.Context, attemptID string, events []models.TelemetryEvent, snapshot, metadata []byte) (bool, error)
	logError(attemptID, fieldName, errorMessage, suggestedFix string)
}

// pgxSyncStore backs the ingestion service with the shared pool.
type pgxSyncStore struct {
	pool *pgxpool.Pool
}

func (s *pgxSyncStore) loadAttempt(ctx context.Context, attemptID string) (*models.Attempt, error) {
	return LoadAttempt(ctx, s.pool, attemptID)
}

// persistBatch appends the batch to the forensic log and merges the snapshot
// in one transaction. The snapshot update is guarded on the attempt still
// being IN_PROGRESS: if finalization sealed the attempt after our lifecycle
// check, the guard fails, the whole transaction rolls back (log append
// included), and persistBatch reports false. A sealed attempt's log and
// snapshot are frozen; nothing may land after the seal.
func (s *pgxSyncStore) persistBatch(ctx context.Context, attemptID string, events []models.TelemetryEvent, snapshot, metadata []byte) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin ingestion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO telemetry_events (attempt_id, event_type, payload)
			VALUES ($1, $2, $3)
		`, attemptID, ev.EventType, ev.Payload); err != nil {
			return false, fmt.Errorf("failed to append forensic log for attempt %s: %w", attemptID, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE exam_attempts SET current_state = $1, metadata = $2
		WHERE id = $3 AND status = $4
	`, snapshot, metadata, attemptID, models.AttemptInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to merge snapshot for attempt %s: %w", attemptID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit ingestion transaction: %w", err)
	}
	return true, nil
}

func (s *pgxSyncStore) logError(attemptID, fieldName, errorMessage, suggestedFix string) {
	db.LogError(s.pool, sourceName, attemptID, fieldName, errorMessage, suggestedFix)
}
