package exam

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/db"
	"atlas-server/ingestion"
	"atlas-server/models"
)

// attemptStore is the slice of the store finalization touches. The seam
// exists so the seal/cache lifecycle can be exercised without Postgres.
type attemptStore interface {
	loadAttempt(ctx context.Context, attemptID string) (*models.Attempt, error)
	sealAttempt(ctx context.Context, attemptID string) (bool, error)
	cachedResult(ctx context.Context, attemptID string) ([]byte, error)
	saveResult(ctx context.Context, attemptID string, resultJSON []byte) error
	probesForSet(ctx context.Context, probeSetID string) ([]models.DiagnosticProbe, error)
	forensicLog(ctx context.Context, attemptID string) ([]models.TelemetryEvent, error)
	logError(attemptID, fieldName, errorMessage, suggestedFix string)
}

// mutationApplier is the slice of the graph service finalization needs.
type mutationApplier interface {
	ApplyMutations(ctx context.Context, studentID string, mutations []models.GraphMutation) error
}

// observationRecorder is the slice of the calibration service finalization
// needs.
type observationRecorder interface {
	RecordObservation(ctx context.Context, probeID string, correct bool) error
}

// pgxAttemptStore backs the engine with the shared pool.
type pgxAttemptStore struct {
	pool *pgxpool.Pool
}

func (s *pgxAttemptStore) loadAttempt(ctx context.Context, attemptID string) (*models.Attempt, error) {
	return ingestion.LoadAttempt(ctx, s.pool, attemptID)
}

// sealAttempt performs the compare-and-set status transition. Exactly one
// caller per attempt ever observes true.
func (s *pgxAttemptStore) sealAttempt(ctx context.Context, attemptID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE exam_attempts SET status = $1, completed_at = NOW()
		WHERE id = $2 AND completed_at IS NULL
	`, models.AttemptCompleted, attemptID)
	if err != nil {
		return false, fmt.Errorf("failed to complete attempt %s: %w", attemptID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgxAttemptStore) cachedResult(ctx context.Context, attemptID string) ([]byte, error) {
	var cached []byte
	err := s.pool.QueryRow(ctx, `
		SELECT results_cache FROM exam_attempts WHERE id = $1
	`, attemptID).Scan(&cached)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached result for %s: %w", attemptID, err)
	}
	return cached, nil
}

func (s *pgxAttemptStore) saveResult(ctx context.Context, attemptID string, resultJSON []byte) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE exam_attempts SET results_cache = $1 WHERE id = $2
	`, resultJSON, attemptID); err != nil {
		return fmt.Errorf("failed to cache diagnostic result for %s: %w", attemptID, err)
	}
	return nil
}

func (s *pgxAttemptStore) probesForSet(ctx context.Context, probeSetID string) ([]models.DiagnosticProbe, error) {
	return ingestion.LoadProbesForSet(ctx, s.pool, probeSetID)
}

// forensicLog reads an attempt's telemetry events in insertion order. The
// serial id is the ordering authority, not client timestamps.
func (s *pgxAttemptStore) forensicLog(ctx context.Context, attemptID string) ([]models.TelemetryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_type, payload FROM telemetry_events
		WHERE attempt_id = $1 ORDER BY id
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to read forensic log for %s: %w", attemptID, err)
	}
	defer rows.Close()

	var events []models.TelemetryEvent
	for rows.Next() {
		var ev models.TelemetryEvent
		if err := rows.Scan(&ev.EventType, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan forensic log row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *pgxAttemptStore) logError(attemptID, fieldName, errorMessage, suggestedFix string) {
	db.LogError(s.pool, sourceName, attemptID, fieldName, errorMessage, suggestedFix)
}
