package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/db"
	"atlas-server/models"
)

const sourceName = "telemetry_ingestion"

// Sentinel errors for the consistency/authorization taxonomy. Handlers map
// these to structured JSON results; they never cross the HTTP boundary as
// bare 500s.
var (
	ErrInvalidBatch     = errors.New("invalid telemetry batch")
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrForbidden        = errors.New("caller does not own this attempt")
	ErrAlreadyCompleted = errors.New("attempt already completed")
)

// RateLimitedError carries the server-dictated retry delay. It is a signal,
// not a hard failure; the client must not retry sooner.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Caller identifies the authenticated principal for a request. LearnerID is
// the cookie-scoped active-learner identity, which can differ from the
// authenticated account in multi-learner households.
type Caller struct {
	Email     string
	LearnerID string
	Roles     []string
	UserAgent string
}

// IsAdmin reports whether the caller holds an administrative role.
func (c Caller) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// CanAccess implements the tri-modal ownership check: the caller is the
// attempt's original owner, or the caller's active learner-session identity
// equals the attempt's learner, or the caller is an admin.
func CanAccess(caller Caller, attempt *models.Attempt) bool {
	if caller.Email != "" && caller.Email == attempt.OwnerEmail {
		return true
	}
	if caller.LearnerID != "" && caller.LearnerID == attempt.LearnerID {
		return true
	}
	return caller.IsAdmin()
}

// Service is the telemetry ingestion service: one instance per process, no
// per-request state. All cross-request state lives in the store.
type Service struct {
	pool         *pgxpool.Pool
	store        syncStore
	syncLimiters *LimiterRegistry
}

// NewService constructs the ingestion service, reading rate limits from the
// settings table.
func NewService(pool *pgxpool.Pool) *Service {
	perMinute := db.GetSettingInt(pool, "rate_limit_sync_per_minute", 120)
	return &Service{
		pool:         pool,
		store:        &pgxSyncStore{pool: pool},
		syncLimiters: NewLimiterRegistry(perMinute),
	}
}

// LoadAttempt fetches one attempt row including its snapshot and metadata.
func LoadAttempt(ctx context.Context, pool *pgxpool.Pool, attemptID string) (*models.Attempt, error) {
	var (
		a            models.Attempt
		currentState []byte
		metadata     []byte
	)
	err := pool.QueryRow(ctx, `
		SELECT id, probe_set_id, email, learner_id, status, started_at, completed_at, current_state, metadata
		FROM exam_attempts WHERE id = $1
	`, attemptID).Scan(&a.ID, &a.ProbeSetID, &a.OwnerEmail, &a.LearnerID, &a.Status, &a.StartedAt, &a.CompletedAt, &currentState, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt %s: %w", attemptID, err)
	}
	if err := json.Unmarshal(currentState, &a.CurrentState); err != nil {
		return nil, fmt.Errorf("corrupt current_state for attempt %s: %w", attemptID, err)
	}
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for attempt %s: %w", attemptID, err)
	}
	return &a, nil
}

// SubmitTelemetryBatch is the write path of the sync protocol. Gates run in
// order and fail closed: schema validation, rate limit, ownership. The
// double-write (forensic log append + snapshot merge) happens in one
// transaction so a batch is durable atomically or not at all.
func (s *Service) SubmitTelemetryBatch(ctx context.Context, caller Caller, batch *models.TelemetryBatch) error {
	if err := ValidateBatch(batch); err != nil {
		s.store.logError(batch.AttemptID, "events", err.Error(), "Client submitted a malformed batch; check the telemetry encoder.")
		return err
	}

	if ok, retryAfter := s.syncLimiters.Allow(caller.Email); !ok {
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	attempt, err := s.store.loadAttempt(ctx, batch.AttemptID)
	if err != nil {
		return err
	}
	if !CanAccess(caller, attempt) {
		s.store.logError(batch.AttemptID, "", fmt.Sprintf("ownership rejection for caller %s", caller.Email), "")
		return ErrForbidden
	}
	if attempt.Status == models.AttemptCompleted {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, attempt.ID)
	}

	merged, err := FoldAnswerUpdates(attempt.CurrentState, batch.Events)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	// Liveness refresh happens even for an empty or answer-free batch so
	// idle detection can tell "connected but not answering" apart from
	// "disconnected".
	meta := attempt.Metadata
	meta.LastSeenAt = time.Now().UTC()
	if dc := DeviceClass(caller.UserAgent); dc != "unknown" && dc != meta.DeviceClass {
		meta.DeviceClass = dc
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode attempt metadata: %w", err)
	}

	// The lifecycle check above is advisory only; finalization can win its
	// compare-and-set between it and our commit. The store re-checks the
	// status inside the transaction and reports false when the attempt was
	// sealed mid-flight, discarding the batch entirely.
	persisted, err := s.store.persistBatch(ctx, attempt.ID, batch.Events, mergedJSON, metaJSON)
	if err != nil {
		return err
	}
	if !persisted {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, attempt.ID)
	}
	return nil
}

// GetExamState returns the current snapshot for client-side hydration after
// a reconnect or reload. The client resumes from this map without replaying
// the forensic log.
func (s *Service) GetExamState(ctx context.Context, caller Caller, attemptID string) (map[string]json.RawMessage, error) {
	attempt, err := s.store.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !CanAccess(caller, attempt) {
		return nil, ErrForbidden
	}
	return attempt.CurrentState, nil
}

// StartAttempt opens a new IN_PROGRESS attempt for a probe set and returns
// the probes with the answer key stripped.
func (s *Service) StartAttempt(ctx context.Context, caller Caller, probeSetID string) (*models.StartAttemptResponse, error) {
	probes, err := LoadProbesForSet(ctx, s.pool, probeSetID)
	if err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("probe set %s has no probes", probeSetID)
	}

	attemptID := uuid.NewString()
	metaJSON, _ := json.Marshal(models.AttemptMetadata{LastSeenAt: time.Now().UTC()})
	_, err = s.pool.Exec(ctx, `
		INSERT INTO exam_attempts (id, probe_set_id, email, learner_id, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, attemptID, probeSetID, caller.Email, caller.LearnerID, models.AttemptInProgress, metaJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	sanitized := make([]models.DiagnosticProbe, len(probes))
	for i, p := range probes {
		sp := p
		sp.Options = make([]models.ProbeOption, len(p.Options))
		for j, o := range p.Options {
			sp.Options[j] = models.ProbeOption{ID: o.ID, Content: o.Content}
		}
		sanitized[i] = sp
	}

	return &models.StartAttemptResponse{AttemptID: attemptID, Probes: sanitized}, nil
}

// LoadProbesForSet fetches a probe set's full probes including the answer
// key. Callers serving learners must strip IsCorrect, IsGap, Feedback and
// DiagnosesMisconceptionID before returning options over the wire.
func LoadProbesForSet(ctx context.Context, pool *pgxpool.Pool, probeSetID string) ([]models.DiagnosticProbe, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, competency_id, probe_type, stem
		FROM diagnostic_probes WHERE probe_set_id = $1 ORDER BY id
	`, probeSetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query probes for set %s: %w", probeSetID, err)
	}
	defer rows.Close()

	var probes []models.DiagnosticProbe
	index := make(map[string]int)
	for rows.Next() {
		var p models.DiagnosticProbe
		if err := rows.Scan(&p.ID, &p.CompetencyID, &p.Type, &p.Stem); err != nil {
			return nil, fmt.Errorf("failed to scan probe: %w", err)
		}
		index[p.ID] = len(probes)
		probes = append(probes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return probes, nil
	}

	optRows, err := pool.Query(ctx, `
		SELECT o.probe_id, o.id, o.content, o.is_correct, o.is_gap, o.feedback, o.diagnoses_misconception_id
		FROM probe_options o
		JOIN diagnostic_probes p ON o.probe_id = p.id
		WHERE p.probe_set_id = $1
		ORDER BY o.probe_id, o.option_order, o.id
	`, probeSetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe options for set %s: %w", probeSetID, err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var probeID string
		var o models.ProbeOption
		if err := optRows.Scan(&probeID, &o.ID, &o.Content, &o.IsCorrect, &o.IsGap, &o.Feedback, &o.DiagnosesMisconceptionID); err != nil {
			return nil, fmt.Errorf("failed to scan probe option: %w", err)
		}
		if i, ok := index[probeID]; ok {
			probes[i].Options = append(probes[i].Options, o)
		}
	}
	return probes, optRows.Err()
}
