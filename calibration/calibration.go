// Package calibration tracks per-item response statistics and derives
// slip/guess parameters for item-health analytics. The actual parameter
// estimation is an exchangeable strategy: production deployments point the
// Estimator at a real IRT/DINA fit; the built-in FrequencyEstimator is a
// bounded heuristic that keeps the analytics surface functional without
// one.
package calibration

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/db"
)

// Params are the per-item calibration outputs: the probability a masterful
// learner misses the item (slip) and the probability a non-master gets it
// right (guess).
type Params struct {
	Slip  float64 `json:"slip"`
	Guess float64 `json:"guess"`
}

// Estimator fits calibration parameters from an item's observation counts.
type Estimator interface {
	Estimate(attempts, correct int) Params
}

// FrequencyEstimator is a placeholder heuristic: it bounds slip and guess
// by simple accuracy frequencies. It is deliberately conservative and is
// not a substitute for a proper statistical fit.
type FrequencyEstimator struct{}

// Estimate implements Estimator.
func (FrequencyEstimator) Estimate(attempts, correct int) Params {
	if attempts == 0 {
		return Params{}
	}
	accuracy := float64(correct) / float64(attempts)
	return Params{
		Slip:  clamp((1-accuracy)*0.5, 0, 0.4),
		Guess: clamp(accuracy*0.25, 0, 0.35),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ItemHealth is the admin-facing calibration row for one probe.
type ItemHealth struct {
	ProbeID      string    `json:"probe_id"`
	Slip         float64   `json:"slip"`
	Guess        float64   `json:"guess"`
	AttemptCount int       `json:"attempt_count"`
	CorrectCount int       `json:"correct_count"`
	Flagged      bool      `json:"flagged"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Flag thresholds: an item where masters plausibly miss or guessers
// plausibly pass this often is not discriminating.
const (
	slipFlagThreshold  = 0.25
	guessFlagThreshold = 0.25
)

// Service persists observations and runs recalibration.
type Service struct {
	pool      *pgxpool.Pool
	estimator Estimator
	minObs    int
}

// NewService constructs the calibration service. A nil estimator falls back
// to the frequency heuristic.
func NewService(pool *pgxpool.Pool, estimator Estimator) *Service {
	if estimator == nil {
		estimator = FrequencyEstimator{}
	}
	return &Service{
		pool:      pool,
		estimator: estimator,
		minObs:    db.GetSettingInt(pool, "calibration_min_observations", 10),
	}
}

// RecordObservation upserts one (item, correctness) sample. Called by the
// finalization engine for every scored question.
func (s *Service) RecordObservation(ctx context.Context, probeID string, correct bool) error {
	correctInc := 0
	if correct {
		correctInc = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO item_calibration (probe_id, attempt_count, correct_count, updated_at)
		VALUES ($1, 1, $2, NOW())
		ON CONFLICT (probe_id) DO UPDATE SET
			attempt_count = item_calibration.attempt_count + 1,
			correct_count = item_calibration.correct_count + $2,
			updated_at = NOW()
	`, probeID, correctInc)
	if err != nil {
		return fmt.Errorf("failed to record calibration observation for %s: %w", probeID, err)
	}
	return nil
}

// RecalibrateAll refits parameters for every item with enough observations
// and flags items whose slip or guess exceeds the health thresholds. Run as
// a daily background job.
func (s *Service) RecalibrateAll(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT probe_id, attempt_count, correct_count
		FROM item_calibration WHERE attempt_count >= $1
	`, s.minObs)
	if err != nil {
		return fmt.Errorf("failed to query calibration counts: %w", err)
	}

	type row struct {
		probeID           string
		attempts, correct int
	}
	var items []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.probeID, &r.attempts, &r.correct); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan calibration row: %w", err)
		}
		items = append(items, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, it := range items {
		p := s.estimator.Estimate(it.attempts, it.correct)
		flagged := p.Slip > slipFlagThreshold || p.Guess > guessFlagThreshold
		_, err := s.pool.Exec(ctx, `
			UPDATE item_calibration SET slip = $1, guess = $2, flagged = $3, updated_at = NOW()
			WHERE probe_id = $4
		`, p.Slip, p.Guess, flagged, it.probeID)
		if err != nil {
			return fmt.Errorf("failed to update calibration for %s: %w", it.probeID, err)
		}
	}
	return nil
}

// ItemHealthReport lists calibration rows for the admin analytics view,
// flagged items first.
func (s *Service) ItemHealthReport(ctx context.Context) ([]ItemHealth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT probe_id, slip, guess, attempt_count, correct_count, flagged, updated_at
		FROM item_calibration
		ORDER BY flagged DESC, slip + guess DESC, probe_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query item health: %w", err)
	}
	defer rows.Close()

	var report []ItemHealth
	for rows.Next() {
		var h ItemHealth
		if err := rows.Scan(&h.ProbeID, &h.Slip, &h.Guess, &h.AttemptCount, &h.CorrectCount, &h.Flagged, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item health row: %w", err)
		}
		report = append(report, h)
	}
	return report, rows.Err()
}
