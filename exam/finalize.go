// Package exam hosts the attempt finalization engine: the one-shot
// transition that seals an attempt, replays its forensic log into a
// diagnostic report, and applies the resulting graph mutations.
package exam

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/calibration"
	"atlas-server/db"
	"atlas-server/graph"
	"atlas-server/ingestion"
	"atlas-server/models"
	"atlas-server/triage"
)

const sourceName = "exam_finalization"

// A confidence annotation at or above this threshold counts as a confident
// answer in the calibration summary.
const confidentThreshold = 0.7

// Engine runs attempt finalization. Construct one per process; all state is
// in the store and the per-caller rate limiter.
type Engine struct {
	store       attemptStore
	graph       mutationApplier
	calibration observationRecorder
	limiters    *ingestion.LimiterRegistry
}

// NewEngine wires the finalization engine. The finalize limit is strict;
// finalization is a once-per-attempt operation, not a sync path.
func NewEngine(pool *pgxpool.Pool, graphSvc *graph.Service, calibSvc *calibration.Service) *Engine {
	perMinute := db.GetSettingInt(pool, "rate_limit_finalize_per_minute", 5)
	return &Engine{
		store:       &pgxAttemptStore{pool: pool},
		graph:       graphSvc,
		calibration: calibSvc,
		limiters:    ingestion.NewLimiterRegistry(perMinute),
	}
}

// FinalizeAttempt seals the attempt and produces its diagnostic result. The
// status transition is the linearization point: exactly one caller performs
// the scoring, and every later call gets the cached result unchanged.
func (e *Engine) FinalizeAttempt(ctx context.Context, caller ingestion.Caller, attemptID string) (*models.DiagnosticResult, error) {
	if ok, retryAfter := e.limiters.Allow(caller.Email); !ok {
		return nil, &ingestion.RateLimitedError{RetryAfter: retryAfter}
	}

	attempt, err := e.store.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !ingestion.CanAccess(caller, attempt) {
		e.store.logError(attemptID, "", fmt.Sprintf("ownership rejection for caller %s", caller.Email), "")
		return nil, ingestion.ErrForbidden
	}

	sealed, err := e.store.sealAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !sealed {
		return e.cachedResult(ctx, attemptID)
	}

	// Re-read the snapshot after winning the seal. A telemetry batch that
	// committed between the ownership read and the seal is durable in the
	// log and snapshot; scoring the pre-seal copy would disagree with both.
	attempt, err = e.store.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	result, err := e.score(ctx, attempt)
	if err != nil {
		// The attempt stays COMPLETED: a sealed attempt never reopens.
		// The failure is recorded for the admin error board instead.
		e.store.logError(attemptID, "", err.Error(), "Inspect the forensic log and probe bank for this attempt.")
		return nil, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode diagnostic result: %w", err)
	}
	if err := e.store.saveResult(ctx, attemptID, resultJSON); err != nil {
		return nil, err
	}

	log.Printf("[ATLAS] finalized attempt %s: %d/%d correct, %d mutations",
		attemptID, result.CorrectCount, result.TotalQuestions, len(result.Mutations))
	return result, nil
}

// cachedResult serves the idempotent path: the attempt is already sealed,
// so finalization returns whatever the winning call cached.
func (e *Engine) cachedResult(ctx context.Context, attemptID string) (*models.DiagnosticResult, error) {
	cached, err := e.store.cachedResult(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if len(cached) == 0 {
		return nil, fmt.Errorf("%w: result not yet available", ingestion.ErrAlreadyCompleted)
	}
	var result models.DiagnosticResult
	if err := json.Unmarshal(cached, &result); err != nil {
		return nil, fmt.Errorf("corrupt results_cache for %s: %w", attemptID, err)
	}
	return &result, nil
}

// score rebuilds the attempt's evidence from the forensic log, classifies
// every question through triage, and applies the mutations to the student's
// progress.
func (e *Engine) score(ctx context.Context, attempt *models.Attempt) (*models.DiagnosticResult, error) {
	probes, err := e.store.probesForSet(ctx, attempt.ProbeSetID)
	if err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("probe set %s has no probes", attempt.ProbeSetID)
	}

	events, err := e.store.forensicLog(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	evidence, err := ReconstructEvidence(events)
	if err != nil {
		return nil, err
	}

	result := &models.DiagnosticResult{
		AttemptID:      attempt.ID,
		TotalQuestions: len(probes),
		FinalizedAt:    time.Now().UTC(),
	}
	var confidenceSum float64

	for i := range probes {
		probe := &probes[i]
		diag := models.CompetencyDiagnosis{
			QuestionID:   probe.ID,
			CompetencyID: probe.CompetencyID,
		}
		if ev := evidence[probe.ID]; ev != nil {
			diag.TimeMs = ev.TimeMs
			diag.HesitationCount = ev.HesitationCount
			diag.Confidence = ev.Confidence
		}

		value, answered := attempt.CurrentState[probe.ID]
		if !answered {
			diag.Outcome = models.ProgressLocked
			diag.Unscored = true
			result.Diagnoses = append(result.Diagnoses, diag)
			continue
		}

		optionID, err := ResolveSubmittedOption(probe, value)
		var mutations []models.GraphMutation
		if err == nil {
			mutations, err = triage.Evaluate(probe, optionID)
		}
		if err != nil {
			// One unreadable answer becomes an unscored gap; it never
			// aborts the whole report.
			e.store.logError(attempt.ID, probe.ID, err.Error(),
				"Check the probe's options against the submitted value format.")
			diag.Outcome = models.ProgressLocked
			diag.Unscored = true
			result.Diagnoses = append(result.Diagnoses, diag)
			continue
		}

		outcome := mutations[0].Metadata
		diag.Outcome = outcome.NewStatus
		if outcome.NewStatus == models.ProgressInfected && outcome.ContentID != "" {
			id := outcome.ContentID
			diag.MisconceptionID = &id
		}
		isCorrect := outcome.NewStatus == models.ProgressMastered
		if isCorrect {
			result.CorrectCount++
		}
		result.Mutations = append(result.Mutations, mutations...)

		if diag.Confidence != nil {
			confidenceSum += *diag.Confidence
			addCalibrationSample(&result.Calibration, *diag.Confidence, isCorrect)
		}

		if err := e.calibration.RecordObservation(ctx, probe.ID, isCorrect); err != nil {
			log.Printf("[ATLAS] calibration observation failed for probe %s: %v", probe.ID, err)
		}

		result.Diagnoses = append(result.Diagnoses, diag)
	}

	if result.Calibration.CalibrationSamples > 0 {
		result.Calibration.MeanConfidence = confidenceSum / float64(result.Calibration.CalibrationSamples)
	}
	result.ScorePercent = int(math.Round(float64(result.CorrectCount) / float64(result.TotalQuestions) * 100))

	studentID := attempt.LearnerID
	if studentID == "" {
		studentID = attempt.OwnerEmail
	}
	if err := e.graph.ApplyMutations(ctx, studentID, result.Mutations); err != nil {
		return nil, fmt.Errorf("failed to apply graph mutations for %s: %w", studentID, err)
	}

	return result, nil
}
