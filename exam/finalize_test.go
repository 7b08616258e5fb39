package exam

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas-server/ingestion"
	"atlas-server/models"
)

// fakeAttemptStore scripts the attempt lifecycle for the engine. loadStates
// supplies the snapshot per load call so tests can inject writes that land
// between the ownership read and the seal.
type fakeAttemptStore struct {
	attempt    models.Attempt
	loadStates []map[string]json.RawMessage
	loads      int
	sealed     bool
	sealCalls  int
	cached     []byte
	probes     []models.DiagnosticProbe
	events     []models.TelemetryEvent
	scoreRuns  int
}

func (f *fakeAttemptStore) loadAttempt(ctx context.Context, attemptID string) (*models.Attempt, error) {
	cp := f.attempt
	if f.loads < len(f.loadStates) {
		cp.CurrentState = f.loadStates[f.loads]
	}
	f.loads++
	return &cp, nil
}

func (f *fakeAttemptStore) sealAttempt(ctx context.Context, attemptID string) (bool, error) {
	f.sealCalls++
	if f.sealed {
		return false, nil
	}
	f.sealed = true
	return true, nil
}

func (f *fakeAttemptStore) cachedResult(ctx context.Context, attemptID string) ([]byte, error) {
	return f.cached, nil
}

func (f *fakeAttemptStore) saveResult(ctx context.Context, attemptID string, resultJSON []byte) error {
	f.cached = resultJSON
	return nil
}

func (f *fakeAttemptStore) probesForSet(ctx context.Context, probeSetID string) ([]models.DiagnosticProbe, error) {
	f.scoreRuns++
	return f.probes, nil
}

func (f *fakeAttemptStore) forensicLog(ctx context.Context, attemptID string) ([]models.TelemetryEvent, error) {
	return f.events, nil
}

func (f *fakeAttemptStore) logError(attemptID, fieldName, errorMessage, suggestedFix string) {}

type fakeMutationApplier struct {
	studentID string
	mutations []models.GraphMutation
}

func (f *fakeMutationApplier) ApplyMutations(ctx context.Context, studentID string, mutations []models.GraphMutation) error {
	f.studentID = studentID
	f.mutations = append(f.mutations, mutations...)
	return nil
}

type fakeObservationRecorder struct {
	observed map[string]bool
}

func (f *fakeObservationRecorder) RecordObservation(ctx context.Context, probeID string, correct bool) error {
	if f.observed == nil {
		f.observed = make(map[string]bool)
	}
	f.observed[probeID] = correct
	return nil
}

func mcProbe(id, competencyID string) models.DiagnosticProbe {
	return models.DiagnosticProbe{
		ID:           id,
		CompetencyID: competencyID,
		Type:         models.ProbeMultipleChoice,
		Options:      []models.ProbeOption{{ID: "a", IsCorrect: true}, {ID: "b"}},
	}
}

func newTestEngine(store attemptStore) (*Engine, *fakeMutationApplier, *fakeObservationRecorder) {
	applier := &fakeMutationApplier{}
	recorder := &fakeObservationRecorder{}
	return &Engine{
		store:       store,
		graph:       applier,
		calibration: recorder,
		limiters:    ingestion.NewLimiterRegistry(60),
	}, applier, recorder
}

func TestFinalizeAttemptIdempotentSecondCall(t *testing.T) {
	store := &fakeAttemptStore{
		attempt: models.Attempt{
			ID:         "a1",
			ProbeSetID: "set-1",
			OwnerEmail: "parent@example.com",
			Status:     models.AttemptInProgress,
			CurrentState: map[string]json.RawMessage{
				"q1": json.RawMessage(`"a"`),
				"q2": json.RawMessage(`"b"`),
			},
		},
		probes: []models.DiagnosticProbe{mcProbe("q1", "c1"), mcProbe("q2", "c2")},
	}
	engine, applier, _ := newTestEngine(store)
	caller := ingestion.Caller{Email: "parent@example.com"}

	first, err := engine.FinalizeAttempt(context.Background(), caller, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.CorrectCount)
	assert.Equal(t, 2, first.TotalQuestions)
	assert.Equal(t, "parent@example.com", applier.studentID)

	second, err := engine.FinalizeAttempt(context.Background(), caller, "a1")
	require.NoError(t, err)

	assert.Equal(t, 2, store.sealCalls)
	assert.Equal(t, 1, store.scoreRuns, "the loser never re-scores")

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstJSON), string(secondJSON), "every later call gets the cached result unchanged")
}

func TestFinalizeAttemptSealedWithoutCacheYet(t *testing.T) {
	store := &fakeAttemptStore{
		attempt: models.Attempt{
			ID:           "a1",
			ProbeSetID:   "set-1",
			OwnerEmail:   "parent@example.com",
			Status:       models.AttemptCompleted,
			CurrentState: map[string]json.RawMessage{},
		},
		sealed: true,
	}
	engine, _, _ := newTestEngine(store)

	_, err := engine.FinalizeAttempt(context.Background(), ingestion.Caller{Email: "parent@example.com"}, "a1")
	assert.ErrorIs(t, err, ingestion.ErrAlreadyCompleted)
	assert.Zero(t, store.scoreRuns)
}

// A telemetry batch committing between the ownership read and the seal must
// be scored: the engine re-reads the snapshot after winning the seal, so the
// result agrees with the persisted state and ledger.
func TestFinalizeAttemptScoresSnapshotAsOfSeal(t *testing.T) {
	store := &fakeAttemptStore{
		attempt: models.Attempt{
			ID:         "a1",
			ProbeSetID: "set-1",
			OwnerEmail: "parent@example.com",
			Status:     models.AttemptInProgress,
		},
		loadStates: []map[string]json.RawMessage{
			{"q1": json.RawMessage(`"a"`)},
			{"q1": json.RawMessage(`"a"`), "q2": json.RawMessage(`"a"`)},
		},
		probes: []models.DiagnosticProbe{mcProbe("q1", "c1"), mcProbe("q2", "c2")},
	}
	engine, _, recorder := newTestEngine(store)

	result, err := engine.FinalizeAttempt(context.Background(), ingestion.Caller{Email: "parent@example.com"}, "a1")
	require.NoError(t, err)

	assert.Equal(t, 2, store.loads, "snapshot is re-read after the seal")
	assert.Equal(t, 2, result.CorrectCount, "the late-landing answer is scored")
	for _, diag := range result.Diagnoses {
		assert.False(t, diag.Unscored)
	}
	assert.Equal(t, map[string]bool{"q1": true, "q2": true}, recorder.observed)
}

func TestFinalizeAttemptRejectsStranger(t *testing.T) {
	store := &fakeAttemptStore{
		attempt: models.Attempt{
			ID:           "a1",
			OwnerEmail:   "parent@example.com",
			Status:       models.AttemptInProgress,
			CurrentState: map[string]json.RawMessage{},
		},
	}
	engine, _, _ := newTestEngine(store)

	_, err := engine.FinalizeAttempt(context.Background(), ingestion.Caller{Email: "other@example.com"}, "a1")
	assert.ErrorIs(t, err, ingestion.ErrForbidden)
	assert.Zero(t, store.sealCalls)
}
