package ingestion

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas-server/models"
)

// fakeSyncStore scripts the store side of the sync write path.
type fakeSyncStore struct {
	attempt      *models.Attempt
	sealed       bool
	persistCalls int
	events       []models.TelemetryEvent
	snapshot     []byte
}

func (f *fakeSyncStore) loadAttempt(ctx context.Context, attemptID string) (*models.Attempt, error) {
	cp := *f.attempt
	return &cp, nil
}

func (f *fakeSyncStore) persistBatch(ctx context.Context, attemptID string, events []models.TelemetryEvent, snapshot, metadata []byte) (bool, error) {
	f.persistCalls++
	if f.sealed {
		return false, nil
	}
	f.events = append(f.events, events...)
	f.snapshot = snapshot
	return true, nil
}

func (f *fakeSyncStore) logError(attemptID, fieldName, errorMessage, suggestedFix string) {}

func newTestService(store syncStore) *Service {
	return &Service{store: store, syncLimiters: NewLimiterRegistry(120)}
}

func inProgressAttempt() *models.Attempt {
	return &models.Attempt{
		ID:           "a1",
		ProbeSetID:   "set-1",
		OwnerEmail:   "parent@example.com",
		Status:       models.AttemptInProgress,
		CurrentState: map[string]json.RawMessage{},
	}
}

func TestSubmitTelemetryBatchPersistsLogAndSnapshot(t *testing.T) {
	store := &fakeSyncStore{attempt: inProgressAttempt()}
	svc := newTestService(store)

	batch := &models.TelemetryBatch{
		AttemptID: "a1",
		Events:    []models.TelemetryEvent{answerEvent("q1", `"A"`), hesitationEvent("q1")},
	}
	err := svc.SubmitTelemetryBatch(context.Background(), Caller{Email: "parent@example.com"}, batch)
	require.NoError(t, err)

	assert.Len(t, store.events, 2, "every event lands in the forensic log")
	var snapshot map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(store.snapshot, &snapshot))
	assert.JSONEq(t, `"A"`, string(snapshot["q1"]))
}

// Finalization can seal the attempt between the service's lifecycle check
// and the store write. The store reports the failed in-transaction guard and
// the batch is rejected whole; nothing lands after the seal.
func TestSubmitTelemetryBatchRejectedWhenSealedMidFlight(t *testing.T) {
	store := &fakeSyncStore{attempt: inProgressAttempt(), sealed: true}
	svc := newTestService(store)

	batch := &models.TelemetryBatch{
		AttemptID: "a1",
		Events:    []models.TelemetryEvent{answerEvent("q1", `"A"`)},
	}
	err := svc.SubmitTelemetryBatch(context.Background(), Caller{Email: "parent@example.com"}, batch)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, 1, store.persistCalls)
	assert.Empty(t, store.events, "a rejected batch leaves no forensic log rows")
}

func TestSubmitTelemetryBatchRejectsCompletedAttempt(t *testing.T) {
	attempt := inProgressAttempt()
	attempt.Status = models.AttemptCompleted
	store := &fakeSyncStore{attempt: attempt}
	svc := newTestService(store)

	batch := &models.TelemetryBatch{AttemptID: "a1"}
	err := svc.SubmitTelemetryBatch(context.Background(), Caller{Email: "parent@example.com"}, batch)

	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Zero(t, store.persistCalls, "no write is attempted on a completed attempt")
}

func TestSubmitTelemetryBatchRejectsStranger(t *testing.T) {
	store := &fakeSyncStore{attempt: inProgressAttempt()}
	svc := newTestService(store)

	batch := &models.TelemetryBatch{AttemptID: "a1"}
	err := svc.SubmitTelemetryBatch(context.Background(), Caller{Email: "other@example.com"}, batch)

	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, store.persistCalls)
}
