package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas-server/models"
)

// scriptedSubmitter returns canned results in order and records every batch
// it receives.
type scriptedSubmitter struct {
	mu      sync.Mutex
	results []submission
	batches []models.TelemetryBatch
	block   chan struct{} // when non-nil, SubmitBatch waits on it
	onCall  func()        // runs inside SubmitBatch, before returning
}

type submission struct {
	result *models.SubmitResult
	err    error
}

func (f *scriptedSubmitter) SubmitBatch(_ context.Context, batch models.TelemetryBatch) (*models.SubmitResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	var s submission
	if len(f.results) > 0 {
		s = f.results[0]
		f.results = f.results[1:]
	} else {
		s = submission{result: &models.SubmitResult{Success: true}}
	}
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	return s.result, s.err
}

func (f *scriptedSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *scriptedSubmitter) lastBatch() models.TelemetryBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[len(f.batches)-1]
}

func TestSyncDropsExactlySubmittedEvents(t *testing.T) {
	q := NewQueue()
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	q.TrackAnswer("q2", json.RawMessage(`"B"`), AnswerOpts{})

	sub := &scriptedSubmitter{}
	// A new answer lands while the batch is in flight; it must survive the
	// post-ack truncation.
	sub.onCall = func() {
		q.TrackAnswer("q3", json.RawMessage(`"C"`), AnswerOpts{})
	}

	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)
	s.Sync()

	require.Equal(t, 1, sub.calls())
	assert.Len(t, sub.lastBatch().Events, 2)
	assert.Equal(t, "attempt-1", sub.lastBatch().AttemptID)
	assert.Equal(t, 1, q.Len())
}

func TestSyncEmptyQueueIsNoOp(t *testing.T) {
	q := NewQueue()
	sub := &scriptedSubmitter{}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)

	s.Sync()
	assert.Equal(t, 0, sub.calls())
}

func TestForcedSyncSubmitsEmptyHeartbeat(t *testing.T) {
	q := NewQueue()
	sub := &scriptedSubmitter{}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)

	s.sync(true)
	require.Equal(t, 1, sub.calls())
	assert.Empty(t, sub.lastBatch().Events)
}

func TestTransportFailureKeepsQueue(t *testing.T) {
	q := NewQueue()
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	sub := &scriptedSubmitter{results: []submission{
		{err: context.DeadlineExceeded},
		{result: &models.SubmitResult{Success: true}},
	}}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)

	s.Sync()
	assert.Equal(t, 1, q.Len())

	s.Sync()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, sub.calls())
}

func TestInFlightSyncsAreMutuallyExclusive(t *testing.T) {
	q := NewQueue()
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	sub := &scriptedSubmitter{block: make(chan struct{})}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Sync()
	}()

	// Wait for the first sync to be in flight, then trigger a second one;
	// it must return without submitting.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inFlight
	}, time.Second, time.Millisecond)

	s.Sync()
	close(sub.block)
	wg.Wait()

	assert.Equal(t, 1, sub.calls())
}

func TestRateLimitSchedulesSingleRetry(t *testing.T) {
	q := NewQueue()
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	sub := &scriptedSubmitter{results: []submission{
		{result: &models.SubmitResult{Error: "Rate limit exceeded", RetryAfterMs: 20}},
		{result: &models.SubmitResult{Success: true}},
	}}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)

	s.Sync()
	assert.Equal(t, 1, q.Len(), "rate-limited batch must stay queued")

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, time.Second, 5*time.Millisecond, "the armed retry should drain the queue")
	assert.Equal(t, 2, sub.calls())
}

func TestRetryTimerIsReplacedNotStacked(t *testing.T) {
	q := NewQueue()
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	sub := &scriptedSubmitter{results: []submission{
		{result: &models.SubmitResult{Error: "Rate limit exceeded", RetryAfterMs: 40}},
		{result: &models.SubmitResult{Error: "Rate limit exceeded", RetryAfterMs: 40}},
	}}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)

	// Two rate-limited syncs arm the retry twice; the second arm replaces
	// the first, so only one retry fires.
	s.Sync()
	s.Sync()
	assert.Equal(t, 2, sub.calls())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, sub.calls(), "exactly one retry should have fired")
}

func TestCloseFlushesRemainingEvents(t *testing.T) {
	q := NewQueue()
	sub := &scriptedSubmitter{}
	s := NewScheduler("attempt-1", q, sub, time.Hour, time.Hour)
	s.Start()

	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	s.Close()

	assert.GreaterOrEqual(t, sub.calls(), 1)
	assert.Equal(t, 0, q.Len())
}

func TestPeriodicTickerFlushes(t *testing.T) {
	q := NewQueue()
	sub := &scriptedSubmitter{}
	s := NewScheduler("attempt-1", q, sub, 10*time.Millisecond, time.Hour)
	s.Start()
	defer s.Close()

	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
