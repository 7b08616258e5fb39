package telemetry

import (
	"bytes"
	"encoding/json"
	"log"
	"sync"
	"time"

	"atlas-server/models"
)

// Queue is the client-side event buffer. It owns the only mutable slice of
// pending events; callers interact through the narrow Enqueue/Snapshot/Drop
// surface so the truncate-after-ack contract cannot be bypassed. No network
// I/O happens here.
type Queue struct {
	mu           sync.Mutex
	events       []models.TelemetryEvent
	lastValues   map[string]json.RawMessage
	hesitations  map[string]int
	lastAnswerAt time.Time

	now func() time.Time
}

// NewQueue returns an empty queue. The first tracked answer's auto-timed
// TimeMs is measured from queue creation.
func NewQueue() *Queue {
	q := &Queue{
		lastValues:  make(map[string]json.RawMessage),
		hesitations: make(map[string]int),
		now:         time.Now,
	}
	q.lastAnswerAt = q.now()
	return q
}

// Enqueue appends an event to the buffer. Events are never dropped until a
// successful sync acknowledges them.
func (q *Queue) Enqueue(event models.TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
}

// AnswerOpts are the optional knobs on TrackAnswer.
type AnswerOpts struct {
	// TimeMs overrides the auto-timed delta since the last tracked answer.
	TimeMs *int64
	// Confidence is the learner's self-reported confidence, when the probe
	// collects one.
	Confidence *float64
	// FocusLostCount counts window blur events since the last answer.
	FocusLostCount int
}

// TrackAnswer records an ANSWER_UPDATE for a question. If the new value
// differs from a non-empty previously tracked value, a HESITATION event is
// synthesized and enqueued ahead of the answer, so "changed my mind" is
// detectable purely from the ledger. HesitationCount on the answer equals
// the number of hesitations synthesized for that question so far.
func (q *Queue) TrackAnswer(questionID string, value json.RawMessage, opts AnswerOpts) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	prior, seen := q.lastValues[questionID]
	if seen && len(prior) > 0 && !bytes.Equal(prior, value) {
		q.hesitations[questionID]++
		hp := models.HesitationPayload{
			QuestionID: questionID,
			From:       prior,
			To:         value,
			Timestamp:  now,
		}
		q.events = append(q.events, mustEvent(models.EventHesitation, hp))
	}
	q.lastValues[questionID] = value

	timeMs := now.Sub(q.lastAnswerAt).Milliseconds()
	if opts.TimeMs != nil {
		timeMs = *opts.TimeMs
	}
	q.lastAnswerAt = now

	payload := models.AnswerUpdatePayload{
		QuestionID: questionID,
		Value:      value,
		Telemetry: models.AnswerTelemetry{
			TimeMs:          timeMs,
			HesitationCount: q.hesitations[questionID],
			FocusLostCount:  opts.FocusLostCount,
			Confidence:      opts.Confidence,
		},
		Timestamp: now,
	}
	q.events = append(q.events, mustEvent(models.EventAnswerUpdate, payload))
}

// TrackNavigation records movement between questions.
func (q *Queue) TrackNavigation(fromQuestionID, toQuestionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, mustEvent(models.EventNavigation, models.NavigationPayload{
		FromQuestionID: fromQuestionID,
		ToQuestionID:   toQuestionID,
		Timestamp:      q.now(),
	}))
}

// Snapshot returns a copy of the current buffer contents in order. The
// scheduler submits exactly this slice and, on success, calls Drop with its
// length; events enqueued after the snapshot survive for the next round.
func (q *Queue) Snapshot() []models.TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.TelemetryEvent, len(q.events))
	copy(out, q.events)
	return out
}

// Drop removes the first n events from the buffer, i.e. the prefix captured
// by the Snapshot that was just acknowledged.
func (q *Queue) Drop(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.events) {
		n = len(q.events)
	}
	q.events = q.events[n:]
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func mustEvent(t models.TelemetryEventType, payload any) models.TelemetryEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload types are plain structs; marshaling cannot fail in
		// practice. Keep the event stream intact rather than panicking
		// mid-exam.
		log.Printf("telemetry: failed to marshal %s payload: %v", t, err)
		raw = json.RawMessage(`{}`)
	}
	return models.TelemetryEvent{EventType: t, Payload: raw}
}
