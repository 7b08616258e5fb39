package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas-server/models"
)

// fakeClock advances by step on every call.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		t := current
		current = current.Add(step)
		return t
	}
}

func answerPayload(t *testing.T, ev models.TelemetryEvent) models.AnswerUpdatePayload {
	t.Helper()
	require.Equal(t, models.EventAnswerUpdate, ev.EventType)
	var p models.AnswerUpdatePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func hesitationPayload(t *testing.T, ev models.TelemetryEvent) models.HesitationPayload {
	t.Helper()
	require.Equal(t, models.EventHesitation, ev.EventType)
	var p models.HesitationPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func TestTrackAnswerChangeSynthesizesHesitations(t *testing.T) {
	q := NewQueue()

	// A -> B -> A: two changes of mind, three answers.
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	q.TrackAnswer("q1", json.RawMessage(`"B"`), AnswerOpts{})
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	events := q.Snapshot()
	require.Len(t, events, 5)

	assert.Equal(t, models.EventAnswerUpdate, events[0].EventType)

	h1 := hesitationPayload(t, events[1])
	assert.Equal(t, "q1", h1.QuestionID)
	assert.JSONEq(t, `"A"`, string(h1.From))
	assert.JSONEq(t, `"B"`, string(h1.To))

	a2 := answerPayload(t, events[2])
	assert.Equal(t, 1, a2.Telemetry.HesitationCount)

	h2 := hesitationPayload(t, events[3])
	assert.JSONEq(t, `"B"`, string(h2.From))
	assert.JSONEq(t, `"A"`, string(h2.To))

	a3 := answerPayload(t, events[4])
	assert.Equal(t, 2, a3.Telemetry.HesitationCount)
}

func TestTrackAnswerSameValueNoHesitation(t *testing.T) {
	q := NewQueue()

	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})

	events := q.Snapshot()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, models.EventAnswerUpdate, ev.EventType)
	}
}

func TestTrackAnswerHesitationsCountedPerQuestion(t *testing.T) {
	q := NewQueue()

	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	q.TrackAnswer("q2", json.RawMessage(`"X"`), AnswerOpts{})
	q.TrackAnswer("q1", json.RawMessage(`"B"`), AnswerOpts{})
	q.TrackAnswer("q2", json.RawMessage(`"X"`), AnswerOpts{})

	events := q.Snapshot()
	require.Len(t, events, 5)

	last := answerPayload(t, events[4])
	assert.Equal(t, "q2", last.QuestionID)
	assert.Equal(t, 0, last.Telemetry.HesitationCount)

	q1Answer := answerPayload(t, events[3])
	assert.Equal(t, "q1", q1Answer.QuestionID)
	assert.Equal(t, 1, q1Answer.Telemetry.HesitationCount)
}

func TestTrackAnswerAutoTiming(t *testing.T) {
	q := NewQueue()
	q.now = fakeClock(time.Unix(0, 0), 2*time.Second)
	q.lastAnswerAt = q.now() // creation time: t=0, next call returns t=2s

	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	q.TrackAnswer("q2", json.RawMessage(`"B"`), AnswerOpts{})

	events := q.Snapshot()
	require.Len(t, events, 2)

	a1 := answerPayload(t, events[0])
	assert.Equal(t, int64(2000), a1.Telemetry.TimeMs)

	a2 := answerPayload(t, events[1])
	assert.Equal(t, int64(2000), a2.Telemetry.TimeMs)
}

func TestTrackAnswerTimeOverride(t *testing.T) {
	q := NewQueue()
	override := int64(12345)
	conf := 0.8

	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{TimeMs: &override, Confidence: &conf, FocusLostCount: 3})

	events := q.Snapshot()
	require.Len(t, events, 1)
	a := answerPayload(t, events[0])
	assert.Equal(t, override, a.Telemetry.TimeMs)
	require.NotNil(t, a.Telemetry.Confidence)
	assert.Equal(t, 0.8, *a.Telemetry.Confidence)
	assert.Equal(t, 3, a.Telemetry.FocusLostCount)
}

func TestSnapshotDropKeepsLaterEvents(t *testing.T) {
	q := NewQueue()
	q.TrackAnswer("q1", json.RawMessage(`"A"`), AnswerOpts{})
	q.TrackAnswer("q2", json.RawMessage(`"B"`), AnswerOpts{})

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 2)

	// An answer arrives while the snapshot is in flight.
	q.TrackAnswer("q3", json.RawMessage(`"C"`), AnswerOpts{})

	q.Drop(len(snapshot))
	require.Equal(t, 1, q.Len())

	remaining := q.Snapshot()
	a := answerPayload(t, remaining[0])
	assert.Equal(t, "q3", a.QuestionID)
}

func TestDropMoreThanBuffered(t *testing.T) {
	q := NewQueue()
	q.TrackNavigation("", "q1")
	q.Drop(10)
	assert.Equal(t, 0, q.Len())
}
