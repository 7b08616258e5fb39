package exam

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas-server/models"
)

func answerEvent(t *testing.T, questionID string, timeMs int64, confidence *float64) models.TelemetryEvent {
	t.Helper()
	payload, err := json.Marshal(models.AnswerUpdatePayload{
		QuestionID: questionID,
		Value:      json.RawMessage(`"A"`),
		Telemetry:  models.AnswerTelemetry{TimeMs: timeMs, Confidence: confidence},
	})
	require.NoError(t, err)
	return models.TelemetryEvent{EventType: models.EventAnswerUpdate, Payload: payload}
}

func hesitationEvent(t *testing.T, questionID string) models.TelemetryEvent {
	t.Helper()
	payload, err := json.Marshal(models.HesitationPayload{QuestionID: questionID})
	require.NoError(t, err)
	return models.TelemetryEvent{EventType: models.EventHesitation, Payload: payload}
}

func floatPtr(v float64) *float64 { return &v }

func TestReconstructEvidenceAccumulates(t *testing.T) {
	events := []models.TelemetryEvent{
		answerEvent(t, "q1", 1000, floatPtr(0.4)),
		hesitationEvent(t, "q1"),
		answerEvent(t, "q1", 2500, floatPtr(0.9)),
		answerEvent(t, "q2", 700, nil),
	}

	evidence, err := ReconstructEvidence(events)
	require.NoError(t, err)

	q1 := evidence["q1"]
	require.NotNil(t, q1)
	assert.Equal(t, int64(3500), q1.TimeMs)
	assert.Equal(t, 1, q1.HesitationCount)
	require.NotNil(t, q1.Confidence)
	assert.Equal(t, 0.9, *q1.Confidence, "latest confidence wins")

	q2 := evidence["q2"]
	require.NotNil(t, q2)
	assert.Equal(t, int64(700), q2.TimeMs)
	assert.Equal(t, 0, q2.HesitationCount)
	assert.Nil(t, q2.Confidence)
}

func TestReconstructEvidenceKeepsEarlierConfidence(t *testing.T) {
	events := []models.TelemetryEvent{
		answerEvent(t, "q1", 100, floatPtr(0.6)),
		answerEvent(t, "q1", 100, nil),
	}
	evidence, err := ReconstructEvidence(events)
	require.NoError(t, err)
	require.NotNil(t, evidence["q1"].Confidence)
	assert.Equal(t, 0.6, *evidence["q1"].Confidence)
}

func TestReconstructEvidenceMalformedLogFailsLoudly(t *testing.T) {
	_, err := ReconstructEvidence([]models.TelemetryEvent{
		{EventType: models.EventAnswerUpdate, Payload: json.RawMessage(`{broken`)},
	})
	assert.Error(t, err)
}

func rankingProbe() *models.DiagnosticProbe {
	return &models.DiagnosticProbe{
		ID:           "q-rank",
		CompetencyID: "ordering",
		Type:         models.ProbeRanking,
		Options: []models.ProbeOption{
			{ID: "first", IsCorrect: true},
			{ID: "second"},
			{ID: "third"},
			{ID: "idk", IsGap: true},
		},
	}
}

func TestResolveSubmittedOption(t *testing.T) {
	mc := &models.DiagnosticProbe{
		ID:           "q-mc",
		CompetencyID: "c1",
		Type:         models.ProbeMultipleChoice,
		Options:      []models.ProbeOption{{ID: "a", IsCorrect: true}, {ID: "b"}},
	}
	cbm := &models.DiagnosticProbe{
		ID:           "q-cbm",
		CompetencyID: "c1",
		Type:         models.ProbeCBM,
		Options:      []models.ProbeOption{{ID: "a", IsCorrect: true}, {ID: "b"}},
	}

	tests := []struct {
		name    string
		probe   *models.DiagnosticProbe
		value   string
		want    string
		wantErr bool
	}{
		{"multiple choice plain id", mc, `"b"`, "b", false},
		{"multiple choice non-string", mc, `42`, "", true},
		{"empty value", mc, ``, "", true},
		{"null value", mc, `null`, "", true},
		{"cbm plain id", cbm, `"a"`, "a", false},
		{"cbm object form", cbm, `{"optionId":"b","confidence":0.8}`, "b", false},
		{"cbm object without id", cbm, `{"confidence":0.8}`, "", true},
		{"ranking canonical order", rankingProbe(), `["first","second","third","idk"]`, "first", false},
		{"ranking wrong order", rankingProbe(), `["second","first","third","idk"]`, "second", false},
		{"ranking abstain", rankingProbe(), `"idk"`, "idk", false},
		{"ranking unreadable", rankingProbe(), `{"nope":true}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSubmittedOption(tt.probe, json.RawMessage(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSubmittedOptionUnknownType(t *testing.T) {
	probe := &models.DiagnosticProbe{ID: "q", Type: "essay"}
	_, err := ResolveSubmittedOption(probe, json.RawMessage(`"a"`))
	assert.Error(t, err)
}

func TestAddCalibrationSampleBuckets(t *testing.T) {
	var summary models.CalibrationSummary

	addCalibrationSample(&summary, 0.9, true)  // confident + correct
	addCalibrationSample(&summary, 0.7, false) // threshold counts as confident
	addCalibrationSample(&summary, 0.3, true)
	addCalibrationSample(&summary, 0.1, false)

	assert.Equal(t, 4, summary.CalibrationSamples)
	assert.Equal(t, 1, summary.ConfidentCorrect)
	assert.Equal(t, 1, summary.ConfidentWrong)
	assert.Equal(t, 1, summary.UnsureCorrect)
	assert.Equal(t, 1, summary.UnsureWrong)
}
