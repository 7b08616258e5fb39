package exam

import (
	"encoding/json"
	"fmt"

	"atlas-server/models"
)

// QuestionEvidence is the interaction record rebuilt from the forensic log
// for one question: total answering time, how often the learner changed
// their mind, and the most recent confidence annotation.
type QuestionEvidence struct {
	TimeMs          int64
	HesitationCount int
	Confidence      *float64
}

// ReconstructEvidence walks the forensic log in insertion order and derives
// per-question evidence. HESITATION events are counted from the log itself
// rather than trusted from the client's running counter.
func ReconstructEvidence(events []models.TelemetryEvent) (map[string]*QuestionEvidence, error) {
	evidence := make(map[string]*QuestionEvidence)
	get := func(questionID string) *QuestionEvidence {
		e, ok := evidence[questionID]
		if !ok {
			e = &QuestionEvidence{}
			evidence[questionID] = e
		}
		return e
	}

	for i, ev := range events {
		switch ev.EventType {
		case models.EventAnswerUpdate:
			var p models.AnswerUpdatePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("event %d: malformed ANSWER_UPDATE in forensic log: %w", i, err)
			}
			e := get(p.QuestionID)
			e.TimeMs += p.Telemetry.TimeMs
			if p.Telemetry.Confidence != nil {
				e.Confidence = p.Telemetry.Confidence
			}
		case models.EventHesitation:
			var p models.HesitationPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("event %d: malformed HESITATION in forensic log: %w", i, err)
			}
			get(p.QuestionID).HesitationCount++
		case models.EventNavigation:
			// Navigation shapes no per-question evidence today.
		}
	}
	return evidence, nil
}

// addCalibrationSample buckets one confidence-annotated answer into the
// attempt's calibration summary. MeanConfidence is finalized by the caller
// once all samples are in.
func addCalibrationSample(summary *models.CalibrationSummary, confidence float64, correct bool) {
	summary.CalibrationSamples++
	switch {
	case confidence >= confidentThreshold && correct:
		summary.ConfidentCorrect++
	case confidence >= confidentThreshold:
		summary.ConfidentWrong++
	case correct:
		summary.UnsureCorrect++
	default:
		summary.UnsureWrong++
	}
}

// ResolveSubmittedOption interprets a snapshot value per probe type and
// resolves it to the option id the learner committed to. The switch is
// exhaustive; an unknown probe type is a consistency error, never a
// default branch.
func ResolveSubmittedOption(probe *models.DiagnosticProbe, value json.RawMessage) (string, error) {
	if len(value) == 0 || string(value) == "null" {
		return "", fmt.Errorf("probe %s: no submitted value", probe.ID)
	}

	switch probe.Type {
	case models.ProbeMultipleChoice, models.ProbeSpotting:
		return decodeOptionID(probe, value)

	case models.ProbeCBM:
		// Confidence-based marking clients send either a bare option id or
		// an object pairing the id with a confidence slider value.
		if id, err := decodeOptionID(probe, value); err == nil {
			return id, nil
		}
		var obj struct {
			OptionID string `json:"optionId"`
		}
		if err := json.Unmarshal(value, &obj); err != nil || obj.OptionID == "" {
			return "", fmt.Errorf("probe %s: unreadable cbm value %s", probe.ID, value)
		}
		return obj.OptionID, nil

	case models.ProbeRanking:
		// A bare option id covers the explicit "I don't know" pick; an
		// array is the submitted ordering.
		if id, err := decodeOptionID(probe, value); err == nil {
			return id, nil
		}
		var order []string
		if err := json.Unmarshal(value, &order); err != nil {
			return "", fmt.Errorf("probe %s: unreadable ranking value %s", probe.ID, value)
		}
		return resolveRanking(probe, order)

	default:
		return "", fmt.Errorf("probe %s: unsupported probe type %q", probe.ID, probe.Type)
	}
}

// decodeOptionID decodes value as a JSON string naming an option on probe.
func decodeOptionID(probe *models.DiagnosticProbe, value json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(value, &id); err != nil {
		return "", fmt.Errorf("probe %s: value is not an option id: %s", probe.ID, value)
	}
	if id == "" {
		return "", fmt.Errorf("probe %s: empty option id", probe.ID)
	}
	return id, nil
}

// resolveRanking maps a submitted ordering to an option outcome. The bank
// stores a ranking probe's options in the canonical order; an ordering that
// reproduces it resolves to the correct option, any other ordering resolves
// to the first plain distractor.
func resolveRanking(probe *models.DiagnosticProbe, order []string) (string, error) {
	canonical := len(order) == len(probe.Options)
	if canonical {
		for i := range order {
			if order[i] != probe.Options[i].ID {
				canonical = false
				break
			}
		}
	}

	for _, o := range probe.Options {
		if canonical && o.IsCorrect {
			return o.ID, nil
		}
		if !canonical && !o.IsCorrect && !o.IsGap {
			return o.ID, nil
		}
	}
	return "", fmt.Errorf("probe %s: no resolvable ranking option", probe.ID)
}
