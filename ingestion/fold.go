package ingestion

import (
	"encoding/json"
	"fmt"

	"atlas-server/models"
)

// FoldAnswerUpdates merges a batch's ANSWER_UPDATE events into a snapshot
// map, last-write-wins per questionId with within-batch order preserved.
// Non-answer events pass through untouched; they exist only in the forensic
// log. The input map is not mutated.
//
// Replaying every ANSWER_UPDATE of an attempt's forensic log through this
// function from an empty map must reproduce the persisted current_state
// exactly.
func FoldAnswerUpdates(current map[string]json.RawMessage, events []models.TelemetryEvent) (map[string]json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(current)+len(events))
	for k, v := range current {
		merged[k] = v
	}
	for i, ev := range events {
		if ev.EventType != models.EventAnswerUpdate {
			continue
		}
		var payload models.AnswerUpdatePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("event %d: malformed ANSWER_UPDATE payload: %w", i, err)
		}
		if payload.QuestionID == "" {
			return nil, fmt.Errorf("event %d: ANSWER_UPDATE missing questionId", i)
		}
		merged[payload.QuestionID] = payload.Value
	}
	return merged, nil
}

// ValidateBatch rejects malformed batches before any side effect. Every
// event must carry a known type and a decodable payload; ANSWER_UPDATE and
// HESITATION payloads must name their question.
func ValidateBatch(batch *models.TelemetryBatch) error {
	if batch.AttemptID == "" {
		return fmt.Errorf("%w: missing attemptId", ErrInvalidBatch)
	}
	for i, ev := range batch.Events {
		if !ev.EventType.Valid() {
			return fmt.Errorf("%w: event %d has unknown event_type %q", ErrInvalidBatch, i, ev.EventType)
		}
		if len(ev.Payload) == 0 {
			return fmt.Errorf("%w: event %d has empty payload", ErrInvalidBatch, i)
		}
		switch ev.EventType {
		case models.EventAnswerUpdate:
			var p models.AnswerUpdatePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidBatch, i, err)
			}
			if p.QuestionID == "" {
				return fmt.Errorf("%w: event %d: ANSWER_UPDATE missing questionId", ErrInvalidBatch, i)
			}
		case models.EventHesitation:
			var p models.HesitationPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidBatch, i, err)
			}
			if p.QuestionID == "" {
				return fmt.Errorf("%w: event %d: HESITATION missing questionId", ErrInvalidBatch, i)
			}
		case models.EventNavigation:
			var p models.NavigationPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidBatch, i, err)
			}
		}
	}
	return nil
}
