package models

import (
	"encoding/json"
	"time"
)

// TelemetryEventType enumerates the event kinds the forensic log accepts.
type TelemetryEventType string

const (
	EventAnswerUpdate TelemetryEventType = "ANSWER_UPDATE"
	EventHesitation   TelemetryEventType = "HESITATION"
	EventNavigation   TelemetryEventType = "NAVIGATION"
)

// Valid reports whether t is one of the known event types.
func (t TelemetryEventType) Valid() bool {
	switch t {
	case EventAnswerUpdate, EventHesitation, EventNavigation:
		return true
	}
	return false
}

// TelemetryEvent is one append-only entry in an attempt's forensic log.
// Events are created by the client queue and persisted verbatim; they are
// never mutated after creation.
type TelemetryEvent struct {
	EventType TelemetryEventType `json:"event_type"`
	Payload   json.RawMessage    `json:"payload"`
}

// AnswerTelemetry carries the per-answer interaction measurements.
type AnswerTelemetry struct {
	TimeMs          int64    `json:"timeMs"`
	HesitationCount int      `json:"hesitationCount"`
	FocusLostCount  int      `json:"focusLostCount"`
	Confidence      *float64 `json:"confidence,omitempty"`
}

// AnswerUpdatePayload is the payload of an ANSWER_UPDATE event. Value is
// opaque here; the evaluation layer interprets it per probe type.
type AnswerUpdatePayload struct {
	QuestionID string          `json:"questionId"`
	Value      json.RawMessage `json:"value"`
	Telemetry  AnswerTelemetry `json:"telemetry"`
	Timestamp  time.Time       `json:"timestamp"`
}

// HesitationPayload records a changed-my-mind transition for a question.
type HesitationPayload struct {
	QuestionID string          `json:"questionId"`
	From       json.RawMessage `json:"from"`
	To         json.RawMessage `json:"to"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NavigationPayload records movement between questions.
type NavigationPayload struct {
	FromQuestionID string    `json:"fromQuestionId,omitempty"`
	ToQuestionID   string    `json:"toQuestionId"`
	Timestamp      time.Time `json:"timestamp"`
}

// TelemetryBatch is the unit submitted by the sync scheduler.
type TelemetryBatch struct {
	AttemptID string           `json:"attemptId" binding:"required"`
	Events    []TelemetryEvent `json:"events" binding:"required"`
}

// AttemptStatus is the lifecycle state of an exam attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptCompleted  AttemptStatus = "COMPLETED"
)

// AttemptMetadata holds the mutable bookkeeping attached to an attempt row:
// liveness heartbeat and coarse device class.
type AttemptMetadata struct {
	DeviceClass string    `json:"device_class,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Attempt is the aggregate root for one diagnostic session. CurrentState is
// the mutable snapshot (questionId -> last submitted value); the forensic
// log lives in its own table keyed by attempt_id. Replaying the log's
// ANSWER_UPDATE events in order must reproduce CurrentState exactly.
type Attempt struct {
	ID           string                     `json:"id"`
	ProbeSetID   string                     `json:"probe_set_id"`
	OwnerEmail   string                     `json:"owner_email"`
	LearnerID    string                     `json:"learner_id"`
	Status       AttemptStatus              `json:"status"`
	StartedAt    time.Time                  `json:"started_at"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
	CurrentState map[string]json.RawMessage `json:"current_state"`
	Metadata     AttemptMetadata            `json:"metadata"`
}

// ProbeType tags the diagnostic probe variants. Evaluation switches on this
// exhaustively; an unknown tag is a consistency error, never a default.
type ProbeType string

const (
	ProbeMultipleChoice ProbeType = "multiple-choice"
	ProbeCBM            ProbeType = "cbm"
	ProbeRanking        ProbeType = "ranking"
	ProbeSpotting       ProbeType = "spotting"
)

// Valid reports whether p is a known probe type.
func (p ProbeType) Valid() bool {
	switch p {
	case ProbeMultipleChoice, ProbeCBM, ProbeRanking, ProbeSpotting:
		return true
	}
	return false
}

// ProbeOption is one answer choice on a diagnostic probe. A trap option
// carries DiagnosesMisconceptionID; an "I don't know" option carries IsGap
// and is never correct.
type ProbeOption struct {
	ID                       string  `json:"id"`
	Content                  string  `json:"content"`
	IsCorrect                bool    `json:"is_correct"`
	IsGap                    bool    `json:"is_gap"`
	Feedback                 *string `json:"feedback,omitempty"`
	DiagnosesMisconceptionID *string `json:"diagnoses_misconception_id,omitempty"`
}

// DiagnosticProbe is a question engineered to distinguish mastery from
// specific misconceptions.
type DiagnosticProbe struct {
	ID           string        `json:"id"`
	CompetencyID string        `json:"competency_id"`
	Type         ProbeType     `json:"type"`
	Stem         string        `json:"stem"`
	Options      []ProbeOption `json:"options"`
}

// Misconception is a named systematic conceptual error ("shadow node").
type Misconception struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CompetencyNode is one node of the competency DAG.
type CompetencyNode struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CompetencyEdge records that Source is a prerequisite of Target.
type CompetencyEdge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

// ProgressStatus is the evidence state recorded per (student, competency).
type ProgressStatus string

const (
	ProgressMastered      ProgressStatus = "mastered"
	ProgressCompleted     ProgressStatus = "completed"
	ProgressMisconception ProgressStatus = "misconception"
	ProgressInfected      ProgressStatus = "infected"
	ProgressLocked        ProgressStatus = "locked"
)

// StudentProgress is one evidence row, written by triage mutations and read
// by the graph service.
type StudentProgress struct {
	StudentID       string         `json:"student_id"`
	CompetencyID    string         `json:"competency_id"`
	Status          ProgressStatus `json:"status"`
	MisconceptionID *string        `json:"misconception_id,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MutationAction enumerates the graph mutations triage can emit.
type MutationAction string

const (
	ActionInsertNode MutationAction = "INSERT_NODE"
	ActionUnlockNext MutationAction = "UNLOCK_NEXT"
)

// InsertPosition places inserted remediation content relative to the target.
type InsertPosition string

// PositionBefore inserts remediation as a prerequisite, not a sibling.
const PositionBefore InsertPosition = "BEFORE"

// MutationMetadata carries the machine-checkable justification for a
// mutation.
type MutationMetadata struct {
	NewStatus ProgressStatus `json:"newStatus"`
	Position  InsertPosition `json:"position,omitempty"`
	ContentID string         `json:"contentId,omitempty"`
	Reason    string         `json:"reason"`
}

// GraphMutation is produced by the triage engine and applied to the
// student's progress store.
type GraphMutation struct {
	Action       MutationAction   `json:"action"`
	TargetNodeID string           `json:"targetNodeId"`
	Metadata     MutationMetadata `json:"metadata"`
}

// NodeStatus is the derived render state of a graph node.
type NodeStatus string

const (
	NodeLocked    NodeStatus = "LOCKED"
	NodeAvailable NodeStatus = "AVAILABLE"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeMastered  NodeStatus = "MASTERED"
	NodeInfected  NodeStatus = "INFECTED"
)

// GraphNode is the derived per-request render view of a competency node.
// Never persisted; fog of war is applied at derivation time.
type GraphNode struct {
	ID              string     `json:"id"`
	Label           string     `json:"label"`
	Description     string     `json:"description"`
	Status          NodeStatus `json:"status"`
	Level           int        `json:"level"`
	InfectionReason string     `json:"infectionReason,omitempty"`
}

// KnowledgeMap is the rendered graph returned to callers.
type KnowledgeMap struct {
	Nodes []GraphNode      `json:"nodes"`
	Edges []CompetencyEdge `json:"edges"`
}

// NodeAggregate is the administrative per-node rollup across all attempts.
type NodeAggregate struct {
	CompetencyID       string   `json:"competency_id"`
	Title              string   `json:"title"`
	StudentsProbed     int      `json:"students_probed"`
	MasteryCount       int      `json:"mastery_count"`
	MisconceptionCount int      `json:"misconception_count"`
	TopMisconceptions  []string `json:"top_misconceptions"`
	FrictionScore      float64  `json:"friction_score"`
}

// CompetencyDiagnosis is the per-question outcome inside a diagnostic
// result.
type CompetencyDiagnosis struct {
	QuestionID      string         `json:"question_id"`
	CompetencyID    string         `json:"competency_id"`
	Outcome         ProgressStatus `json:"outcome"`
	MisconceptionID *string        `json:"misconception_id,omitempty"`
	TimeMs          int64          `json:"time_ms"`
	HesitationCount int            `json:"hesitation_count"`
	Confidence      *float64       `json:"confidence,omitempty"`
	Unscored        bool           `json:"unscored,omitempty"`
}

// CalibrationSummary compares confidence against correctness to surface
// metacognitive miscalibration.
type CalibrationSummary struct {
	ConfidentCorrect   int     `json:"confident_correct"`
	ConfidentWrong     int     `json:"confident_wrong"`
	UnsureCorrect      int     `json:"unsure_correct"`
	UnsureWrong        int     `json:"unsure_wrong"`
	MeanConfidence     float64 `json:"mean_confidence"`
	CalibrationSamples int     `json:"calibration_samples"`
}

// DiagnosticResult is the immutable cache attached to a completed attempt.
type DiagnosticResult struct {
	AttemptID      string                `json:"attempt_id"`
	ScorePercent   int                   `json:"score_percent"`
	CorrectCount   int                   `json:"correct_count"`
	TotalQuestions int                   `json:"total_questions"`
	Diagnoses      []CompetencyDiagnosis `json:"diagnoses"`
	Calibration    CalibrationSummary    `json:"calibration"`
	Mutations      []GraphMutation       `json:"mutations"`
	FinalizedAt    time.Time             `json:"finalized_at"`
}

// SubmitResult is the structured outcome of a telemetry batch submission.
// RetryAfterMs is set only on a rate-limit response.
type SubmitResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retryAfter,omitempty"`
}

// FinalizeResponse wraps a diagnostic result in the structured envelope the
// API uses everywhere else.
type FinalizeResponse struct {
	Success bool              `json:"success"`
	Result  *DiagnosticResult `json:"result"`
}

// ExamStateResponse hydrates a reconnecting client without replaying the
// forensic log.
type ExamStateResponse struct {
	CurrentState map[string]json.RawMessage `json:"currentState"`
}

// StartAttemptRequest opens a new diagnostic session.
type StartAttemptRequest struct {
	ProbeSetID string `json:"probe_set_id" binding:"required"`
}

// StartAttemptResponse returns the created attempt and its probes with the
// answer key stripped.
type StartAttemptResponse struct {
	AttemptID string            `json:"attempt_id"`
	Probes    []DiagnosticProbe `json:"probes"`
}

// ErrorLog is an entry in the error_logs audit table.
type ErrorLog struct {
	ID           int       `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	AttemptID    string    `json:"attempt_id"`
	FieldName    *string   `json:"field_name"`
	ErrorMessage string    `json:"error_message"`
	SuggestedFix *string   `json:"suggested_fix"`
}

// AdminEvent is an entry in the admin_events audit table.
type AdminEvent struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target"`
	Notes     string    `json:"notes"`
}

// Setting is an entry in the settings table.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by"`
}
