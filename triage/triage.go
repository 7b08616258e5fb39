package triage

import (
	"fmt"

	"atlas-server/models"
)

// ErrOptionNotFound is returned when the submitted option id does not exist
// on the probe. Triage never defaults an unknown option to a
// classification.
var ErrOptionNotFound = fmt.Errorf("option not found on probe")

// Evaluate classifies a submitted option against a probe's answer structure
// and returns the graph mutations that record the diagnosis. It is pure and
// deterministic: the same (probe, option) pair always yields the same
// mutations.
//
// Classification order matters: a trap option diagnosing a known
// misconception wins over plain incorrectness, and the gap branch covers
// both generic distractors and the explicit "I don't know" option. Exactly
// one mutation is produced today; the slice return leaves room for
// multi-mutation outcomes.
func Evaluate(probe *models.DiagnosticProbe, submittedOptionID string) ([]models.GraphMutation, error) {
	var chosen *models.ProbeOption
	for i := range probe.Options {
		if probe.Options[i].ID == submittedOptionID {
			chosen = &probe.Options[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("probe %s: %w: %s", probe.ID, ErrOptionNotFound, submittedOptionID)
	}

	switch {
	case chosen.DiagnosesMisconceptionID != nil && *chosen.DiagnosesMisconceptionID != "":
		// The learner picked the option engineered to reveal a specific
		// misconception. The inserted node is a remediation target tied to
		// the node under test, not a generic failure.
		return []models.GraphMutation{{
			Action:       models.ActionInsertNode,
			TargetNodeID: probe.CompetencyID,
			Metadata: models.MutationMetadata{
				NewStatus: models.ProgressInfected,
				ContentID: *chosen.DiagnosesMisconceptionID,
				Reason: fmt.Sprintf("Detected specific conceptual error %q on competency %s",
					*chosen.DiagnosesMisconceptionID, probe.CompetencyID),
			},
		}}, nil

	case !chosen.IsCorrect:
		// Generic distractor or "I don't know": scaffolding is inserted as
		// a prerequisite of the node under test.
		return []models.GraphMutation{{
			Action:       models.ActionInsertNode,
			TargetNodeID: probe.CompetencyID,
			Metadata: models.MutationMetadata{
				NewStatus: models.ProgressLocked,
				Position:  models.PositionBefore,
				Reason:    fmt.Sprintf("Knowledge gap detected on competency %s", probe.CompetencyID),
			},
		}}, nil

	default:
		return []models.GraphMutation{{
			Action:       models.ActionUnlockNext,
			TargetNodeID: probe.CompetencyID,
			Metadata: models.MutationMetadata{
				NewStatus: models.ProgressMastered,
				Reason:    fmt.Sprintf("Competency mastery confirmed for %s", probe.CompetencyID),
			},
		}}, nil
	}
}
