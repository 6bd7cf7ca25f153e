package validation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"fable-server/internal/models"
	"fable-server/internal/stateops"
)

// Context carries the per-turn facts semantic checks depend on: which
// characters are present in the scene and the active scene-state schema.
type Context struct {
	PresentCharacterIDs map[uuid.UUID]bool
	Schema              *stateops.Schema
}

// CheckResolution validates the ruleset resolution contract. A nil error
// slice means the output is accepted.
func CheckResolution(doc json.RawMessage, vctx Context) (*models.ResolutionOutput, []string) {
	var out models.ResolutionOutput
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, []string{fmt.Sprintf("output is not a valid resolution document: %v", err)}
	}
	var errs []string
	if out.ResolvedOutcome == "" {
		errs = append(errs, "resolved_outcome is required and must be non-empty")
	}
	if out.UserActionText == "" {
		errs = append(errs, "user_action_text is required and must be non-empty")
	}
	for i, req := range out.DiceRequests {
		if req.Expression == "" {
			errs = append(errs, fmt.Sprintf("dice_requests[%d].expression must be non-empty", i))
		}
		if !vctx.PresentCharacterIDs[req.CharacterID] {
			errs = append(errs, fmt.Sprintf("dice_requests[%d].character_id %s is not present in the scene", i, req.CharacterID))
		}
	}
	errs = append(errs, checkObservations(out.Observations, vctx)...)
	errs = append(errs, checkOps(out.StateOps, vctx)...)
	if len(errs) > 0 {
		return nil, errs
	}
	return &out, nil
}

// CheckReflection validates one character reflection. characterID pins the
// output to the character the step was invoked for.
func CheckReflection(doc json.RawMessage, characterID uuid.UUID) (*models.ReflectionOutput, []string) {
	var out models.ReflectionOutput
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, []string{fmt.Sprintf("output is not a valid reflection document: %v", err)}
	}
	var errs []string
	if out.ActionText == "" {
		errs = append(errs, "action_text is required and must be non-empty")
	}
	if out.CharacterID == uuid.Nil {
		out.CharacterID = characterID
	} else if out.CharacterID != characterID {
		errs = append(errs, fmt.Sprintf("character_id %s does not match the reflected character %s", out.CharacterID, characterID))
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &out, nil
}

// CheckNarrator validates the narrator continuation contract.
func CheckNarrator(doc json.RawMessage, vctx Context) (*models.NarratorOutput, []string) {
	var out models.NarratorOutput
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, []string{fmt.Sprintf("output is not a valid narrator document: %v", err)}
	}
	var errs []string
	if out.Narration == "" {
		errs = append(errs, "narration is required and must be non-empty")
	}
	errs = append(errs, checkObservations(out.Observations, vctx)...)
	errs = append(errs, checkOps(out.StateOps, vctx)...)
	if len(errs) > 0 {
		return nil, errs
	}
	return &out, nil
}

func checkObservations(observations []models.NewObservation, vctx Context) []string {
	var errs []string
	for i, obs := range observations {
		if obs.Content == "" {
			errs = append(errs, fmt.Sprintf("observations[%d].content must be non-empty", i))
		}
		if obs.Importance < models.ObservationImportanceMin || obs.Importance > models.ObservationImportanceMax {
			errs = append(errs, fmt.Sprintf("observations[%d].importance %d outside range %d-%d",
				i, obs.Importance, models.ObservationImportanceMin, models.ObservationImportanceMax))
		}
		if !vctx.PresentCharacterIDs[obs.CharacterID] {
			errs = append(errs, fmt.Sprintf("observations[%d].character_id %s is not present in the scene", i, obs.CharacterID))
		}
	}
	return errs
}

func checkOps(ops []stateops.Operation, vctx Context) []string {
	var errs []string
	for i, op := range ops {
		if !stateops.KnownOp(op.Op) {
			errs = append(errs, fmt.Sprintf("state_ops[%d].op %q is not in the allowed vocabulary", i, op.Op))
		}
		if vctx.Schema != nil && !vctx.Schema.HasPath(op.Path) {
			errs = append(errs, fmt.Sprintf("state_ops[%d].path %q is not in the scene schema", i, op.Path))
		}
	}
	return errs
}
