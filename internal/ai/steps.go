package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/dice"
	"fable-server/internal/interfaces"
	"fable-server/internal/models"
	"fable-server/internal/validation"
)

// invoker is implemented by *Client; split out so step logic is testable
// without a live provider.
type invoker interface {
	Invoke(ctx context.Context, step, modelKey, systemPrompt string, payload any) (string, error)
}

// Steps implements interfaces.StepInvoker on top of the provider client and
// the validation coordinator.
type Steps struct {
	client          invoker
	logger          *zap.Logger
	narrationBudget int
}

var _ interfaces.StepInvoker = (*Steps)(nil)

// NewSteps wires the three step invokers. narrationBudget caps the narrator's
// recent-context window in tokens.
func NewSteps(client *Client, logger *zap.Logger, narrationBudget int) *Steps {
	return newSteps(client, logger, narrationBudget)
}

func newSteps(client invoker, logger *zap.Logger, narrationBudget int) *Steps {
	if narrationBudget <= 0 {
		narrationBudget = 2000
	}
	return &Steps{
		client:          client,
		logger:          logger.Named("AISteps"),
		narrationBudget: narrationBudget,
	}
}

func (s *Steps) invokeFn(step, modelKey, systemPrompt string, payload any) validation.Invoke {
	return func(ctx context.Context, repair *validation.Repair) (string, error) {
		if repair == nil {
			return s.client.Invoke(ctx, step, modelKey, systemPrompt, payload)
		}
		repairPayload := map[string]any{
			"original_input":    payload,
			"invalid_output":    json.RawMessage(repair.InvalidOutput),
			"validation_errors": repair.Errors,
		}
		return s.client.Invoke(ctx, step+"_repair", modelKey, repairSystemPrompt, repairPayload)
	}
}

func characterPayload(chars []interfaces.CharacterMemory) []map[string]any {
	out := make([]map[string]any, 0, len(chars))
	for _, cm := range chars {
		memories := make([]map[string]any, 0, len(cm.Observations))
		for _, scored := range cm.Observations {
			memories = append(memories, map[string]any{
				"content":    scored.Observation.Content,
				"importance": scored.Observation.Importance,
			})
		}
		out = append(out, map[string]any{
			"id":       cm.Character.ID,
			"name":     cm.Character.Name,
			"profile":  cm.Character.Profile,
			"stats":    cm.Character.Stats,
			"is_user":  cm.Character.IsUser,
			"memories": memories,
		})
	}
	return out
}

// Resolution runs the ruleset resolution step and evaluates any dice
// requests the model emitted against the requesting character's stat block.
func (s *Steps) Resolution(ctx context.Context, in interfaces.ResolutionInput, vctx interfaces.ValidationContext) (*interfaces.ResolutionResult, error) {
	payload := map[string]any{
		"rulebook":           in.Rulebook,
		"mechanics_guidance": in.MechanicsGuidance,
		"scene_state":        in.SceneState,
		"user_action":        in.UserAction,
		"characters":         characterPayload(in.Characters),
	}
	vc := validation.Context{PresentCharacterIDs: vctx.PresentCharacterIDs, Schema: vctx.Schema}

	out, doc, err := validation.Run(ctx, s.logger, models.StepResolution,
		s.invokeFn(models.StepResolution, in.ModelKey, resolutionSystemPrompt, payload),
		func(d json.RawMessage) (*models.ResolutionOutput, []string) {
			return validation.CheckResolution(d, vc)
		})
	if err != nil {
		return nil, err
	}

	stats := make(map[uuid.UUID]map[string]int, len(in.Characters))
	for _, cm := range in.Characters {
		stats[cm.Character.ID] = cm.Character.Stats
	}
	rolls := make([]models.RollRecord, 0, len(out.DiceRequests))
	for _, req := range out.DiceRequests {
		result, err := dice.Roll(req.Expression, nil, stats[req.CharacterID])
		if err != nil {
			// The expression survived contract validation but is still
			// unparseable; that is a contract violation, not a transport fault.
			return nil, fmt.Errorf("%w: dice expression %q: %v",
				models.ErrValidationFailure, req.Expression, err)
		}
		rolls = append(rolls, models.RollRecord{Request: req, Result: result})
	}

	return &interfaces.ResolutionResult{Output: out, Rolls: rolls, RawDoc: doc}, nil
}

// Reflection runs one character's reflection step.
func (s *Steps) Reflection(ctx context.Context, in interfaces.ReflectionInput) (*interfaces.ReflectionResult, error) {
	memories := make([]map[string]any, 0, len(in.Memory))
	for _, scored := range in.Memory {
		memories = append(memories, map[string]any{
			"content":    scored.Observation.Content,
			"importance": scored.Observation.Importance,
		})
	}
	payload := map[string]any{
		"character": map[string]any{
			"id":      in.Character.ID,
			"name":    in.Character.Name,
			"profile": in.Character.Profile,
			"stats":   in.Character.Stats,
		},
		"memories":         memories,
		"resolved_outcome": in.ResolvedOutcome,
		"scene_state":      in.SceneState,
		"user_action":      in.UserAction,
	}

	out, doc, err := validation.Run(ctx, s.logger, models.StepReflection,
		s.invokeFn(models.StepReflection, in.ModelKey, reflectionSystemPrompt, payload),
		func(d json.RawMessage) (*models.ReflectionOutput, []string) {
			return validation.CheckReflection(d, in.Character.ID)
		})
	if err != nil {
		return nil, err
	}
	return &interfaces.ReflectionResult{Output: out, RawDoc: doc}, nil
}

// Narrator runs the narrator continuation step with a token-budgeted window
// of recent narration.
func (s *Steps) Narrator(ctx context.Context, in interfaces.NarratorInput, vctx interfaces.ValidationContext) (*interfaces.NarratorResult, error) {
	actions := make([]map[string]any, 0, len(in.CharacterActions))
	for _, a := range in.CharacterActions {
		actions = append(actions, map[string]any{
			"character_id": a.CharacterID,
			"action_text":  a.ActionText,
			"intent_tags":  a.IntentTags,
		})
	}
	payload := map[string]any{
		"scene_state":       in.SceneState,
		"user_action":       in.UserAction,
		"resolved_outcome":  in.ResolvedOutcome,
		"character_actions": actions,
		"dice_rolls":        in.Rolls,
		"rulebook_summary":  in.RulebookSummary,
		"world_lore":        in.WorldLore,
		"tone":              in.Tone,
		"recent_narration":  narrationWindow(in.RecentNarration, s.narrationBudget),
		"characters":        characterPayload(in.Characters),
	}
	vc := validation.Context{PresentCharacterIDs: vctx.PresentCharacterIDs, Schema: vctx.Schema}

	out, doc, err := validation.Run(ctx, s.logger, models.StepNarrator,
		s.invokeFn(models.StepNarrator, in.ModelKey, narratorSystemPrompt, payload),
		func(d json.RawMessage) (*models.NarratorOutput, []string) {
			return validation.CheckNarrator(d, vc)
		})
	if err != nil {
		return nil, err
	}
	return &interfaces.NarratorResult{Output: out, RawDoc: doc}, nil
}
