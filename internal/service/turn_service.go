// Package service contains the turn orchestrator: it drives the three
// model-backed steps, applies the resulting state operations and commits a
// new scene under optimistic concurrency.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fable-server/internal/interfaces"
	"fable-server/internal/memory"
	"fable-server/internal/metrics"
	"fable-server/internal/models"
	"fable-server/internal/stateops"
)

const (
	// memoryWindow caps decayed observations per character in prompt input.
	memoryWindow = 5
	// observationFetchLimit bounds how many raw rows the decay scorer sees.
	observationFetchLimit = 50
	// narrationHistoryScenes bounds the narrator's recent-context window
	// before token trimming.
	narrationHistoryScenes = 10
	// maxConcurrencyRestarts bounds full turn restarts on stale tokens.
	maxConcurrencyRestarts = 3

	replayCacheTTL = 24 * time.Hour
)

// TurnService implements execute_turn: one call advances the session by
// exactly one scene, or fails with a typed TurnFailure and no writes.
type TurnService struct {
	db           interfaces.DBTX
	txManager    interfaces.TxManager
	sessions     interfaces.SessionRepository
	scenes       interfaces.SceneRepository
	observations interfaces.ObservationRepository
	actions      interfaces.ActionRepository
	relations    interfaces.RelationRepository
	events       interfaces.TurnEventRepository
	results      interfaces.TurnResultRepository
	cache        interfaces.TurnResultCache
	content      interfaces.ContentRepository
	steps        interfaces.StepInvoker
	notifier     interfaces.TurnNotifier
	logger       *zap.Logger
}

func NewTurnService(
	db interfaces.DBTX,
	txManager interfaces.TxManager,
	sessions interfaces.SessionRepository,
	scenes interfaces.SceneRepository,
	observations interfaces.ObservationRepository,
	actions interfaces.ActionRepository,
	relations interfaces.RelationRepository,
	events interfaces.TurnEventRepository,
	results interfaces.TurnResultRepository,
	cache interfaces.TurnResultCache,
	content interfaces.ContentRepository,
	steps interfaces.StepInvoker,
	notifier interfaces.TurnNotifier,
	logger *zap.Logger,
) *TurnService {
	return &TurnService{
		db:           db,
		txManager:    txManager,
		sessions:     sessions,
		scenes:       scenes,
		observations: observations,
		actions:      actions,
		relations:    relations,
		events:       events,
		results:      results,
		cache:        cache,
		content:      content,
		steps:        steps,
		notifier:     notifier,
		logger:       logger.Named("TurnService"),
	}
}

// ExecuteTurn runs one full turn for the session. Duplicate user_action_id
// values replay the previously committed result without any model calls.
func (s *TurnService) ExecuteTurn(ctx context.Context, sessionID uuid.UUID, userAction, userActionID string) (*models.TurnResult, error) {
	if userAction == "" {
		return nil, models.NewTurnFailure(models.FailureValidation, models.StepTurn,
			fmt.Errorf("%w: user_action must be non-empty", models.ErrBadRequest))
	}
	if userActionID == "" {
		return nil, models.NewTurnFailure(models.FailureValidation, models.StepTurn,
			fmt.Errorf("%w: user_action_id must be non-empty", models.ErrBadRequest))
	}

	if result := s.lookupReplay(ctx, sessionID, userActionID); result != nil {
		metrics.IncTurnReplays()
		return result, nil
	}

	metrics.IncTurnsStarted()

	var (
		result    *models.TurnResult
		turnIndex int
		err       error
	)
	for attempt := 0; ; attempt++ {
		result, turnIndex, err = s.runTurn(ctx, sessionID, userAction, userActionID)
		if err == nil {
			break
		}
		if errors.Is(err, models.ErrConcurrencyConflict) && attempt < maxConcurrencyRestarts {
			metrics.IncTurnRestarts()
			s.logger.Info("Turn lost optimistic concurrency race, restarting",
				zap.String("sessionID", sessionID.String()),
				zap.Int("attempt", attempt+1))
			// The winner may have been a duplicate of this very request.
			if replay := s.lookupReplay(ctx, sessionID, userActionID); replay != nil {
				metrics.IncTurnReplays()
				return replay, nil
			}
			continue
		}
		failure := s.classifyFailure(err)
		if failure == nil {
			// Precondition errors (session/content not found) pass through
			// untyped so the caller can map them to its own vocabulary.
			return nil, err
		}
		metrics.IncTurnsFailed(string(failure.Kind))
		s.recordFailure(ctx, sessionID, turnIndex, failure)
		return nil, failure
	}

	metrics.IncTurnsCommitted()

	if cacheErr := s.cache.Set(ctx, sessionID, userActionID, result, replayCacheTTL); cacheErr != nil {
		s.logger.Warn("Failed to cache committed turn result",
			zap.String("sessionID", sessionID.String()), zap.Error(cacheErr))
	}
	if notifyErr := s.notifier.TurnCommitted(ctx, sessionID, result.SceneIndex, result.Narration); notifyErr != nil {
		s.logger.Warn("Failed to publish turn committed notification",
			zap.String("sessionID", sessionID.String()), zap.Error(notifyErr))
	}
	return result, nil
}

// lookupReplay checks the cache, then the authoritative store, for a
// previously committed result of this (session, user_action_id).
func (s *TurnService) lookupReplay(ctx context.Context, sessionID uuid.UUID, userActionID string) *models.TurnResult {
	if result, err := s.cache.Get(ctx, sessionID, userActionID); err == nil {
		return result
	}
	result, err := s.results.Get(ctx, s.db, sessionID, userActionID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Warn("Replay lookup failed, executing turn fresh",
				zap.String("sessionID", sessionID.String()), zap.Error(err))
		}
		return nil
	}
	if cacheErr := s.cache.Set(ctx, sessionID, userActionID, result, replayCacheTTL); cacheErr != nil {
		s.logger.Warn("Failed to backfill replay cache", zap.Error(cacheErr))
	}
	return result
}

// runTurn executes one attempt end to end: read phase, model steps, state
// apply, and the single atomic commit. It returns the turn index it targeted
// so terminal failures can be logged against it.
func (s *TurnService) runTurn(ctx context.Context, sessionID uuid.UUID, userAction, userActionID string) (*models.TurnResult, int, error) {
	session, err := s.sessions.GetByID(ctx, s.db, sessionID)
	if err != nil {
		return nil, 0, err
	}
	// The scene pointer read here is the optimistic-concurrency token; the
	// commit only succeeds if it is still current at write time.
	scene, err := s.scenes.GetByID(ctx, s.db, session.CurrentSceneID)
	if err != nil {
		return nil, 0, err
	}
	turnIndex := scene.SceneIndex + 1

	ruleset, err := s.content.GetRuleset(ctx, s.db, session.RulesetID)
	if err != nil {
		return nil, turnIndex, err
	}
	scenario, err := s.content.GetScenario(ctx, s.db, session.ScenarioID)
	if err != nil {
		return nil, turnIndex, err
	}
	lore, err := s.content.GetWorldLore(ctx, s.db, session.WorldLoreID)
	if err != nil {
		return nil, turnIndex, err
	}
	characters, err := s.content.GetCharacters(ctx, s.db, scene.PresentCharacterIDs)
	if err != nil {
		return nil, turnIndex, err
	}

	schema, err := stateops.ParseSchema(ruleset.SceneSchema, ruleset.Version)
	if err != nil {
		return nil, turnIndex, fmt.Errorf("%w: ruleset %s scene schema: %v",
			models.ErrSchemaMismatch, ruleset.ID, err)
	}

	cast, err := s.assembleMemory(ctx, session, characters, ruleset.DecayLambda)
	if err != nil {
		return nil, turnIndex, err
	}

	present := make(map[uuid.UUID]bool, len(characters))
	for _, c := range characters {
		present[c.ID] = true
	}
	vctx := interfaces.ValidationContext{PresentCharacterIDs: present, Schema: schema}

	events := []*models.TurnEvent{
		newEvent(sessionID, turnIndex, models.EventUserAction, models.StepTurn,
			mustJSON(map[string]any{"user_action_id": userActionID, "text": userAction}), "", ""),
	}

	// Step 1: ruleset resolution on the small model tier.
	resolutionStart := time.Now()
	resolution, err := s.steps.Resolution(ctx, interfaces.ResolutionInput{
		Rulebook:          ruleset.Rulebook,
		MechanicsGuidance: ruleset.MechanicsGuidance,
		SceneState:        scene.State,
		UserAction:        userAction,
		Characters:        cast,
		ModelKey:          session.SmallModelKey,
	}, vctx)
	metrics.ObserveStepDuration(models.StepResolution, time.Since(resolutionStart).Seconds())
	if err != nil {
		return nil, turnIndex, stepError(models.StepResolution, err)
	}
	events = append(events,
		newEvent(sessionID, turnIndex, models.EventModelOutput, models.StepResolution,
			resolution.RawDoc, session.SmallModelKey, models.PromptVersion))
	for _, roll := range resolution.Rolls {
		metrics.AddDiceFallbacks(len(roll.Result.Fallbacks))
		events = append(events,
			newEvent(sessionID, turnIndex, models.EventToolCall, models.StepDice, mustJSON(roll), "", ""))
	}

	// Step 2: one reflection per present non-user character, fanned out
	// concurrently; resolution has already completed so there is no data
	// dependency between them.
	reflections, reflectionEvents, err := s.runReflections(ctx, session, scene, cast, resolution, userAction, turnIndex)
	if err != nil {
		return nil, turnIndex, stepError(models.StepReflection, err)
	}
	events = append(events, reflectionEvents...)

	// Step 3: narrator continuation on the large model tier.
	recentNarration, err := s.recentNarration(ctx, sessionID)
	if err != nil {
		return nil, turnIndex, err
	}
	narratorStart := time.Now()
	narrator, err := s.steps.Narrator(ctx, interfaces.NarratorInput{
		SceneState:       scene.State,
		UserAction:       userAction,
		ResolvedOutcome:  resolution.Output.ResolvedOutcome,
		CharacterActions: reflections,
		Rolls:            resolution.Rolls,
		RulebookSummary:  ruleset.Rulebook,
		WorldLore:        lore.Content,
		Tone:             scenario.Tone,
		RecentNarration:  recentNarration,
		Characters:       cast,
		ModelKey:         session.LargeModelKey,
	}, vctx)
	metrics.ObserveStepDuration(models.StepNarrator, time.Since(narratorStart).Seconds())
	if err != nil {
		return nil, turnIndex, stepError(models.StepNarrator, err)
	}
	events = append(events,
		newEvent(sessionID, turnIndex, models.EventModelOutput, models.StepNarrator,
			narrator.RawDoc, session.LargeModelKey, models.PromptVersion))

	// Merge state operations: resolution ops apply first, narrator ops after
	// and may override the same path. The batch is all-or-nothing.
	ops := make([]stateops.Operation, 0, len(resolution.Output.StateOps)+len(narrator.Output.StateOps))
	ops = append(ops, resolution.Output.StateOps...)
	ops = append(ops, narrator.Output.StateOps...)
	newState, err := stateops.Apply(scene.State, ops, schema)
	if err != nil {
		return nil, turnIndex, models.NewTurnFailure(models.FailureOperation, models.StepStateApply, err)
	}
	events = append(events,
		newEvent(sessionID, turnIndex, models.EventStateApply, models.StepStateApply,
			mustJSON(map[string]any{"ops": ops, "state": json.RawMessage(newState)}), "", ""))

	newScene := &models.Scene{
		ID:                  uuid.New(),
		SessionID:           sessionID,
		SceneIndex:          turnIndex,
		State:               newState,
		PresentCharacterIDs: scene.PresentCharacterIDs,
		Narration:           narrator.Output.Narration,
	}

	actionRows := s.stageActions(session, characters, newScene, resolution, reflections)
	newObservations := append(
		append([]models.NewObservation(nil), resolution.Output.Observations...),
		narrator.Output.Observations...)

	result := &models.TurnResult{
		SessionID:        sessionID,
		SceneID:          newScene.ID,
		SceneIndex:       newScene.SceneIndex,
		Narration:        narrator.Output.Narration,
		SuggestedActions: narrator.Output.SuggestedActions,
		SceneState:       newState,
	}

	err = s.txManager.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		// The guarded pointer swap is the concurrency re-check and must run
		// first: a losing turn blocks on the winner's session-row lock and
		// sees zero rows, surfacing the conflict before the scene insert can
		// trip the (session_id, scene_index) unique index.
		if err := s.sessions.AdvanceScene(ctx, tx, sessionID, newScene.ID, scene.ID); err != nil {
			return err
		}
		if err := s.scenes.Create(ctx, tx, newScene); err != nil {
			return err
		}
		if err := s.carryForwardRelations(ctx, tx, scene.ID, newScene.ID); err != nil {
			return err
		}
		for _, action := range actionRows {
			if err := s.actions.Create(ctx, tx, action); err != nil {
				return err
			}
		}
		if err := s.persistObservations(ctx, tx, sessionID, newObservations); err != nil {
			return err
		}
		for _, event := range events {
			if err := s.events.Create(ctx, tx, event); err != nil {
				return err
			}
		}
		return s.results.Create(ctx, tx, sessionID, userActionID, result)
	})
	if err != nil {
		return nil, turnIndex, err
	}

	s.logger.Info("Turn committed",
		zap.String("sessionID", sessionID.String()),
		zap.Int("sceneIndex", newScene.SceneIndex),
		zap.Int("stateOps", len(ops)),
		zap.Int("events", len(events)))
	return result, turnIndex, nil
}

// assembleMemory loads each present character's observations and scores them
// with read-time decay, keeping the top window per character.
func (s *TurnService) assembleMemory(ctx context.Context, session *models.Session, characters []*models.Character, lambda float64) ([]interfaces.CharacterMemory, error) {
	now := time.Now().UTC()
	cast := make([]interfaces.CharacterMemory, 0, len(characters))
	for _, char := range characters {
		rows, err := s.observations.ListBySessionAndCharacter(ctx, s.db, session.ID, char.ID, observationFetchLimit)
		if err != nil {
			return nil, err
		}
		cast = append(cast, interfaces.CharacterMemory{
			Character:    char,
			Observations: memory.SelectTop(rows, memoryWindow, now, lambda),
		})
	}
	return cast, nil
}

// runReflections fans out one reflection call per present non-user character
// and returns outputs in stable cast order.
func (s *TurnService) runReflections(
	ctx context.Context,
	session *models.Session,
	scene *models.Scene,
	cast []interfaces.CharacterMemory,
	resolution *interfaces.ResolutionResult,
	userAction string,
	turnIndex int,
) ([]*models.ReflectionOutput, []*models.TurnEvent, error) {
	var nonUser []interfaces.CharacterMemory
	for _, cm := range cast {
		if !cm.Character.IsUser {
			nonUser = append(nonUser, cm)
		}
	}
	if len(nonUser) == 0 {
		return nil, nil, nil
	}

	start := time.Now()
	results := make([]*interfaces.ReflectionResult, len(nonUser))
	g, gctx := errgroup.WithContext(ctx)
	for i, cm := range nonUser {
		i, cm := i, cm
		g.Go(func() error {
			res, err := s.steps.Reflection(gctx, interfaces.ReflectionInput{
				Character:       cm.Character,
				Memory:          cm.Observations,
				ResolvedOutcome: resolution.Output.ResolvedOutcome,
				SceneState:      scene.State,
				UserAction:      userAction,
				ModelKey:        session.SmallModelKey,
			})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	metrics.ObserveStepDuration(models.StepReflection, time.Since(start).Seconds())

	outputs := make([]*models.ReflectionOutput, 0, len(results))
	events := make([]*models.TurnEvent, 0, len(results))
	for _, res := range results {
		outputs = append(outputs, res.Output)
		events = append(events,
			newEvent(session.ID, turnIndex, models.EventModelOutput, models.StepReflection,
				res.RawDoc, session.SmallModelKey, models.PromptVersion))
	}
	return outputs, events, nil
}

// recentNarration returns prior scene narrations oldest-first; the narrator
// step trims the window to its token budget.
func (s *TurnService) recentNarration(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	scenes, err := s.scenes.ListRecentBySession(ctx, s.db, sessionID, narrationHistoryScenes)
	if err != nil {
		return nil, err
	}
	narrations := make([]string, 0, len(scenes))
	for i := len(scenes) - 1; i >= 0; i-- {
		if scenes[i].Narration != "" {
			narrations = append(narrations, scenes[i].Narration)
		}
	}
	return narrations, nil
}

// stageActions builds the per-character action rows for the new scene: the
// user-attributed entry from resolution plus one row per reflection.
func (s *TurnService) stageActions(
	session *models.Session,
	characters []*models.Character,
	newScene *models.Scene,
	resolution *interfaces.ResolutionResult,
	reflections []*models.ReflectionOutput,
) []*models.Action {
	var rows []*models.Action
	for _, char := range characters {
		if char.IsUser {
			rows = append(rows, &models.Action{
				SessionID:   session.ID,
				SceneID:     newScene.ID,
				CharacterID: char.ID,
				Text:        resolution.Output.UserActionText,
				Outcome:     resolution.Output.ResolvedOutcome,
			})
			break
		}
	}
	for _, ref := range reflections {
		rows = append(rows, &models.Action{
			SessionID:   session.ID,
			SceneID:     newScene.ID,
			CharacterID: ref.CharacterID,
			Text:        ref.ActionText,
			Outcome:     resolution.Output.ResolvedOutcome,
			IntentTags:  ref.IntentTags,
		})
	}
	return rows
}

// persistObservations writes step-emitted observations: identical content for
// the same character reinforces the existing row instead of duplicating it.
func (s *TurnService) persistObservations(ctx context.Context, tx interfaces.DBTX, sessionID uuid.UUID, observations []models.NewObservation) error {
	for _, obs := range observations {
		err := s.observations.Reinforce(ctx, tx, sessionID, obs.CharacterID, obs.Content)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if err := s.observations.Create(ctx, tx, &models.Observation{
			SessionID:   sessionID,
			CharacterID: obs.CharacterID,
			Content:     obs.Content,
			Importance:  obs.Importance,
		}); err != nil {
			return err
		}
	}
	return nil
}

// carryForwardRelations copies the previous scene's normalized edges onto the
// new scene so relation state persists across turns.
func (s *TurnService) carryForwardRelations(ctx context.Context, tx interfaces.DBTX, prevSceneID, newSceneID uuid.UUID) error {
	edges, err := s.relations.ListByScene(ctx, tx, prevSceneID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if err := s.relations.Upsert(ctx, tx, &models.Relation{
			SceneID:    newSceneID,
			CharLowID:  edge.CharLowID,
			CharHighID: edge.CharHighID,
			Trust:      edge.Trust,
			Tension:    edge.Tension,
			Closeness:  edge.Closeness,
		}); err != nil {
			return err
		}
	}
	return nil
}

// classifyFailure maps a turn error to the terminal failure taxonomy, or
// returns nil for precondition errors that should pass through untyped.
func (s *TurnService) classifyFailure(err error) *models.TurnFailure {
	var failure *models.TurnFailure
	if errors.As(err, &failure) {
		return failure
	}
	switch {
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrSceneNotFound),
		errors.Is(err, models.ErrRulesetNotFound),
		errors.Is(err, models.ErrScenarioNotFound),
		errors.Is(err, models.ErrNotFound):
		return nil
	case errors.Is(err, models.ErrTransport):
		return models.NewTurnFailure(models.FailureTransport, models.StepTurn, err)
	case errors.Is(err, models.ErrValidationFailure):
		return models.NewTurnFailure(models.FailureValidation, models.StepTurn, err)
	case errors.Is(err, models.ErrConcurrencyConflict):
		return models.NewTurnFailure(models.FailureConcurrency, models.StepTurn, err)
	case errors.Is(err, stateops.ErrRejected), errors.Is(err, stateops.ErrSchema):
		return models.NewTurnFailure(models.FailureOperation, models.StepStateApply, err)
	case errors.Is(err, models.ErrSchemaMismatch):
		return models.NewTurnFailure(models.FailureSchema, models.StepTurn, err)
	default:
		return models.NewTurnFailure(models.FailureInternal, models.StepTurn, err)
	}
}

// recordFailure persists the diagnostic error event outside any transaction;
// it must succeed or fail without affecting the returned TurnFailure.
func (s *TurnService) recordFailure(ctx context.Context, sessionID uuid.UUID, turnIndex int, failure *models.TurnFailure) {
	event := newEvent(sessionID, turnIndex, models.EventError, failure.Step,
		mustJSON(failure), "", "")
	if err := s.events.Create(ctx, s.db, event); err != nil {
		s.logger.Error("Failed to record error turn event",
			zap.String("sessionID", sessionID.String()),
			zap.Int("turnIndex", turnIndex),
			zap.Error(err))
	}
}

// stepError tags a step error with its failure kind unless it is already
// classified or is the concurrency signal driving the restart loop.
func stepError(step string, err error) error {
	var failure *models.TurnFailure
	if errors.As(err, &failure) {
		return err
	}
	switch {
	case errors.Is(err, models.ErrTransport):
		return models.NewTurnFailure(models.FailureTransport, step, err)
	case errors.Is(err, models.ErrValidationFailure):
		return models.NewTurnFailure(models.FailureValidation, step, err)
	default:
		return err
	}
}

func newEvent(sessionID uuid.UUID, turnIndex int, eventType models.TurnEventType, step string, payload json.RawMessage, modelKey, promptVersion string) *models.TurnEvent {
	return &models.TurnEvent{
		SessionID:     sessionID,
		TurnIndex:     turnIndex,
		EventType:     eventType,
		StepName:      step,
		Payload:       payload,
		ModelKey:      modelKey,
		PromptVersion: promptVersion,
	}
}

func mustJSON(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"marshal_error":true}`)
	}
	return payload
}
