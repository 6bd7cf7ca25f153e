package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
	"fable-server/internal/stateops"
)

// SessionService bootstraps sessions from scenarios: the seed scene commits
// at index 0 and the session pointer is born pointing at it.
type SessionService struct {
	db        interfaces.DBTX
	txManager interfaces.TxManager
	sessions  interfaces.SessionRepository
	scenes    interfaces.SceneRepository
	content   interfaces.ContentRepository
	logger    *zap.Logger
}

func NewSessionService(
	db interfaces.DBTX,
	txManager interfaces.TxManager,
	sessions interfaces.SessionRepository,
	scenes interfaces.SceneRepository,
	content interfaces.ContentRepository,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		db:        db,
		txManager: txManager,
		sessions:  sessions,
		scenes:    scenes,
		content:   content,
		logger:    logger.Named("SessionService"),
	}
}

// StartSession creates a session for the scenario with the given model-tier
// keys. The scenario's seed is validated against the ruleset's scene schema
// before anything is written.
func (s *SessionService) StartSession(ctx context.Context, scenarioID uuid.UUID, smallModelKey, largeModelKey string) (*models.Session, *models.Scene, error) {
	if smallModelKey == "" || largeModelKey == "" {
		return nil, nil, fmt.Errorf("%w: both model tier keys are required", models.ErrBadRequest)
	}

	scenario, err := s.content.GetScenario(ctx, s.db, scenarioID)
	if err != nil {
		return nil, nil, err
	}
	ruleset, err := s.content.GetRuleset(ctx, s.db, scenario.RulesetID)
	if err != nil {
		return nil, nil, err
	}

	schema, err := stateops.ParseSchema(ruleset.SceneSchema, ruleset.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ruleset %s scene schema: %v",
			models.ErrSchemaMismatch, ruleset.ID, err)
	}
	var seed map[string]any
	if err := json.Unmarshal(scenario.SceneSeed, &seed); err != nil {
		return nil, nil, fmt.Errorf("%w: scenario %s scene seed unreadable: %v",
			models.ErrSchemaMismatch, scenario.ID, err)
	}
	if err := schema.Validate(seed); err != nil {
		return nil, nil, fmt.Errorf("%w: scenario %s seed rejected: %v",
			models.ErrSchemaMismatch, scenario.ID, err)
	}

	scene := &models.Scene{
		ID:                  uuid.New(),
		SceneIndex:          0,
		State:               scenario.SceneSeed,
		PresentCharacterIDs: scenario.CharacterIDs,
		Narration:           scenario.IntroText,
	}
	session := &models.Session{
		ID:             uuid.New(),
		ScenarioID:     scenario.ID,
		RulesetID:      scenario.RulesetID,
		WorldLoreID:    scenario.WorldLoreID,
		CharacterIDs:   scenario.CharacterIDs,
		CurrentSceneID: scene.ID,
		SmallModelKey:  smallModelKey,
		LargeModelKey:  largeModelKey,
	}
	scene.SessionID = session.ID

	err = s.txManager.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.sessions.Create(ctx, tx, session); err != nil {
			return err
		}
		return s.scenes.Create(ctx, tx, scene)
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Session started",
		zap.String("sessionID", session.ID.String()),
		zap.String("scenarioID", scenario.ID.String()))
	return session, scene, nil
}
