package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fable-server/internal/dice"
	"fable-server/internal/interfaces"
	"fable-server/internal/models"
	"fable-server/internal/stateops"
)

type fakeDB struct{}

func (fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unused in fakes")
}
func (fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

// fakeStore is an in-memory persistence gateway implementing every repository
// the orchestrator uses, with snapshot-restore transaction semantics.
type fakeStore struct {
	sessions     map[uuid.UUID]models.Session
	scenes       map[uuid.UUID]models.Scene
	observations []models.Observation
	actions      []models.Action
	relations    []models.Relation
	events       []models.TurnEvent
	results      map[string]models.TurnResult

	rulesets   map[uuid.UUID]models.Ruleset
	scenarios  map[uuid.UUID]models.Scenario
	lore       map[uuid.UUID]models.WorldLore
	characters map[uuid.UUID]models.Character

	// beforeTx runs before each transaction's snapshot; used to simulate a
	// competing turn committing between our read and our commit.
	beforeTx        func(f *fakeStore)
	failEventCreate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   map[uuid.UUID]models.Session{},
		scenes:     map[uuid.UUID]models.Scene{},
		results:    map[string]models.TurnResult{},
		rulesets:   map[uuid.UUID]models.Ruleset{},
		scenarios:  map[uuid.UUID]models.Scenario{},
		lore:       map[uuid.UUID]models.WorldLore{},
		characters: map[uuid.UUID]models.Character{},
	}
}

type storeSnapshot struct {
	sessions     map[uuid.UUID]models.Session
	scenes       map[uuid.UUID]models.Scene
	observations []models.Observation
	actions      []models.Action
	relations    []models.Relation
	events       []models.TurnEvent
	results      map[string]models.TurnResult
}

func (f *fakeStore) snapshot() storeSnapshot {
	return storeSnapshot{
		sessions:     maps.Clone(f.sessions),
		scenes:       maps.Clone(f.scenes),
		observations: slices.Clone(f.observations),
		actions:      slices.Clone(f.actions),
		relations:    slices.Clone(f.relations),
		events:       slices.Clone(f.events),
		results:      maps.Clone(f.results),
	}
}

func (f *fakeStore) restore(s storeSnapshot) {
	f.sessions = s.sessions
	f.scenes = s.scenes
	f.observations = s.observations
	f.actions = s.actions
	f.relations = s.relations
	f.events = s.events
	f.results = s.results
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx interfaces.DBTX) error) error {
	if f.beforeTx != nil {
		f.beforeTx(f)
	}
	snap := f.snapshot()
	if err := fn(ctx, fakeDB{}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, _ interfaces.DBTX, id uuid.UUID) (*models.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return &session, nil
}

func (f *fakeStore) Create(_ context.Context, _ interfaces.DBTX, session *models.Session) error {
	f.sessions[session.ID] = *session
	return nil
}

func (f *fakeStore) AdvanceScene(_ context.Context, _ interfaces.DBTX, sessionID, newSceneID, expectedSceneID uuid.UUID) error {
	session, ok := f.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if session.CurrentSceneID != expectedSceneID {
		return models.ErrConcurrencyConflict
	}
	session.CurrentSceneID = newSceneID
	f.sessions[sessionID] = session
	return nil
}

type fakeSceneRepo struct{ store *fakeStore }

func (r fakeSceneRepo) GetByID(_ context.Context, _ interfaces.DBTX, id uuid.UUID) (*models.Scene, error) {
	scene, ok := r.store.scenes[id]
	if !ok {
		return nil, models.ErrSceneNotFound
	}
	return &scene, nil
}

func (r fakeSceneRepo) Create(_ context.Context, _ interfaces.DBTX, scene *models.Scene) error {
	// A duplicate (session_id, scene_index) maps to the concurrency sentinel,
	// mirroring the unique-violation handling in the pg repository.
	for _, existing := range r.store.scenes {
		if existing.SessionID == scene.SessionID && existing.SceneIndex == scene.SceneIndex {
			return fmt.Errorf("create scene at index %d: %w", scene.SceneIndex, models.ErrConcurrencyConflict)
		}
	}
	if scene.ID == uuid.Nil {
		scene.ID = uuid.New()
	}
	r.store.scenes[scene.ID] = *scene
	return nil
}

func (r fakeSceneRepo) ListRecentBySession(_ context.Context, _ interfaces.DBTX, sessionID uuid.UUID, limit int) ([]*models.Scene, error) {
	var scenes []*models.Scene
	for _, scene := range r.store.scenes {
		if scene.SessionID == sessionID {
			s := scene
			scenes = append(scenes, &s)
		}
	}
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].SceneIndex > scenes[j].SceneIndex })
	if len(scenes) > limit {
		scenes = scenes[:limit]
	}
	return scenes, nil
}

type fakeObservationRepo struct{ store *fakeStore }

func (r fakeObservationRepo) ListBySessionAndCharacter(_ context.Context, _ interfaces.DBTX, sessionID, characterID uuid.UUID, limit int) ([]*models.Observation, error) {
	var rows []*models.Observation
	for i := range r.store.observations {
		obs := r.store.observations[i]
		if obs.SessionID == sessionID && obs.CharacterID == characterID {
			rows = append(rows, &obs)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r fakeObservationRepo) Create(_ context.Context, _ interfaces.DBTX, obs *models.Observation) error {
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	r.store.observations = append(r.store.observations, *obs)
	return nil
}

func (r fakeObservationRepo) Reinforce(_ context.Context, _ interfaces.DBTX, sessionID, characterID uuid.UUID, content string) error {
	for i := len(r.store.observations) - 1; i >= 0; i-- {
		obs := &r.store.observations[i]
		if obs.SessionID == sessionID && obs.CharacterID == characterID && obs.Content == content {
			obs.ReinforcementCount++
			return nil
		}
	}
	return models.ErrNotFound
}

type fakeActionRepo struct{ store *fakeStore }

func (r fakeActionRepo) Create(_ context.Context, _ interfaces.DBTX, action *models.Action) error {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	r.store.actions = append(r.store.actions, *action)
	return nil
}

type fakeRelationRepo struct{ store *fakeStore }

func (r fakeRelationRepo) ListByScene(_ context.Context, _ interfaces.DBTX, sceneID uuid.UUID) ([]*models.Relation, error) {
	var edges []*models.Relation
	for i := range r.store.relations {
		rel := r.store.relations[i]
		if rel.SceneID == sceneID {
			edges = append(edges, &rel)
		}
	}
	return edges, nil
}

func (r fakeRelationRepo) Upsert(_ context.Context, _ interfaces.DBTX, rel *models.Relation) error {
	low, high := models.NormalizeRelationPair(rel.CharLowID, rel.CharHighID)
	rel.CharLowID, rel.CharHighID = low, high
	for i := range r.store.relations {
		existing := &r.store.relations[i]
		if existing.SceneID == rel.SceneID && existing.CharLowID == low && existing.CharHighID == high {
			existing.Trust, existing.Tension, existing.Closeness = rel.Trust, rel.Tension, rel.Closeness
			return nil
		}
	}
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	r.store.relations = append(r.store.relations, *rel)
	return nil
}

type fakeEventRepo struct{ store *fakeStore }

func (r fakeEventRepo) Create(_ context.Context, _ interfaces.DBTX, event *models.TurnEvent) error {
	if r.store.failEventCreate {
		return errors.New("event insert failed")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	r.store.events = append(r.store.events, *event)
	return nil
}

func (r fakeEventRepo) ListByTurn(_ context.Context, _ interfaces.DBTX, sessionID uuid.UUID, turnIndex int) ([]*models.TurnEvent, error) {
	var events []*models.TurnEvent
	for i := range r.store.events {
		event := r.store.events[i]
		if event.SessionID == sessionID && event.TurnIndex == turnIndex {
			events = append(events, &event)
		}
	}
	return events, nil
}

type fakeResultRepo struct{ store *fakeStore }

func resultKey(sessionID uuid.UUID, userActionID string) string {
	return sessionID.String() + "|" + userActionID
}

func (r fakeResultRepo) Get(_ context.Context, _ interfaces.DBTX, sessionID uuid.UUID, userActionID string) (*models.TurnResult, error) {
	result, ok := r.store.results[resultKey(sessionID, userActionID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &result, nil
}

func (r fakeResultRepo) Create(_ context.Context, _ interfaces.DBTX, sessionID uuid.UUID, userActionID string, result *models.TurnResult) error {
	r.store.results[resultKey(sessionID, userActionID)] = *result
	return nil
}

type fakeContentRepo struct{ store *fakeStore }

func (r fakeContentRepo) GetRuleset(_ context.Context, _ interfaces.DBTX, id uuid.UUID) (*models.Ruleset, error) {
	ruleset, ok := r.store.rulesets[id]
	if !ok {
		return nil, models.ErrRulesetNotFound
	}
	return &ruleset, nil
}

func (r fakeContentRepo) GetScenario(_ context.Context, _ interfaces.DBTX, id uuid.UUID) (*models.Scenario, error) {
	scenario, ok := r.store.scenarios[id]
	if !ok {
		return nil, models.ErrScenarioNotFound
	}
	return &scenario, nil
}

func (r fakeContentRepo) GetWorldLore(_ context.Context, _ interfaces.DBTX, id uuid.UUID) (*models.WorldLore, error) {
	lore, ok := r.store.lore[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &lore, nil
}

func (r fakeContentRepo) GetCharacters(_ context.Context, _ interfaces.DBTX, ids []uuid.UUID) ([]*models.Character, error) {
	characters := make([]*models.Character, 0, len(ids))
	for _, id := range ids {
		char, ok := r.store.characters[id]
		if !ok {
			return nil, models.ErrNotFound
		}
		characters = append(characters, &char)
	}
	return characters, nil
}

type fakeCache struct {
	mu    sync.Mutex
	items map[string]models.TurnResult
}

func newFakeCache() *fakeCache { return &fakeCache{items: map[string]models.TurnResult{}} }

func (c *fakeCache) Get(_ context.Context, sessionID uuid.UUID, userActionID string) (*models.TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.items[resultKey(sessionID, userActionID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &result, nil
}

func (c *fakeCache) Set(_ context.Context, sessionID uuid.UUID, userActionID string, result *models.TurnResult, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[resultKey(sessionID, userActionID)] = *result
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []int
}

func (n *fakeNotifier) TurnCommitted(_ context.Context, _ uuid.UUID, sceneIndex int, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sceneIndex)
	return nil
}

type fakeSteps struct {
	mu              sync.Mutex
	resolutionFn    func(interfaces.ResolutionInput) (*interfaces.ResolutionResult, error)
	reflectionFn    func(interfaces.ReflectionInput) (*interfaces.ReflectionResult, error)
	narratorFn      func(interfaces.NarratorInput) (*interfaces.NarratorResult, error)
	resolutionCalls int
	reflectionCalls int
	narratorCalls   int
	reflectedIDs    []uuid.UUID
}

func (s *fakeSteps) Resolution(_ context.Context, in interfaces.ResolutionInput, _ interfaces.ValidationContext) (*interfaces.ResolutionResult, error) {
	s.mu.Lock()
	s.resolutionCalls++
	s.mu.Unlock()
	return s.resolutionFn(in)
}

func (s *fakeSteps) Reflection(_ context.Context, in interfaces.ReflectionInput) (*interfaces.ReflectionResult, error) {
	s.mu.Lock()
	s.reflectionCalls++
	s.reflectedIDs = append(s.reflectedIDs, in.Character.ID)
	s.mu.Unlock()
	return s.reflectionFn(in)
}

func (s *fakeSteps) Narrator(_ context.Context, in interfaces.NarratorInput, _ interfaces.ValidationContext) (*interfaces.NarratorResult, error) {
	s.mu.Lock()
	s.narratorCalls++
	s.mu.Unlock()
	return s.narratorFn(in)
}

type fixture struct {
	store    *fakeStore
	steps    *fakeSteps
	cache    *fakeCache
	notifier *fakeNotifier
	svc      *TurnService

	session models.Session
	scene   models.Scene
	user    models.Character
	mira    models.Character
	joran   models.Character
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()

	user := models.Character{ID: uuid.New(), Name: "Ana", IsUser: true, Stats: map[string]int{}}
	mira := models.Character{ID: uuid.New(), Name: "Mira", Stats: map[string]int{"shyness": 7, "warmth": 6}}
	joran := models.Character{ID: uuid.New(), Name: "Joran", Stats: map[string]int{"warmth": 3}}
	for _, c := range []models.Character{user, mira, joran} {
		store.characters[c.ID] = c
	}

	ruleset := models.Ruleset{
		ID:       uuid.New(),
		Name:     "evening-drama",
		Rulebook: "roll 1d20 plus the relevant stat",
		SceneSchema: json.RawMessage(`{"fields": {
			"minutes_left": {"type": "number", "min": 0},
			"flags": {"type": "list"}
		}}`),
		Version: 2,
	}
	store.rulesets[ruleset.ID] = ruleset

	loreRow := models.WorldLore{ID: uuid.New(), Title: "Harbor Town", Content: "It always rains in autumn."}
	store.lore[loreRow.ID] = loreRow

	scenario := models.Scenario{
		ID:           uuid.New(),
		RulesetID:    ruleset.ID,
		WorldLoreID:  loreRow.ID,
		CharacterIDs: []uuid.UUID{user.ID, mira.ID, joran.ID},
		SceneSeed:    json.RawMessage(`{"minutes_left": 30, "flags": []}`),
		Tone:         "slow-burn",
		IntroText:    "The cafe is almost empty.",
	}
	store.scenarios[scenario.ID] = scenario

	scene := models.Scene{
		ID:                  uuid.New(),
		SceneIndex:          3,
		State:               json.RawMessage(`{"minutes_left": 10, "flags": []}`),
		PresentCharacterIDs: []uuid.UUID{user.ID, mira.ID, joran.ID},
		Narration:           "She stirs her coffee without drinking it.",
		CreatedAt:           time.Now().UTC(),
	}
	session := models.Session{
		ID:             uuid.New(),
		ScenarioID:     scenario.ID,
		RulesetID:      ruleset.ID,
		WorldLoreID:    loreRow.ID,
		CharacterIDs:   scenario.CharacterIDs,
		CurrentSceneID: scene.ID,
		SmallModelKey:  "tier/small",
		LargeModelKey:  "tier/large",
	}
	scene.SessionID = session.ID
	store.sessions[session.ID] = session
	store.scenes[scene.ID] = scene

	steps := &fakeSteps{
		resolutionFn: func(interfaces.ResolutionInput) (*interfaces.ResolutionResult, error) {
			return &interfaces.ResolutionResult{
				Output: &models.ResolutionOutput{
					ResolvedOutcome: "bold success",
					UserActionText:  "she leans in",
				},
				Rolls: []models.RollRecord{{
					Request: models.DiceRequest{Expression: "1d20+shyness", CharacterID: mira.ID},
					Result:  dice.Result{Expression: "1d20+shyness", Rolls: []int{14}, Modifier: 7, Total: 21},
				}},
				RawDoc: json.RawMessage(`{"resolved_outcome": "bold success"}`),
			}, nil
		},
		reflectionFn: func(in interfaces.ReflectionInput) (*interfaces.ReflectionResult, error) {
			return &interfaces.ReflectionResult{
				Output: &models.ReflectionOutput{
					CharacterID: in.Character.ID,
					ActionText:  in.Character.Name + " glances at the window",
				},
				RawDoc: json.RawMessage(`{"action_text": "glances at the window"}`),
			}, nil
		},
		narratorFn: func(interfaces.NarratorInput) (*interfaces.NarratorResult, error) {
			return &interfaces.NarratorResult{
				Output: &models.NarratorOutput{
					Narration:        "The rain hides her smile.",
					StateOps:         []stateops.Operation{{Op: stateops.OpDec, Path: "minutes_left", Value: 1}},
					SuggestedActions: []string{"ask about the letter"},
				},
				RawDoc: json.RawMessage(`{"narration": "The rain hides her smile."}`),
			}, nil
		},
	}

	cache := newFakeCache()
	notifier := &fakeNotifier{}
	svc := NewTurnService(fakeDB{}, store, store, fakeSceneRepo{store}, fakeObservationRepo{store},
		fakeActionRepo{store}, fakeRelationRepo{store}, fakeEventRepo{store}, fakeResultRepo{store},
		cache, fakeContentRepo{store}, steps, notifier, zap.NewNop())

	return &fixture{
		store: store, steps: steps, cache: cache, notifier: notifier, svc: svc,
		session: session, scene: scene, user: user, mira: mira, joran: joran,
	}
}

func minutesLeft(t *testing.T, state json.RawMessage) float64 {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(state, &doc))
	minutes, ok := doc["minutes_left"].(float64)
	require.True(t, ok, "minutes_left missing or not numeric")
	return minutes
}

func TestExecuteTurnHappyPath(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	assert.Equal(t, 4, result.SceneIndex)
	assert.Equal(t, "The rain hides her smile.", result.Narration)
	assert.Equal(t, []string{"ask about the letter"}, result.SuggestedActions)
	assert.Equal(t, 9.0, minutesLeft(t, result.SceneState))

	session := fx.store.sessions[fx.session.ID]
	assert.Equal(t, result.SceneID, session.CurrentSceneID)

	newScene, ok := fx.store.scenes[result.SceneID]
	require.True(t, ok)
	assert.Equal(t, 4, newScene.SceneIndex)
	assert.Equal(t, 9.0, minutesLeft(t, newScene.State))

	// One action per present character: the user entry plus two reflections.
	require.Len(t, fx.store.actions, 3)
	byChar := map[uuid.UUID]models.Action{}
	for _, a := range fx.store.actions {
		byChar[a.CharacterID] = a
		assert.Equal(t, result.SceneID, a.SceneID)
	}
	assert.Equal(t, "she leans in", byChar[fx.user.ID].Text)
	assert.Equal(t, "bold success", byChar[fx.user.ID].Outcome)
	assert.Contains(t, byChar[fx.mira.ID].Text, "Mira")

	// At least one event per executed step, all on the new turn index.
	counts := map[string]int{}
	for _, e := range fx.store.events {
		assert.Equal(t, 4, e.TurnIndex)
		counts[e.StepName]++
	}
	assert.Equal(t, 1, counts[models.StepTurn])
	assert.Equal(t, 1, counts[models.StepResolution])
	assert.Equal(t, 1, counts[models.StepDice])
	assert.Equal(t, 2, counts[models.StepReflection])
	assert.Equal(t, 1, counts[models.StepNarrator])
	assert.Equal(t, 1, counts[models.StepStateApply])

	require.Len(t, fx.notifier.calls, 1)
	assert.Equal(t, 4, fx.notifier.calls[0])
}

func TestExecuteTurnModelOutputEventsCarryModelKey(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	for _, e := range fx.store.events {
		if e.EventType != models.EventModelOutput {
			continue
		}
		assert.Equal(t, models.PromptVersion, e.PromptVersion)
		switch e.StepName {
		case models.StepNarrator:
			assert.Equal(t, "tier/large", e.ModelKey)
		default:
			assert.Equal(t, "tier/small", e.ModelKey)
		}
	}
}

func TestExecuteTurnIdempotentReplay(t *testing.T) {
	fx := newFixture(t)

	first, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)
	scenesAfterFirst := len(fx.store.scenes)

	second, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fx.steps.resolutionCalls, "replay must not re-run model steps")
	assert.Len(t, fx.store.scenes, scenesAfterFirst, "replay must not commit a second scene")
}

func TestExecuteTurnReplayFallsThroughCacheToStore(t *testing.T) {
	fx := newFixture(t)
	stored := models.TurnResult{
		SessionID:  fx.session.ID,
		SceneID:    fx.scene.ID,
		SceneIndex: 3,
		Narration:  "already told",
		SceneState: fx.scene.State,
	}
	fx.store.results[resultKey(fx.session.ID, "ua-old")] = stored

	result, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "anything", "ua-old")
	require.NoError(t, err)
	assert.Equal(t, &stored, result)
	assert.Zero(t, fx.steps.resolutionCalls)

	// The hit is backfilled into the cache.
	cached, err := fx.cache.Get(context.Background(), fx.session.ID, "ua-old")
	require.NoError(t, err)
	assert.Equal(t, &stored, cached)
}

func TestExecuteTurnEmptyActionRejected(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "", "ua-1")
	var failure *models.TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.FailureValidation, failure.Kind)
	assert.Zero(t, fx.steps.resolutionCalls)
}

func TestExecuteTurnValidationFailureLeavesNoWrites(t *testing.T) {
	fx := newFixture(t)
	fx.steps.resolutionFn = func(interfaces.ResolutionInput) (*interfaces.ResolutionResult, error) {
		return nil, fmt.Errorf("%w: observation importance 9 out of range after retry", models.ErrValidationFailure)
	}

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	var failure *models.TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.FailureValidation, failure.Kind)
	assert.Equal(t, models.StepResolution, failure.Step)

	assert.Len(t, fx.store.scenes, 1, "scene_index must not advance")
	assert.Empty(t, fx.store.observations)
	assert.Empty(t, fx.store.actions)
	assert.Equal(t, fx.scene.ID, fx.store.sessions[fx.session.ID].CurrentSceneID)

	// Only the diagnostic error event is persisted.
	require.Len(t, fx.store.events, 1)
	assert.Equal(t, models.EventError, fx.store.events[0].EventType)
	assert.Equal(t, 4, fx.store.events[0].TurnIndex)
}

func TestExecuteTurnTransportFailure(t *testing.T) {
	fx := newFixture(t)
	fx.steps.narratorFn = func(interfaces.NarratorInput) (*interfaces.NarratorResult, error) {
		return nil, fmt.Errorf("%w: provider down", models.ErrTransport)
	}

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	var failure *models.TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.FailureTransport, failure.Kind)
	assert.Equal(t, models.StepNarrator, failure.Step)
	assert.Len(t, fx.store.scenes, 1)
}

// commitCompetingScene simulates another turn winning the race: it commits a
// scene at the next index and moves the session pointer to it.
func commitCompetingScene(f *fakeStore, sessionID uuid.UUID) {
	session := f.sessions[sessionID]
	current := f.scenes[session.CurrentSceneID]
	competitor := models.Scene{
		ID:                  uuid.New(),
		SessionID:           sessionID,
		SceneIndex:          current.SceneIndex + 1,
		State:               current.State,
		PresentCharacterIDs: current.PresentCharacterIDs,
		Narration:           "someone else's turn",
		CreatedAt:           time.Now().UTC(),
	}
	f.scenes[competitor.ID] = competitor
	session.CurrentSceneID = competitor.ID
	f.sessions[sessionID] = session
}

func TestExecuteTurnRestartsAfterConcurrencyConflict(t *testing.T) {
	fx := newFixture(t)
	conflicted := false
	fx.store.beforeTx = func(f *fakeStore) {
		if conflicted {
			return
		}
		conflicted = true
		commitCompetingScene(f, fx.session.ID)
	}

	result, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	// The competitor committed index 4; the restarted turn reloaded it and
	// committed index 5. No duplicate index exists.
	assert.Equal(t, 5, result.SceneIndex)
	assert.Equal(t, 2, fx.steps.resolutionCalls, "restart re-runs the steps from a fresh snapshot")

	indexes := map[int]int{}
	for _, scene := range fx.store.scenes {
		indexes[scene.SceneIndex]++
	}
	assert.Equal(t, map[int]int{3: 1, 4: 1, 5: 1}, indexes)
	assert.Equal(t, result.SceneID, fx.store.sessions[fx.session.ID].CurrentSceneID)
}

func TestExecuteTurnRestartsWhenSceneIndexAlreadyCommitted(t *testing.T) {
	fx := newFixture(t)
	competitorID := uuid.New()
	attempt := 0
	fx.store.beforeTx = func(f *fakeStore) {
		attempt++
		switch attempt {
		case 1:
			// The winner's scene row is visible before its pointer swap: the
			// guarded update still passes and it is the scene insert that
			// collides, on the (session_id, scene_index) unique index.
			session := f.sessions[fx.session.ID]
			current := f.scenes[session.CurrentSceneID]
			f.scenes[competitorID] = models.Scene{
				ID:                  competitorID,
				SessionID:           fx.session.ID,
				SceneIndex:          current.SceneIndex + 1,
				State:               current.State,
				PresentCharacterIDs: current.PresentCharacterIDs,
				Narration:           "someone else's turn",
				CreatedAt:           time.Now().UTC(),
			}
		case 2:
			// By the second commit the winner's pointer swap is visible too.
			session := f.sessions[fx.session.ID]
			session.CurrentSceneID = competitorID
			f.sessions[fx.session.ID] = session
		}
	}

	result, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	// Attempt 1 collides on the index, attempt 2 on the now-visible pointer,
	// attempt 3 commits on top of the winner.
	assert.Equal(t, 5, result.SceneIndex)
	assert.Equal(t, 3, fx.steps.resolutionCalls, "index collision restarts like a pointer conflict")
	assert.Equal(t, result.SceneID, fx.store.sessions[fx.session.ID].CurrentSceneID)
}

func TestExecuteTurnConcurrencyBudgetExhausted(t *testing.T) {
	fx := newFixture(t)
	fx.store.beforeTx = func(f *fakeStore) {
		commitCompetingScene(f, fx.session.ID)
	}

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	var failure *models.TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.FailureConcurrency, failure.Kind)
	assert.Equal(t, 1+maxConcurrencyRestarts, fx.steps.resolutionCalls)
}

func TestExecuteTurnOperationRejectionIsAllOrNothing(t *testing.T) {
	fx := newFixture(t)
	fx.steps.narratorFn = func(interfaces.NarratorInput) (*interfaces.NarratorResult, error) {
		return &interfaces.NarratorResult{
			Output: &models.NarratorOutput{
				Narration: "impossible things happen",
				StateOps: []stateops.Operation{
					{Op: stateops.OpDec, Path: "minutes_left", Value: 1},
					{Op: stateops.OpSet, Path: "weather", Value: "storm"},
				},
			},
			RawDoc: json.RawMessage(`{}`),
		}, nil
	}

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	var failure *models.TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.FailureOperation, failure.Kind)
	assert.Equal(t, models.StepStateApply, failure.Step)

	// The valid first op must not leak through.
	assert.Equal(t, 10.0, minutesLeft(t, fx.store.scenes[fx.scene.ID].State))
	assert.Len(t, fx.store.scenes, 1)
	assert.Empty(t, fx.store.actions)
}

func TestExecuteTurnCommitFailureRollsBackEverything(t *testing.T) {
	fx := newFixture(t)
	fx.store.failEventCreate = true

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	var failure *models.TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.FailureInternal, failure.Kind)

	assert.Len(t, fx.store.scenes, 1)
	assert.Empty(t, fx.store.actions)
	assert.Empty(t, fx.store.observations)
	assert.Empty(t, fx.store.results)
	assert.Equal(t, fx.scene.ID, fx.store.sessions[fx.session.ID].CurrentSceneID)
}

func TestExecuteTurnReinforcesDuplicateObservation(t *testing.T) {
	fx := newFixture(t)
	fx.store.observations = append(fx.store.observations, models.Observation{
		ID:          uuid.New(),
		SessionID:   fx.session.ID,
		CharacterID: fx.mira.ID,
		Content:     "She hates thunder",
		Importance:  3,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	})
	fx.steps.narratorFn = func(interfaces.NarratorInput) (*interfaces.NarratorResult, error) {
		return &interfaces.NarratorResult{
			Output: &models.NarratorOutput{
				Narration: "Thunder rolls outside.",
				Observations: []models.NewObservation{
					{CharacterID: fx.mira.ID, Content: "She hates thunder", Importance: 3},
					{CharacterID: fx.joran.ID, Content: "He counts the seconds between flashes", Importance: 2},
				},
			},
			RawDoc: json.RawMessage(`{}`),
		}, nil
	}

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	var miraRows, joranRows []models.Observation
	for _, obs := range fx.store.observations {
		switch obs.CharacterID {
		case fx.mira.ID:
			miraRows = append(miraRows, obs)
		case fx.joran.ID:
			joranRows = append(joranRows, obs)
		}
	}
	require.Len(t, miraRows, 1, "duplicate content reinforces instead of duplicating")
	assert.Equal(t, 1, miraRows[0].ReinforcementCount)
	require.Len(t, joranRows, 1)
	assert.Equal(t, 0, joranRows[0].ReinforcementCount)
}

func TestExecuteTurnCarriesRelationsForward(t *testing.T) {
	fx := newFixture(t)
	low, high := models.NormalizeRelationPair(fx.mira.ID, fx.joran.ID)
	fx.store.relations = append(fx.store.relations, models.Relation{
		ID:      uuid.New(),
		SceneID: fx.scene.ID, CharLowID: low, CharHighID: high,
		Trust: 4, Tension: 2, Closeness: 5,
	})

	result, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	var carried []models.Relation
	for _, rel := range fx.store.relations {
		if rel.SceneID == result.SceneID {
			carried = append(carried, rel)
		}
	}
	require.Len(t, carried, 1)
	assert.Equal(t, low, carried[0].CharLowID)
	assert.Equal(t, high, carried[0].CharHighID)
	assert.Equal(t, 4, carried[0].Trust)
}

func TestExecuteTurnReflectsOnlyNonUserCharacters(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.ExecuteTurn(context.Background(), fx.session.ID, "she leans in", "ua-1")
	require.NoError(t, err)

	assert.Equal(t, 2, fx.steps.reflectionCalls)
	assert.ElementsMatch(t, []uuid.UUID{fx.mira.ID, fx.joran.ID}, fx.steps.reflectedIDs)
	assert.NotContains(t, fx.steps.reflectedIDs, fx.user.ID)
}

func TestExecuteTurnUnknownSessionPassesThrough(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.ExecuteTurn(context.Background(), uuid.New(), "she leans in", "ua-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	var failure *models.TurnFailure
	assert.False(t, errors.As(err, &failure), "precondition errors stay untyped")
}
