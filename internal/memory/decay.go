// Package memory computes read-time priority for character observations.
// Decay is never persisted: the same stored row scores differently as it
// ages, and reinforcement only ever boosts the computed priority.
package memory

import (
	"math"
	"sort"
	"time"

	"fable-server/internal/models"
)

// DefaultLambda is the global decay constant per minute of observation age
// (half-life of roughly 26 hours). Rulesets may override it.
const DefaultLambda = 0.00045

// Reinforcement boost caps at 3 stacks of 15% each.
const (
	reinforcementCap   = 3
	reinforcementBoost = 0.15
)

// DecayWeight returns exp(-lambda * age_minutes) for an observation at now.
func DecayWeight(createdAt time.Time, now time.Time, lambda float64) float64 {
	if lambda <= 0 {
		lambda = DefaultLambda
	}
	age := now.Sub(createdAt).Minutes()
	if age < 0 {
		age = 0
	}
	return math.Exp(-lambda * age)
}

// Priority scores one observation for prompt assembly:
// importance * decay_weight * (1 + min(reinforcement, 3) * 0.15).
func Priority(obs *models.Observation, now time.Time, lambda float64) float64 {
	reinforcement := obs.ReinforcementCount
	if reinforcement > reinforcementCap {
		reinforcement = reinforcementCap
	}
	boost := 1 + float64(reinforcement)*reinforcementBoost
	return float64(obs.Importance) * DecayWeight(obs.CreatedAt, now, lambda) * boost
}

// Scored pairs an observation with its computed priority.
type Scored struct {
	Observation *models.Observation
	Priority    float64
}

// SelectTop returns the n highest-priority observations, ties broken by most
// recent created_at. The input slice is not modified.
func SelectTop(observations []*models.Observation, n int, now time.Time, lambda float64) []Scored {
	if n <= 0 || len(observations) == 0 {
		return nil
	}
	scored := make([]Scored, 0, len(observations))
	for _, obs := range observations {
		scored = append(scored, Scored{Observation: obs, Priority: Priority(obs, now, lambda)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Priority != scored[j].Priority {
			return scored[i].Priority > scored[j].Priority
		}
		return scored[i].Observation.CreatedAt.After(scored[j].Observation.CreatedAt)
	})
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored
}
