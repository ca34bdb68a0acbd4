// Package targetenv is a self-contained 2D reaching task: a point agent
// steers toward a target inside a square arena.
package targetenv

import (
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/config"
)

const (
	// ObservationDim is agent position (2), velocity (2), target position (2),
	// distance and normalized distance.
	ObservationDim = 8
	// ActionDim is the x/y movement direction.
	ActionDim = 2

	arrivalBonus = 100
	timePenalty  = 0.1

	placementAttempts = 64
)

type vec2 struct{ X, Y float64 }

func (v vec2) sub(o vec2) vec2 { return vec2{v.X - o.X, v.Y - o.Y} }
func (v vec2) add(o vec2) vec2 { return vec2{v.X + o.X, v.Y + o.Y} }
func (v vec2) scale(s float64) vec2 { return vec2{v.X * s, v.Y * s} }
func (v vec2) length() float64 { return math.Hypot(v.X, v.Y) }
func (v vec2) dist(o vec2) float64 { return v.sub(o).length() }

// Environment implements env.Environment, env.Truncator and env.EpisodeLimiter.
type Environment struct {
	mu     sync.Mutex
	cfg    config.TargetConfig
	rng    *rand.Rand
	logger zerolog.Logger

	agent        vec2
	previous     vec2
	velocity     vec2
	target       vec2
	distance     float64
	lastDistance float64

	step       int
	reward     float64
	terminated bool
	truncated  bool
}

// New creates an environment; call Reset before stepping. Zero fields of
// cfg take the DefaultTarget values.
func New(cfg config.TargetConfig, logger zerolog.Logger) *Environment {
	cfg = cfg.WithDefaults(config.DefaultTarget())
	return &Environment{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger.With().Str("component", "targetenv").Logger(),
	}
}

// Reset places the target and the agent at random, the agent never within
// two target radii of the target.
func (e *Environment) Reset() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.target = e.randomPosition()
	e.agent = e.startPosition()
	e.previous = e.agent
	e.velocity = vec2{}
	e.step = 0
	e.reward = 0
	e.terminated = false
	e.truncated = false
	e.updateState()
	e.lastDistance = e.distance
	return e.observationLocked()
}

// Step moves the agent along the action direction, clamped to the unit
// circle, at up to MaxSpeed for one time step.
func (e *Environment) Step(action []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(action) != ActionDim {
		e.logger.Error().Int("got", len(action)).Msg("invalid action dimension")
		return
	}
	if e.terminated || e.truncated {
		e.logger.Warn().Msg("step called on a finished episode, reset first")
		return
	}

	e.previous = e.agent
	e.lastDistance = e.distance

	move := vec2{action[0], action[1]}
	if l := move.length(); l > 1 {
		move = move.scale(1 / l)
	}
	e.agent = e.clamp(e.agent.add(move.scale(e.cfg.MaxSpeed * e.cfg.DeltaTime)))
	e.updateState()

	e.step++
	e.reward = (e.lastDistance - e.distance) * e.cfg.RewardScale
	if e.atTarget() {
		e.reward += arrivalBonus * e.cfg.RewardScale
	}
	e.reward -= timePenalty * e.cfg.RewardScale

	e.terminated = e.atTarget()
	capHit := e.cfg.MaxEpisodeLength > 0 && e.step >= e.cfg.MaxEpisodeLength
	e.truncated = capHit
	if e.terminated && !capHit {
		e.truncated = false
	}
}

// Observation implements env.Environment.
func (e *Environment) Observation() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observationLocked()
}

// Reward implements env.Environment.
func (e *Environment) Reward() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reward
}

// IsDone implements env.Environment.
func (e *Environment) IsDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// IsTruncated implements env.Truncator.
func (e *Environment) IsTruncated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.truncated
}

// MaxEpisodeSteps implements env.EpisodeLimiter.
func (e *Environment) MaxEpisodeSteps() int {
	return e.cfg.MaxEpisodeLength
}

// ObservationDim implements env.Environment.
func (e *Environment) ObservationDim() int { return ObservationDim }

// ActionDim implements env.Environment.
func (e *Environment) ActionDim() int { return ActionDim }

// Place overrides the agent and target positions, clamped to the arena.
func (e *Environment) Place(agentX, agentY, targetX, targetY float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent = e.clamp(vec2{agentX, agentY})
	e.previous = e.agent
	e.target = e.clamp(vec2{targetX, targetY})
	e.updateState()
	e.lastDistance = e.distance
}

// Distance returns the current agent-target distance.
func (e *Environment) Distance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distance
}

func (e *Environment) observationLocked() []float64 {
	arena := e.cfg.ArenaSize
	maxDistance := arena * math.Sqrt2
	return []float64{
		e.agent.X / arena,
		e.agent.Y / arena,
		clamp(e.velocity.X/e.cfg.MaxSpeed, -1, 1),
		clamp(e.velocity.Y/e.cfg.MaxSpeed, -1, 1),
		e.target.X / arena,
		e.target.Y / arena,
		e.distance,
		clamp(e.distance/maxDistance, 0, 1),
	}
}

func (e *Environment) updateState() {
	e.velocity = e.agent.sub(e.previous).scale(1 / e.cfg.DeltaTime)
	e.distance = e.agent.dist(e.target)
}

func (e *Environment) atTarget() bool {
	return e.distance <= e.cfg.TargetRadius
}

func (e *Environment) randomPosition() vec2 {
	a := e.cfg.ArenaSize
	return vec2{(2*e.rng.Float64() - 1) * a, (2*e.rng.Float64() - 1) * a}
}

// startPosition draws until the position is clear of the target and falls
// back to the arena corner farthest from it.
func (e *Environment) startPosition() vec2 {
	minDistance := 2 * e.cfg.TargetRadius
	for i := 0; i < placementAttempts; i++ {
		if p := e.randomPosition(); p.dist(e.target) >= minDistance {
			return p
		}
	}
	a := e.cfg.ArenaSize
	corner := vec2{a, a}
	if e.target.X > 0 {
		corner.X = -a
	}
	if e.target.Y > 0 {
		corner.Y = -a
	}
	if corner.dist(e.target) < minDistance {
		e.logger.Warn().
			Float64("arena_size", a).
			Float64("target_radius", e.cfg.TargetRadius).
			Msg("arena too small to start clear of the target")
	}
	return corner
}

func (e *Environment) clamp(v vec2) vec2 {
	a := e.cfg.ArenaSize
	return vec2{clamp(v.X, -a, a), clamp(v.Y, -a, a)}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
