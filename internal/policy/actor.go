package policy

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Evaluator maps observation rows to action rows.
type Evaluator interface {
	Evaluate(input mat.Matrix) (*mat.Dense, error)
}

// ActorPolicy follows a deterministic actor, optionally perturbed by
// zero-mean Gaussian exploration noise.
type ActorPolicy struct {
	actor    Evaluator
	noiseStd float64
	rng      *rand.Rand
}

// NewActor creates a policy around actor. noiseStd 0 disables exploration.
func NewActor(actor Evaluator, noiseStd float64, rng *rand.Rand) *ActorPolicy {
	return &ActorPolicy{actor: actor, noiseStd: noiseStd, rng: rng}
}

// SelectAction implements Policy interface
func (p *ActorPolicy) SelectAction(observation mat.Matrix) (*mat.Dense, error) {
	action, err := p.actor.Evaluate(observation)
	if err != nil {
		return nil, err
	}
	if p.noiseStd > 0 {
		action.Apply(func(_, _ int, v float64) float64 {
			return math.Max(-1, math.Min(1, v+p.rng.NormFloat64()*p.noiseStd))
		}, action)
	}
	return action, nil
}
