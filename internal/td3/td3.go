// Package td3 implements the twin delayed deep deterministic policy
// gradient actor-critic: one actor, two critics and their target copies.
package td3

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/replay"
)

// Architecture fixes the shapes of every network.
type Architecture struct {
	ObservationDim int
	ActionDim      int
	HiddenDim      int
	NumLayers      int
	Activation     nn.Activation
}

// Params holds the learning hyperparameters.
type Params struct {
	Gamma              float64
	Tau                float64
	PolicyNoise        float64
	NoiseClip          float64
	PolicyDelay        int
	ActorLearningRate  float64
	CriticLearningRate float64
}

// FromConfig extracts the architecture and hyperparameters from cfg.
func FromConfig(cfg config.Training) (Architecture, Params, error) {
	act, err := nn.LookupActivation(cfg.Network.Activation)
	if err != nil {
		return Architecture{}, Params{}, err
	}
	arch := Architecture{
		ObservationDim: cfg.ObservationDim,
		ActionDim:      cfg.ActionDim,
		HiddenDim:      cfg.Network.HiddenDim,
		NumLayers:      cfg.Network.NumLayers,
		Activation:     act,
	}
	params := Params{
		Gamma:              cfg.Gamma,
		Tau:                cfg.Tau,
		PolicyNoise:        cfg.TargetPolicyNoise,
		NoiseClip:          cfg.TargetNoiseClip,
		PolicyDelay:        cfg.PolicyDelay,
		ActorLearningRate:  cfg.ActorLearningRate,
		CriticLearningRate: cfg.CriticLearningRate,
	}
	return arch, params, nil
}

func (a Architecture) actorSpec() nn.Spec {
	return nn.Spec{
		InputDim:  a.ObservationDim,
		OutputDim: a.ActionDim,
		HiddenDim: a.HiddenDim,
		NumLayers: a.NumLayers,
		Hidden:    a.Activation,
		Output:    nn.Tanh,
	}
}

func (a Architecture) criticSpec() nn.Spec {
	return nn.Spec{
		InputDim:  a.ObservationDim + a.ActionDim,
		OutputDim: 1,
		HiddenDim: a.HiddenDim,
		NumLayers: a.NumLayers,
		Hidden:    a.Activation,
		Output:    nn.Identity,
	}
}

// Losses reports the result of one update.
type Losses struct {
	Critic1      float64 `json:"critic_1"`
	Critic2      float64 `json:"critic_2"`
	Actor        float64 `json:"actor"`
	ActorUpdated bool    `json:"actor_updated"`
}

// ActorCritic owns the six networks and three optimizers.
type ActorCritic struct {
	arch   Architecture
	params Params

	Actor         *nn.Network
	Critic1       *nn.Network
	Critic2       *nn.Network
	TargetActor   *nn.Network
	TargetCritic1 *nn.Network
	TargetCritic2 *nn.Network

	actorOpt   *nn.Adam
	critic1Opt *nn.Adam
	critic2Opt *nn.Adam

	actorScratch  nn.Scratch
	criticScratch nn.Scratch

	rng     *rand.Rand
	updates int
}

// New allocates every network on device. Online networks are initialized
// independently from rng; targets start as exact copies. On failure
// everything allocated so far is released.
func New(device *nn.Device, arch Architecture, params Params, rng *rand.Rand) (ac *ActorCritic, err error) {
	ac = &ActorCritic{arch: arch, params: params, rng: rng}
	defer func() {
		if err != nil {
			ac.Free()
			ac = nil
		}
	}()

	if ac.Actor, err = nn.New(device, arch.actorSpec(), rng); err != nil {
		return ac, fmt.Errorf("actor: %w", err)
	}
	if ac.Critic1, err = nn.New(device, arch.criticSpec(), rng); err != nil {
		return ac, fmt.Errorf("critic 1: %w", err)
	}
	if ac.Critic2, err = nn.New(device, arch.criticSpec(), rng); err != nil {
		return ac, fmt.Errorf("critic 2: %w", err)
	}
	if ac.TargetActor, err = nn.New(device, arch.actorSpec(), rng); err != nil {
		return ac, fmt.Errorf("target actor: %w", err)
	}
	if ac.TargetCritic1, err = nn.New(device, arch.criticSpec(), rng); err != nil {
		return ac, fmt.Errorf("target critic 1: %w", err)
	}
	if ac.TargetCritic2, err = nn.New(device, arch.criticSpec(), rng); err != nil {
		return ac, fmt.Errorf("target critic 2: %w", err)
	}
	if err = ac.SyncTargets(); err != nil {
		return ac, err
	}

	if ac.actorOpt, err = nn.NewAdam(device, ac.Actor, params.ActorLearningRate); err != nil {
		return ac, fmt.Errorf("actor optimizer: %w", err)
	}
	if ac.critic1Opt, err = nn.NewAdam(device, ac.Critic1, params.CriticLearningRate); err != nil {
		return ac, fmt.Errorf("critic 1 optimizer: %w", err)
	}
	if ac.critic2Opt, err = nn.NewAdam(device, ac.Critic2, params.CriticLearningRate); err != nil {
		return ac, fmt.Errorf("critic 2 optimizer: %w", err)
	}
	return ac, nil
}

// Architecture returns the network shapes.
func (ac *ActorCritic) Architecture() Architecture {
	return ac.arch
}

// Updates returns how many critic updates have been applied.
func (ac *ActorCritic) Updates() int {
	return ac.updates
}

// Act evaluates the actor on a batch of observation rows. Outputs lie in [-1, 1].
func (ac *ActorCritic) Act(observations mat.Matrix) (*mat.Dense, error) {
	return ac.Actor.Evaluate(observations)
}

// SyncTargets copies every online network into its target.
func (ac *ActorCritic) SyncTargets() error {
	for _, pair := range ac.targetPairs() {
		if err := pair[0].CopyFrom(pair[1]); err != nil {
			return err
		}
	}
	return nil
}

// Update performs one TD3 step on batch: both critics regress toward the
// clipped double-Q target; every PolicyDelay updates the actor follows the
// first critic's gradient and the targets are Polyak-averaged.
func (ac *ActorCritic) Update(batch *replay.Batch) (Losses, error) {
	var losses Losses
	n := batch.Size()
	if n == 0 {
		return losses, fmt.Errorf("empty batch")
	}
	scale := 1 / float64(n)

	// Target: y = r + gamma * (1 - done) * min(Q1', Q2')(s', clip(pi'(s') + eps))
	nextActions, err := ac.TargetActor.Evaluate(batch.NextObservations)
	if err != nil {
		return losses, fmt.Errorf("target actor: %w", err)
	}
	nextActions.Apply(func(_, _ int, v float64) float64 {
		noise := clamp(ac.rng.NormFloat64()*ac.params.PolicyNoise, -ac.params.NoiseClip, ac.params.NoiseClip)
		return clamp(v+noise, -1, 1)
	}, nextActions)

	var nextInput mat.Dense
	nextInput.Augment(batch.NextObservations, nextActions)
	q1Next, err := ac.TargetCritic1.Evaluate(&nextInput)
	if err != nil {
		return losses, fmt.Errorf("target critic 1: %w", err)
	}
	q2Next, err := ac.TargetCritic2.Evaluate(&nextInput)
	if err != nil {
		return losses, fmt.Errorf("target critic 2: %w", err)
	}

	targets := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		bootstrap := math.Min(q1Next.At(i, 0), q2Next.At(i, 0))
		targets.Set(i, 0, batch.Rewards.AtVec(i)+ac.params.Gamma*(1-batch.Dones.AtVec(i))*bootstrap)
	}

	var input mat.Dense
	input.Augment(batch.Observations, batch.Actions)
	if losses.Critic1, err = ac.regress(ac.Critic1, ac.critic1Opt, &input, targets, scale); err != nil {
		return losses, fmt.Errorf("critic 1: %w", err)
	}
	if losses.Critic2, err = ac.regress(ac.Critic2, ac.critic2Opt, &input, targets, scale); err != nil {
		return losses, fmt.Errorf("critic 2: %w", err)
	}
	ac.updates++

	if ac.updates%ac.params.PolicyDelay != 0 {
		return losses, nil
	}

	if losses.Actor, err = ac.improvePolicy(batch.Observations, scale); err != nil {
		return losses, fmt.Errorf("actor: %w", err)
	}
	losses.ActorUpdated = true

	for _, pair := range ac.targetPairs() {
		if err := nn.SoftUpdate(pair[0], pair[1], ac.params.Tau); err != nil {
			return losses, err
		}
	}
	return losses, nil
}

// regress takes one Adam step on the mean squared error between the
// critic's output and targets.
func (ac *ActorCritic) regress(critic *nn.Network, opt *nn.Adam, input mat.Matrix, targets *mat.Dense, scale float64) (float64, error) {
	q, err := critic.Forward(input, &ac.criticScratch)
	if err != nil {
		return 0, err
	}

	var diff mat.Dense
	diff.Sub(q, targets)
	loss := mat.Dot(diff.ColView(0), diff.ColView(0)) * scale

	diff.Scale(2*scale, &diff)
	if _, err := critic.Backward(&ac.criticScratch, &diff); err != nil {
		return 0, err
	}
	return loss, opt.Step(critic)
}

// improvePolicy ascends Q1(s, pi(s)) with respect to the actor parameters.
func (ac *ActorCritic) improvePolicy(observations mat.Matrix, scale float64) (float64, error) {
	actions, err := ac.Actor.Forward(observations, &ac.actorScratch)
	if err != nil {
		return 0, err
	}

	var input mat.Dense
	input.Augment(observations, actions)
	q, err := ac.Critic1.Forward(&input, &ac.criticScratch)
	if err != nil {
		return 0, err
	}
	rows, _ := q.Dims()
	loss := -mat.Sum(q) * scale

	dq := mat.NewDense(rows, 1, nil)
	dq.Apply(func(_, _ int, _ float64) float64 { return -scale }, dq)
	dInput, err := ac.Critic1.InputGradient(&ac.criticScratch, dq)
	if err != nil {
		return 0, err
	}

	obsDim := ac.arch.ObservationDim
	dActions := mat.DenseCopyOf(dInput.Slice(0, rows, obsDim, obsDim+ac.arch.ActionDim))
	if _, err := ac.Actor.Backward(&ac.actorScratch, dActions); err != nil {
		return 0, err
	}
	return loss, ac.actorOpt.Step(ac.Actor)
}

func (ac *ActorCritic) targetPairs() [][2]*nn.Network {
	return [][2]*nn.Network{
		{ac.TargetActor, ac.Actor},
		{ac.TargetCritic1, ac.Critic1},
		{ac.TargetCritic2, ac.Critic2},
	}
}

// Named returns every network keyed by a stable name.
func (ac *ActorCritic) Named() map[string]*nn.Network {
	return map[string]*nn.Network{
		"actor":           ac.Actor,
		"critic_1":        ac.Critic1,
		"critic_2":        ac.Critic2,
		"target_actor":    ac.TargetActor,
		"target_critic_1": ac.TargetCritic1,
		"target_critic_2": ac.TargetCritic2,
	}
}

// Free releases every network and optimizer. It tolerates partially built values.
func (ac *ActorCritic) Free() {
	for _, opt := range []*nn.Adam{ac.actorOpt, ac.critic1Opt, ac.critic2Opt} {
		if opt != nil {
			opt.Free()
		}
	}
	for _, net := range []*nn.Network{ac.Actor, ac.Critic1, ac.Critic2, ac.TargetActor, ac.TargetCritic1, ac.TargetCritic2} {
		if net != nil {
			net.Free()
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
