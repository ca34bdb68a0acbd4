// Package envtest provides a deterministic environment for tests.
package envtest

import "sync"

// Scripted is an environment whose observations, rewards and episode ends
// follow fixed rules. The observation after k steps of an episode is k in
// every element.
type Scripted struct {
	ObsDim int
	ActDim int

	// ObservationLen overrides the length of returned observations when non-zero.
	ObservationLen int
	// StepReward is returned after every step.
	StepReward float64
	// TerminateAt ends the episode once the episode step reaches it; 0 never.
	TerminateAt int
	// TruncateAt reports truncation once the episode step reaches it; 0 never.
	TruncateAt int
	// Fault is reported through Err when set.
	Fault error

	mu          sync.Mutex
	resets      int
	steps       int
	episodeStep int
	lastAction  []float64
}

// Reset implements env.Environment.
func (s *Scripted) Reset() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.episodeStep = 0
	return s.observationLocked()
}

// Step implements env.Environment.
func (s *Scripted) Step(action []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps++
	s.episodeStep++
	s.lastAction = append(s.lastAction[:0], action...)
}

// Observation implements env.Environment.
func (s *Scripted) Observation() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observationLocked()
}

// Reward implements env.Environment.
func (s *Scripted) Reward() float64 { return s.StepReward }

// IsDone implements env.Environment.
func (s *Scripted) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TerminateAt > 0 && s.episodeStep >= s.TerminateAt
}

// IsTruncated implements env.Truncator.
func (s *Scripted) IsTruncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TruncateAt > 0 && s.episodeStep >= s.TruncateAt
}

// ObservationDim implements env.Environment.
func (s *Scripted) ObservationDim() int { return s.ObsDim }

// ActionDim implements env.Environment.
func (s *Scripted) ActionDim() int { return s.ActDim }

// Err implements env.Faulter.
func (s *Scripted) Err() error { return s.Fault }

// Resets returns how many times Reset was called.
func (s *Scripted) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Steps returns how many times Step was called.
func (s *Scripted) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// LastAction returns a copy of the most recent action.
func (s *Scripted) LastAction() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.lastAction...)
}

func (s *Scripted) observationLocked() []float64 {
	n := s.ObsDim
	if s.ObservationLen > 0 {
		n = s.ObservationLen
	}
	obs := make([]float64, n)
	for i := range obs {
		obs[i] = float64(s.episodeStep)
	}
	return obs
}
