// Package env defines the capability contract an external simulator
// implements and the adapter that turns it into matrix-shaped steps.
package env

import "errors"

// DefaultMaxEpisodeSteps applies when neither the configuration nor the
// environment caps episode length.
const DefaultMaxEpisodeSteps = 1000

// ErrNoEnvironment is returned when the adapter has no environment bound.
var ErrNoEnvironment = errors.New("no environment bound")

// Environment is implemented by anything that can be reset and stepped with
// a continuous action vector.
type Environment interface {
	Reset() []float64
	Step(action []float64)
	Observation() []float64
	Reward() float64
	IsDone() bool
	ObservationDim() int
	ActionDim() int
}

// Truncator is implemented by environments that end episodes for reasons
// other than reaching a terminal state.
type Truncator interface {
	IsTruncated() bool
}

// EpisodeLimiter is implemented by environments with their own episode cap.
type EpisodeLimiter interface {
	MaxEpisodeSteps() int
}

// Faulter is implemented by environments whose calls can fail out of band,
// such as ones reached over the network.
type Faulter interface {
	Err() error
}
