package nn

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrActivationNotFound is returned for an unknown activation name.
var ErrActivationNotFound = errors.New("activation not found")

// Activation is an elementwise nonlinearity and its derivative with respect
// to the pre-activation input.
type Activation struct {
	Name       string
	Func       func(x float64) float64
	Derivative func(x float64) float64
}

const leakySlope = 0.01

var activations = map[string]Activation{
	"identity": {
		Name:       "identity",
		Func:       func(x float64) float64 { return x },
		Derivative: func(float64) float64 { return 1 },
	},
	"relu": {
		Name: "relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		Derivative: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	},
	"leaky_relu": {
		Name: "leaky_relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return leakySlope * x
			}
			return x
		},
		Derivative: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return leakySlope
		},
	},
	"tanh": {
		Name: "tanh",
		Func: math.Tanh,
		Derivative: func(x float64) float64 {
			y := math.Tanh(x)
			return 1 - y*y
		},
	},
	"sigmoid": {
		Name: "sigmoid",
		Func: sigmoid,
		Derivative: func(x float64) float64 {
			s := sigmoid(x)
			return s * (1 - s)
		},
	},
}

// LookupActivation returns the activation registered under name.
func LookupActivation(name string) (Activation, error) {
	a, ok := activations[strings.ToLower(name)]
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return a, nil
}

// Identity, ReLU and Tanh are the activations the actor-critic networks use.
var (
	Identity = activations["identity"]
	ReLU     = activations["relu"]
	Tanh     = activations["tanh"]
)

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// gain returns the Kaiming gain for layers feeding into a.
func (a Activation) gain() float64 {
	switch a.Name {
	case "relu":
		return math.Sqrt2
	case "leaky_relu":
		return math.Sqrt(2 / (1 + leakySlope*leakySlope))
	default:
		return 1
	}
}
