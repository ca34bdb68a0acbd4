package nn

import (
	"fmt"
	"math"
)

// Adam holds first and second moment estimates for one network.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	device *Device
	step   int
	m      [][]float64
	v      [][]float64
	freed  bool
}

// NewAdam allocates optimizer state for n with the usual beta and epsilon defaults.
func NewAdam(device *Device, n *Network, learningRate float64) (*Adam, error) {
	a := &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		device:       device,
	}
	for _, p := range n.params() {
		m, err := device.Alloc(len(p))
		if err != nil {
			a.Free()
			return nil, err
		}
		a.m = append(a.m, m)
		v, err := device.Alloc(len(p))
		if err != nil {
			device.Release(m)
			a.m = a.m[:len(a.m)-1]
			a.Free()
			return nil, err
		}
		a.v = append(a.v, v)
	}
	return a, nil
}

// Step applies the accumulated gradients of n and clears them.
func (a *Adam) Step(n *Network) error {
	if a.freed || n.freed {
		return ErrFreed
	}
	params, grads := n.params(), n.grads()
	if len(params) != len(a.m) {
		return fmt.Errorf("%w: optimizer built for a different network", ErrArchitectureMismatch)
	}

	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for j := range p {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			p[j] -= a.LearningRate * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Epsilon)
		}
	}
	n.ZeroGrad()
	return nil
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int {
	return a.step
}

// Free returns the moment storage to the device.
func (a *Adam) Free() {
	if a.freed {
		return
	}
	a.freed = true
	for _, m := range a.m {
		a.device.Release(m)
	}
	for _, v := range a.v {
		a.device.Release(v)
	}
}
