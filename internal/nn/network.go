// Package nn implements the fully connected networks used by the
// actor-critic: forward and backward passes over gonum matrices, Adam and
// Polyak averaging. All parameter storage is charged to a Device.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when an input or gradient has the wrong shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrArchitectureMismatch is returned when two networks or a parameter
	// vector do not share the same architecture.
	ErrArchitectureMismatch = errors.New("architecture mismatch")
	// ErrFreed is returned when using a network after Free.
	ErrFreed = errors.New("network freed")
)

// Spec describes an MLP with NumLayers hidden layers of HiddenDim units.
type Spec struct {
	InputDim  int
	OutputDim int
	HiddenDim int
	NumLayers int
	Hidden    Activation
	Output    Activation
}

// Validate checks that every dimension is positive and both activations are set.
func (s Spec) Validate() error {
	if s.InputDim <= 0 || s.OutputDim <= 0 || s.HiddenDim <= 0 || s.NumLayers <= 0 {
		return fmt.Errorf("invalid network spec %+v", s)
	}
	if s.Hidden.Func == nil || s.Output.Func == nil {
		return errors.New("network spec requires hidden and output activations")
	}
	return nil
}

// Layer is one affine transform followed by an activation. Weights are
// In x Out so a batch row-vector input multiplies on the left.
type Layer struct {
	In         int
	Out        int
	Weights    *mat.Dense
	Bias       []float64
	Activation Activation

	weightData []float64
	weightGrad []float64
	biasGrad   []float64
}

// Network is a multilayer perceptron.
type Network struct {
	spec   Spec
	layers []*Layer
	device *Device
	freed  bool
}

// Scratch holds the intermediate values of one forward pass for backward.
type Scratch struct {
	inputs []*mat.Dense
	pre    []*mat.Dense
	post   []*mat.Dense
}

// New allocates a network on device with Kaiming-uniform weights drawn from
// rng and zero biases.
func New(device *Device, spec Spec, rng *rand.Rand) (*Network, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	n := &Network{spec: spec, device: device}
	in := spec.InputDim
	for i := 0; i <= spec.NumLayers; i++ {
		out, act := spec.HiddenDim, spec.Hidden
		if i == spec.NumLayers {
			out, act = spec.OutputDim, spec.Output
		}
		layer, err := newLayer(device, in, out, act)
		if err != nil {
			n.Free()
			return nil, err
		}
		layer.init(rng)
		n.layers = append(n.layers, layer)
		in = out
	}
	return n, nil
}

func newLayer(device *Device, in, out int, act Activation) (*Layer, error) {
	l := &Layer{In: in, Out: out, Activation: act}
	var err error
	if l.weightData, err = device.Alloc(in * out); err != nil {
		return nil, err
	}
	if l.Bias, err = device.Alloc(out); err != nil {
		device.Release(l.weightData)
		return nil, err
	}
	if l.weightGrad, err = device.Alloc(in * out); err != nil {
		device.Release(l.weightData)
		device.Release(l.Bias)
		return nil, err
	}
	if l.biasGrad, err = device.Alloc(out); err != nil {
		device.Release(l.weightData)
		device.Release(l.Bias)
		device.Release(l.weightGrad)
		return nil, err
	}
	l.Weights = mat.NewDense(in, out, l.weightData)
	return l, nil
}

func (l *Layer) init(rng *rand.Rand) {
	bound := l.Activation.gain() * math.Sqrt(3/float64(l.In))
	for i := range l.weightData {
		l.weightData[i] = (2*rng.Float64() - 1) * bound
	}
}

// Spec returns the architecture the network was built with.
func (n *Network) Spec() Spec {
	return n.spec
}

// Layers exposes the layers for inspection.
func (n *Network) Layers() []*Layer {
	return n.layers
}

// Evaluate runs a batch (rows) through the network without recording
// anything for backward.
func (n *Network) Evaluate(input mat.Matrix) (*mat.Dense, error) {
	if err := n.checkInput(input); err != nil {
		return nil, err
	}
	x := mat.DenseCopyOf(input)
	for _, l := range n.layers {
		_, x = l.forward(x)
	}
	return x, nil
}

// Forward runs a batch through the network and records activations in s.
func (n *Network) Forward(input mat.Matrix, s *Scratch) (*mat.Dense, error) {
	if err := n.checkInput(input); err != nil {
		return nil, err
	}
	s.inputs = s.inputs[:0]
	s.pre = s.pre[:0]
	s.post = s.post[:0]

	x := mat.DenseCopyOf(input)
	for _, l := range n.layers {
		z, a := l.forward(x)
		s.inputs = append(s.inputs, x)
		s.pre = append(s.pre, z)
		s.post = append(s.post, a)
		x = a
	}
	return x, nil
}

// Backward propagates dOut (the loss gradient with respect to the output
// recorded in s), accumulates parameter gradients and returns the gradient
// with respect to the input.
func (n *Network) Backward(s *Scratch, dOut mat.Matrix) (*mat.Dense, error) {
	return n.backprop(s, dOut, true)
}

// InputGradient is Backward without touching the parameter gradients.
func (n *Network) InputGradient(s *Scratch, dOut mat.Matrix) (*mat.Dense, error) {
	return n.backprop(s, dOut, false)
}

func (n *Network) backprop(s *Scratch, dOut mat.Matrix, accumulate bool) (*mat.Dense, error) {
	if n.freed {
		return nil, ErrFreed
	}
	if len(s.post) != len(n.layers) {
		return nil, fmt.Errorf("%w: scratch holds %d layers, network has %d", ErrShapeMismatch, len(s.post), len(n.layers))
	}
	or, oc := s.post[len(s.post)-1].Dims()
	if r, c := dOut.Dims(); r != or || c != oc {
		return nil, fmt.Errorf("%w: gradient %dx%d, output %dx%d", ErrShapeMismatch, r, c, or, oc)
	}

	grad := mat.DenseCopyOf(dOut)
	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		z := s.pre[i]
		rows, _ := z.Dims()

		dz := mat.NewDense(rows, l.Out, nil)
		dz.Apply(func(r, c int, v float64) float64 {
			return v * l.Activation.Derivative(z.At(r, c))
		}, grad)

		if accumulate {
			gw := mat.NewDense(l.In, l.Out, l.weightGrad)
			var delta mat.Dense
			delta.Mul(s.inputs[i].T(), dz)
			gw.Add(gw, &delta)
			for r := 0; r < rows; r++ {
				for c, v := range dz.RawRowView(r) {
					l.biasGrad[c] += v
				}
			}
		}

		prev := mat.NewDense(rows, l.In, nil)
		prev.Mul(dz, l.Weights.T())
		grad = prev
	}
	return grad, nil
}

func (l *Layer) forward(x mat.Matrix) (*mat.Dense, *mat.Dense) {
	rows, _ := x.Dims()
	z := mat.NewDense(rows, l.Out, nil)
	z.Mul(x, l.Weights)
	for r := 0; r < rows; r++ {
		row := z.RawRowView(r)
		for c := range row {
			row[c] += l.Bias[c]
		}
	}
	a := mat.NewDense(rows, l.Out, nil)
	a.Apply(func(_, _ int, v float64) float64 { return l.Activation.Func(v) }, z)
	return z, a
}

func (n *Network) checkInput(input mat.Matrix) error {
	if n.freed {
		return ErrFreed
	}
	if _, c := input.Dims(); c != n.spec.InputDim {
		return fmt.Errorf("%w: input has %d columns, want %d", ErrShapeMismatch, c, n.spec.InputDim)
	}
	return nil
}

// ZeroGrad clears accumulated parameter gradients.
func (n *Network) ZeroGrad() {
	for _, l := range n.layers {
		clear(l.weightGrad)
		clear(l.biasGrad)
	}
}

// params returns the parameter slices in a fixed order; grads matches it.
func (n *Network) params() [][]float64 {
	out := make([][]float64, 0, 2*len(n.layers))
	for _, l := range n.layers {
		out = append(out, l.weightData, l.Bias)
	}
	return out
}

func (n *Network) grads() [][]float64 {
	out := make([][]float64, 0, 2*len(n.layers))
	for _, l := range n.layers {
		out = append(out, l.weightGrad, l.biasGrad)
	}
	return out
}

// NumParameters returns the number of trainable parameters.
func (n *Network) NumParameters() int {
	total := 0
	for _, p := range n.params() {
		total += len(p)
	}
	return total
}

// Parameters returns a flat copy of every weight and bias.
func (n *Network) Parameters() []float64 {
	out := make([]float64, 0, n.NumParameters())
	for _, p := range n.params() {
		out = append(out, p...)
	}
	return out
}

// SetParameters overwrites every weight and bias from a flat vector
// produced by Parameters on a network of the same architecture.
func (n *Network) SetParameters(values []float64) error {
	if n.freed {
		return ErrFreed
	}
	if len(values) != n.NumParameters() {
		return fmt.Errorf("%w: %d parameters, want %d", ErrArchitectureMismatch, len(values), n.NumParameters())
	}
	offset := 0
	for _, p := range n.params() {
		offset += copy(p, values[offset:offset+len(p)])
	}
	return nil
}

// CopyFrom makes n's parameters identical to src's.
func (n *Network) CopyFrom(src *Network) error {
	return SoftUpdate(n, src, 1)
}

// SoftUpdate moves target toward source: p_t = tau*p_s + (1-tau)*p_t.
func SoftUpdate(target, source *Network, tau float64) error {
	if target.freed || source.freed {
		return ErrFreed
	}
	tp, sp := target.params(), source.params()
	if len(tp) != len(sp) {
		return ErrArchitectureMismatch
	}
	for i := range tp {
		if len(tp[i]) != len(sp[i]) {
			return ErrArchitectureMismatch
		}
		for j, v := range sp[i] {
			tp[i][j] = tau*v + (1-tau)*tp[i][j]
		}
	}
	return nil
}

// Free returns all storage to the device. It is safe to call twice.
func (n *Network) Free() {
	if n.freed {
		return
	}
	n.freed = true
	for _, l := range n.layers {
		n.device.Release(l.weightData)
		n.device.Release(l.Bias)
		n.device.Release(l.weightGrad)
		n.device.Release(l.biasGrad)
	}
}
