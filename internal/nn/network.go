// Package nn holds the fixed-topology feedforward networks evolved as agent
// policies.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// weightLimit bounds every weight and bias after a perturbation.
const weightLimit = 2 * math.Pi

var ErrShape = errors.New("network shape mismatch")

// Layer is one fully connected layer: out = f(W·in + b).
type Layer struct {
	W *mat.Dense
	B *mat.VecDense
}

// Network is a stack of fully connected layers. Hidden layers use the named
// activation; the output layer always uses tanh so actions land in [-1, 1].
type Network struct {
	Activation string
	Layers     []Layer

	hidden ActivationFunc
}

// NewNetwork builds a network for sizes = [inputs, hidden..., outputs] with
// weights drawn uniformly from [-1, 1].
func NewNetwork(rng *rand.Rand, sizes []int, activation string) (*Network, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if len(sizes) < 2 {
		return nil, fmt.Errorf("%w: need at least input and output sizes, got %v", ErrShape, sizes)
	}
	for _, n := range sizes {
		if n <= 0 {
			return nil, fmt.Errorf("%w: layer sizes must be > 0, got %v", ErrShape, sizes)
		}
	}
	fn, err := GetActivation(activation)
	if err != nil {
		return nil, err
	}

	net := &Network{Activation: activation, hidden: fn}
	for i := 1; i < len(sizes); i++ {
		in, out := sizes[i-1], sizes[i]
		w := make([]float64, out*in)
		for j := range w {
			w[j] = rng.Float64()*2 - 1
		}
		b := make([]float64, out)
		for j := range b {
			b[j] = rng.Float64()*2 - 1
		}
		net.Layers = append(net.Layers, Layer{W: mat.NewDense(out, in, w), B: mat.NewVecDense(out, b)})
	}
	return net, nil
}

func (n *Network) Inputs() int {
	_, c := n.Layers[0].W.Dims()
	return c
}

func (n *Network) Outputs() int {
	r, _ := n.Layers[len(n.Layers)-1].W.Dims()
	return r
}

// WeightCount counts weights and biases.
func (n *Network) WeightCount() int {
	total := 0
	for _, l := range n.Layers {
		r, c := l.W.Dims()
		total += r*c + r
	}
	return total
}

// Forward evaluates the network. Extra input values are ignored.
func (n *Network) Forward(input []float64) ([]float64, error) {
	if len(input) < n.Inputs() {
		return nil, fmt.Errorf("%w: got %d inputs, want %d", ErrShape, len(input), n.Inputs())
	}
	x := mat.NewVecDense(n.Inputs(), append([]float64(nil), input[:n.Inputs()]...))
	for i, l := range n.Layers {
		r, _ := l.W.Dims()
		y := mat.NewVecDense(r, nil)
		y.MulVec(l.W, x)
		y.AddVec(y, l.B)
		fn := n.hidden
		if i == len(n.Layers)-1 {
			fn = math.Tanh
		}
		for j := 0; j < r; j++ {
			y.SetVec(j, fn(y.AtVec(j)))
		}
		x = y
	}
	return append([]float64(nil), x.RawVector().Data...), nil
}

func (n *Network) Clone() *Network {
	out := &Network{Activation: n.Activation, hidden: n.hidden, Layers: make([]Layer, len(n.Layers))}
	for i, l := range n.Layers {
		out.Layers[i] = Layer{W: mat.DenseCopyOf(l.W), B: mat.VecDenseCopyOf(l.B)}
	}
	return out
}

// Perturb adds a uniform delta in [-maxDelta, maxDelta] to each parameter
// with probability 1/sqrt(WeightCount). At least one parameter always
// changes. It returns how many were perturbed.
func (n *Network) Perturb(rng *rand.Rand, maxDelta float64) (int, error) {
	if rng == nil {
		return 0, errors.New("random source is required")
	}
	if maxDelta <= 0 {
		return 0, errors.New("max delta must be > 0")
	}

	params := n.parameters()
	mp := 1 / math.Sqrt(float64(len(params)))
	perturbed := 0
	for _, p := range params {
		if rng.Float64() >= mp {
			continue
		}
		p.add((rng.Float64()*2 - 1) * maxDelta)
		perturbed++
	}
	if perturbed == 0 {
		params[rng.Intn(len(params))].add((rng.Float64()*2 - 1) * maxDelta)
		perturbed = 1
	}
	return perturbed, nil
}

// Weights flattens every layer as W row-major then B.
func (n *Network) Weights() []float64 {
	params := n.parameters()
	out := make([]float64, len(params))
	for i, p := range params {
		out[i] = p.get()
	}
	return out
}

type parameter struct {
	get func() float64
	set func(float64)
}

func (p parameter) add(delta float64) {
	p.set(Sat(p.get()+delta, weightLimit, -weightLimit))
}

func (n *Network) parameters() []parameter {
	params := make([]parameter, 0, n.WeightCount())
	for _, l := range n.Layers {
		w, b := l.W, l.B
		r, c := w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				params = append(params, parameter{
					get: func() float64 { return w.At(i, j) },
					set: func(v float64) { w.Set(i, j, v) },
				})
			}
		}
		for i := 0; i < r; i++ {
			params = append(params, parameter{
				get: func() float64 { return b.AtVec(i) },
				set: func(v float64) { b.SetVec(i, v) },
			})
		}
	}
	return params
}
