package nn

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer draws parameter values from one seeded source. It is not safe
// for concurrent use.
type Initializer struct {
	src rand.Source
}

func NewInitializer(seed uint64) *Initializer {
	return &Initializer{src: rand.NewSource(seed)}
}

// Normal fills x from N(mean, std).
func (in *Initializer) Normal(x []float32, mean, std float64) {
	d := distuv.Normal{Mu: mean, Sigma: std, Src: in.src}
	for i := range x {
		x[i] = float32(d.Rand())
	}
}

// Uniform fills x from U(lo, hi).
func (in *Initializer) Uniform(x []float32, lo, hi float64) {
	d := distuv.Uniform{Min: lo, Max: hi, Src: in.src}
	for i := range x {
		x[i] = float32(d.Rand())
	}
}

// KaimingUniform matches torch.nn.init.kaiming_uniform_(a=sqrt(5)), which
// reduces to U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func (in *Initializer) KaimingUniform(x []float32, fanIn int) {
	if fanIn <= 0 {
		fanIn = 1
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	in.Uniform(x, -bound, bound)
}

// Fill sets every element of x to v.
func Fill(x []float32, v float32) {
	for i := range x {
		x[i] = v
	}
}

// Default applies the stock PyTorch initialization of a freshly constructed
// layer: kaiming-uniform weights, biases in U(-1/sqrt(fan_in), 1/sqrt(fan_in)),
// N(0, 1) embeddings, unit norm weights. State-space tensors are left to the
// owning mixer.
func (in *Initializer) Default(params []*Param) {
	for _, p := range params {
		switch p.Role {
		case RoleWeight, RoleResidualOut:
			in.KaimingUniform(p.Data, p.FanIn)
		case RoleBias:
			in.KaimingUniform(p.Data, p.FanIn)
		case RoleEmbedding:
			in.Normal(p.Data, 0, 1)
		}
	}
}
