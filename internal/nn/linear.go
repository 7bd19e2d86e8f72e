package nn

import (
	"fmt"

	"github.com/samcharles93/dgrna/internal/tensor"
)

// Linear maps In() features to Out() features: y = x·Wᵀ + b.
type Linear struct {
	Weight *tensor.Mat // [out, in]
	Bias   []float32   // nil when the layer has no bias

	// ResidualOut tags the weight for depth-scaled initialization.
	ResidualOut bool
	// NoReinitBias keeps the bias out of the zeroing pass.
	NoReinitBias bool
}

// NewLinear allocates a zeroed layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{Weight: tensor.NewMat(out, in)}
	if bias {
		l.Bias = make([]float32, out)
	}
	return l
}

func (l *Linear) In() int  { return l.Weight.C }
func (l *Linear) Out() int { return l.Weight.R }

// Forward projects rows input rows of x into dst.
func (l *Linear) Forward(e Exec, dst, x []float32, rows int) error {
	if len(x) != rows*l.In() {
		return fmt.Errorf("linear: input has %d values, want %d rows of %d", len(x), rows, l.In())
	}
	if len(dst) < rows*l.Out() {
		return fmt.Errorf("linear: output buffer has %d values, want %d", len(dst), rows*l.Out())
	}
	e.linear(l, dst, x, rows)
	return nil
}

func (l *Linear) Params(prefix string) []*Param {
	role := RoleWeight
	if l.ResidualOut {
		role = RoleResidualOut
	}
	ps := []*Param{matParam(Join(prefix, "weight"), l.Weight, role)}
	if l.Bias != nil {
		b := vecParam(Join(prefix, "bias"), l.Bias, RoleBias)
		b.FanIn = l.In()
		b.NoReinit = l.NoReinitBias
		ps = append(ps, b)
	}
	return ps
}

// Embedding is a lookup table of Weight.R vectors of Weight.C features.
type Embedding struct {
	Weight *tensor.Mat
}

func NewEmbedding(num, dim int) *Embedding {
	return &Embedding{Weight: tensor.NewMat(num, dim)}
}

// Forward gathers one row per id into a (batch, length, dim) tensor.
func (m *Embedding) Forward(ids [][]int) (*tensor.Tensor, error) {
	batch := len(ids)
	length := 0
	if batch > 0 {
		length = len(ids[0])
	}
	out := tensor.New(batch, length, m.Weight.C)
	for b, row := range ids {
		if len(row) != length {
			return nil, fmt.Errorf("embedding: row %d has length %d, want %d", b, len(row), length)
		}
		for l, id := range row {
			if id < 0 || id >= m.Weight.R {
				return nil, fmt.Errorf("embedding: token id %d at (%d, %d) out of range [0, %d)", id, b, l, m.Weight.R)
			}
			copy(out.At(b, l), m.Weight.Row(id))
		}
	}
	return out, nil
}

func (m *Embedding) Params(prefix string) []*Param {
	p := matParam(Join(prefix, "weight"), m.Weight, RoleEmbedding)
	p.FanIn = 0
	return []*Param{p}
}
