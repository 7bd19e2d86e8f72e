package nn

import (
	"github.com/samcharles93/dgrna/internal/tensor"
)

// Norm is a LayerNorm or RMSNorm over the last dimension. RMSNorm has no bias.
type Norm struct {
	Kind   tensor.NormKind
	Weight []float32
	Bias   []float32
	Eps    float32
}

// NewNorm returns a norm with unit weight and zero bias.
func NewNorm(kind tensor.NormKind, dim int, eps float32) *Norm {
	n := &Norm{Kind: kind, Weight: make([]float32, dim), Eps: eps}
	for i := range n.Weight {
		n.Weight[i] = 1
	}
	if kind == tensor.LayerNormKind {
		n.Bias = make([]float32, dim)
	}
	return n
}

func (n *Norm) Dim() int { return len(n.Weight) }

// Forward normalizes every row of x into dst and rounds to the exec dtype.
func (n *Norm) Forward(e Exec, dst, x []float32) {
	dim := n.Dim()
	for off := 0; off+dim <= len(x); off += dim {
		tensor.NormRow(n.Kind, dst[off:off+dim], x[off:off+dim], n.Weight, n.Bias, n.Eps)
	}
	e.DType.Round(dst[:len(x)])
}

// AddNormArgs describes this norm for the fused kernel.
func (n *Norm) AddNormArgs(dtype tensor.DType, residualInFP32 bool) tensor.AddNormArgs {
	return tensor.AddNormArgs{
		Kind:           n.Kind,
		Weight:         n.Weight,
		Bias:           n.Bias,
		Eps:            n.Eps,
		DType:          dtype,
		ResidualInFP32: residualInFP32,
	}
}

func (n *Norm) Params(prefix string) []*Param {
	ps := []*Param{vecParam(Join(prefix, "weight"), n.Weight, RoleNorm)}
	if n.Bias != nil {
		ps = append(ps, vecParam(Join(prefix, "bias"), n.Bias, RoleNorm))
	}
	return ps
}
