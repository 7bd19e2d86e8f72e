package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

const headNormEps = 1e-5

func activation(name string) (func(float32) float32, error) {
	switch strings.ToLower(name) {
	case "", "gelu":
		return tensor.Gelu, nil
	case "gelu_tanh", "gelu_new", "gelu_pytorch_tanh":
		return tensor.GeluTanh, nil
	case "relu":
		return tensor.Relu, nil
	case "silu", "swish":
		return tensor.Silu, nil
	case "tanh":
		return func(x float32) float32 { return float32(math.Tanh(float64(x))) }, nil
	default:
		return nil, configErr("unsupported activation_fn %q", name)
	}
}

// LMHead projects hidden states onto the vocabulary:
// dense -> activation -> layer norm -> x·Wᵀ + bias.
// Weight may be the embedding table itself; Bias is always owned by the head.
type LMHead struct {
	Dense     *nn.Linear
	Act       func(float32) float32
	LayerNorm *nn.Norm
	Weight    *tensor.Mat
	Bias      []float32
}

func NewLMHead(dModel, vocabSize int, act string) (*LMHead, error) {
	fn, err := activation(act)
	if err != nil {
		return nil, err
	}
	return &LMHead{
		Dense:     nn.NewLinear(dModel, dModel, true),
		Act:       fn,
		LayerNorm: nn.NewNorm(tensor.LayerNormKind, dModel, headNormEps),
		Weight:    tensor.NewMat(vocabSize, dModel),
		Bias:      make([]float32, vocabSize),
	}, nil
}

// Forward computes logits for x. When masked is non-nil only the selected
// positions are projected, gathered in row-major order into a (1, N, vocab)
// tensor.
func (h *LMHead) Forward(e nn.Exec, x *tensor.Tensor, masked [][]bool) (*tensor.Tensor, error) {
	dim := h.Dense.In()
	if x.Dim != dim {
		return nil, shapeErr("head expects %d features, got %d", dim, x.Dim)
	}
	if h.Weight.C != dim {
		return nil, shapeErr("head weight has %d columns, hidden state %d", h.Weight.C, dim)
	}

	batch, length := x.Batch, x.Len
	in := x.Data
	if masked != nil {
		sel, err := selectMasked(x, masked)
		if err != nil {
			return nil, err
		}
		batch, length, in = 1, len(sel)/dim, sel
	}
	rows := batch * length

	dense := make([]float32, rows*dim)
	if err := h.Dense.Forward(e, dense, in, rows); err != nil {
		return nil, shapeErr("head dense: %v", err)
	}
	for i, v := range dense {
		dense[i] = h.Act(v)
	}
	e.DType.Round(dense)
	normed := make([]float32, rows*dim)
	h.LayerNorm.Forward(e, normed, dense)

	vocab := h.Weight.R
	out := tensor.New(batch, length, vocab)
	e.Project(out.Data, normed, rows, h.Weight, h.Bias)
	return out, nil
}

func selectMasked(x *tensor.Tensor, masked [][]bool) ([]float32, error) {
	if len(masked) != x.Batch {
		return nil, shapeErr("mask has %d rows, hidden state batch is %d", len(masked), x.Batch)
	}
	var sel []float32
	for b, row := range masked {
		if len(row) != x.Len {
			return nil, shapeErr("mask row %d has length %d, want %d", b, len(row), x.Len)
		}
		for l, ok := range row {
			if ok {
				sel = append(sel, x.At(b, l)...)
			}
		}
	}
	return sel, nil
}

// Params lists the head parameters. The projection weight is reported even
// when tied, so both names appear in the state dict.
func (h *LMHead) Params(prefix string) []*nn.Param {
	ps := []*nn.Param{
		{Name: nn.Join(prefix, "weight"), Shape: h.Weight.Shape(), Data: h.Weight.Data, Role: nn.RoleWeight, FanIn: h.Weight.C},
		{Name: nn.Join(prefix, "bias"), Shape: []int{len(h.Bias)}, Data: h.Bias, Role: nn.RoleBias, FanIn: h.Weight.C},
	}
	ps = append(ps, h.Dense.Params(nn.Join(prefix, "dense"))...)
	return append(ps, h.LayerNorm.Params(nn.Join(prefix, "layer_norm"))...)
}

func (h *LMHead) String() string {
	return fmt.Sprintf("LMHead(d_model=%d, vocab=%d)", h.Dense.In(), h.Weight.R)
}
