package nn

import (
	"github.com/samcharles93/dgrna/internal/tensor"
)

// GatedMLP computes fc2(y * silu(gate)) where [y | gate] = fc1(x).
type GatedMLP struct {
	FC1 *Linear // in -> 2*hidden
	FC2 *Linear // hidden -> out
}

func NewGatedMLP(in, hidden, out int) *GatedMLP {
	fc2 := NewLinear(hidden, out, false)
	fc2.ResidualOut = true
	return &GatedMLP{
		FC1: NewLinear(in, 2*hidden, false),
		FC2: fc2,
	}
}

func (m *GatedMLP) Hidden() int { return m.FC2.In() }

func (m *GatedMLP) Forward(e Exec, dst, x []float32, rows int) error {
	hidden := m.Hidden()
	h := make([]float32, rows*2*hidden)
	if err := m.FC1.Forward(e, h, x, rows); err != nil {
		return err
	}
	act := make([]float32, rows*hidden)
	for r := 0; r < rows; r++ {
		tensor.SiluAndMul(act[r*hidden:(r+1)*hidden], h[r*2*hidden:(r+1)*2*hidden])
	}
	e.DType.Round(act)
	return m.FC2.Forward(e, dst, act, rows)
}

func (m *GatedMLP) Params(prefix string) []*Param {
	return append(m.FC1.Params(Join(prefix, "fc1")), m.FC2.Params(Join(prefix, "fc2"))...)
}
