package nn

import "github.com/samcharles93/dgrna/internal/tensor"

// Ops are the kernels a forward pass dispatches to.
type Ops interface {
	Linear(dst, x []float32, rows int, w *tensor.Mat, bias []float32)
}

// FusedOps is implemented by backends that provide the fused residual-add
// plus normalization kernel.
type FusedOps interface {
	Ops
	FusedAddNorm(out, residualOut, x, residual []float32, dim int, a tensor.AddNormArgs)
}

type defaultOps struct{}

func (defaultOps) Linear(dst, x []float32, rows int, w *tensor.Mat, bias []float32) {
	tensor.Linear(dst, x, rows, w, bias)
}

func ensureOps(current Ops) Ops {
	if current == nil {
		return defaultOps{}
	}
	return current
}

// Exec carries the kernels and the storage precision for one forward pass.
// Every module rounds its outputs to DType.
type Exec struct {
	Ops   Ops
	DType tensor.DType
}

// NewExec returns an Exec with ops defaulted to the plain CPU kernels.
func NewExec(ops Ops, dtype tensor.DType) Exec {
	return Exec{Ops: ensureOps(ops), DType: dtype}
}

func (e Exec) linear(l *Linear, dst, x []float32, rows int) {
	ensureOps(e.Ops).Linear(dst, x, rows, l.Weight, l.Bias)
	e.DType.Round(dst[:rows*l.Out()])
}

// Project computes dst = x·wᵀ + bias for a bare weight matrix, such as a
// projection shared with an embedding table, and rounds the result.
func (e Exec) Project(dst, x []float32, rows int, w *tensor.Mat, bias []float32) {
	ensureOps(e.Ops).Linear(dst, x, rows, w, bias)
	e.DType.Round(dst[:rows*w.R])
}
