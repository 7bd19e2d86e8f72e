package backend

import (
	"github.com/samcharles93/dgrna/internal/tensor"
)

// CPUBackend runs projections through gonum's blocked SGEMM and provides
// the fused add-norm kernel.
type CPUBackend struct{}

func NewCPU() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string { return CPU }

func (b *CPUBackend) SupportsFusedAddNorm() bool { return true }

func (b *CPUBackend) Linear(dst, x []float32, rows int, w *tensor.Mat, bias []float32) {
	tensor.Linear(dst, x, rows, w, bias)
}

func (b *CPUBackend) FusedAddNorm(out, residualOut, x, residual []float32, dim int, a tensor.AddNormArgs) {
	tensor.AddNorm(out, residualOut, x, residual, dim, a)
}

// ReferenceBackend uses the naive loops and has no fused kernels. It exists
// to cross-check the CPU backend.
type ReferenceBackend struct{}

func NewReference() *ReferenceBackend {
	return &ReferenceBackend{}
}

func (b *ReferenceBackend) Name() string { return Reference }

func (b *ReferenceBackend) SupportsFusedAddNorm() bool { return false }

func (b *ReferenceBackend) Linear(dst, x []float32, rows int, w *tensor.Mat, bias []float32) {
	tensor.LinearNaive(dst, x, rows, w, bias)
}
