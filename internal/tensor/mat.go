package tensor

import (
	"golang.org/x/exp/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// Weights follow the PyTorch layout: a Linear layer mapping in -> out features
// is stored as an [out x in] matrix. Stride is the number of elements between
// the starts of two consecutive rows (equal to C for matrices created here).
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out‑of‑range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new zero initialised matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps existing data. It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row. Modifications to the returned slice
// update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Shape returns the matrix dimensions as a slice, matching the state dict layout.
func (m *Mat) Shape() []int {
	return []int{m.R, m.C}
}

// SameStorage reports whether a and b share their backing array.
func SameStorage(a, b []float32) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return &a[0] == &b[0]
}

// FillRand fills the matrix with reproducible pseudo‑random values in roughly
// (-0.01, 0.01). Multiple calls with the same seed produce identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(uint64(seed)))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
