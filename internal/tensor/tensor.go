package tensor

import "fmt"

// Tensor is a dense (batch, length, dim) activation tensor in row-major order.
// Row r of the flattened (batch*length, dim) view is Data[r*Dim:(r+1)*Dim].
type Tensor struct {
	Batch, Len, Dim int
	Data            []float32
}

// New allocates a zeroed tensor.
func New(batch, length, dim int) *Tensor {
	if batch < 0 || length < 0 || dim < 0 {
		panic("negative tensor dimension")
	}
	return &Tensor{Batch: batch, Len: length, Dim: dim, Data: make([]float32, batch*length*dim)}
}

// FromData wraps data without copying.
func FromData(batch, length, dim int, data []float32) *Tensor {
	if batch*length*dim != len(data) {
		panic("tensor data length mismatch")
	}
	return &Tensor{Batch: batch, Len: length, Dim: dim, Data: data}
}

// Rows is the number of (batch, position) rows.
func (t *Tensor) Rows() int { return t.Batch * t.Len }

// Shape returns [batch, len, dim].
func (t *Tensor) Shape() []int { return []int{t.Batch, t.Len, t.Dim} }

// At returns the feature vector at (b, l) as a view.
func (t *Tensor) At(b, l int) []float32 {
	off := (b*t.Len + l) * t.Dim
	return t.Data[off : off+t.Dim]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%d, %d, %d)", t.Batch, t.Len, t.Dim)
}

// FlipSeq writes src reversed along the sequence axis into dst. Batch and
// feature axes are untouched, so flipping twice reproduces src exactly.
// dst and src must not alias.
func FlipSeq(dst, src []float32, batch, length, dim int) {
	n := batch * length * dim
	if len(dst) < n || len(src) < n {
		panic("FlipSeq buffer too small")
	}
	for b := 0; b < batch; b++ {
		base := b * length * dim
		for l := 0; l < length; l++ {
			s := base + l*dim
			d := base + (length-1-l)*dim
			copy(dst[d:d+dim], src[s:s+dim])
		}
	}
}

// Flipped returns a new slice holding src reversed along the sequence axis.
// A nil src yields nil, mirroring an absent residual stream.
func Flipped(src []float32, batch, length, dim int) []float32 {
	if src == nil {
		return nil
	}
	dst := make([]float32, len(src))
	FlipSeq(dst, src, batch, length, dim)
	return dst
}

// ConcatFeatures writes [a | b] per row into dst, where a has da columns and
// b has db columns.
func ConcatFeatures(dst, a, b []float32, rows, da, db int) {
	w := da + db
	if len(dst) < rows*w {
		panic("ConcatFeatures dst too small")
	}
	for r := 0; r < rows; r++ {
		copy(dst[r*w:r*w+da], a[r*da:(r+1)*da])
		copy(dst[r*w+da:(r+1)*w], b[r*db:(r+1)*db])
	}
}
