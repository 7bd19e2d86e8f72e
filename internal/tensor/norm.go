package tensor

import "math"

// NormKind selects the normalization applied by the norm kernels.
type NormKind uint8

const (
	LayerNormKind NormKind = iota
	RMSNormKind
)

func (k NormKind) String() string {
	if k == RMSNormKind {
		return "rmsnorm"
	}
	return "layernorm"
}

// LayerNorm normalizes src to zero mean and unit variance, then applies the
// affine weight and bias (bias may be nil). Statistics accumulate in float64.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var sum float64
	for _, v := range src {
		sum += float64(v)
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range src {
		d := float64(v) - mean
		sq += d * d
	}
	rstd := 1.0 / math.Sqrt(sq/float64(n)+float64(eps))
	for i, v := range src {
		y := float32((float64(v) - mean) * rstd)
		if weight != nil {
			y *= weight[i]
		}
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var sq float64
	for _, v := range src {
		sq += float64(v) * float64(v)
	}
	rstd := 1.0 / math.Sqrt(sq/float64(n)+float64(eps))
	for i, v := range src {
		y := float32(float64(v) * rstd)
		if weight != nil {
			y *= weight[i]
		}
		dst[i] = y
	}
}

// NormRow dispatches to LayerNorm or RMSNorm. RMSNorm ignores bias.
func NormRow(kind NormKind, dst, src, weight, bias []float32, eps float32) {
	if kind == RMSNormKind {
		RMSNorm(dst, src, weight, eps)
		return
	}
	LayerNorm(dst, src, weight, bias, eps)
}

// RMSNormGated gates src with silu(gate) and RMS-normalizes each group of
// groupSize features. If normBeforeGate is set the gate is applied after
// normalization instead.
func RMSNormGated(dst, src, gate, weight []float32, groupSize int, eps float32, normBeforeGate bool) {
	if len(src) != len(gate) || len(src) != len(weight) {
		panic("RMSNormGated input sizes do not match")
	}
	if len(dst) < len(src) {
		panic("RMSNormGated dst too small")
	}
	if groupSize <= 0 || len(src)%groupSize != 0 {
		panic("RMSNormGated invalid group size")
	}
	if !normBeforeGate {
		for i := range src {
			dst[i] = src[i] * Silu(gate[i])
		}
		src = dst
	}
	for g := 0; g < len(src); g += groupSize {
		RMSNorm(dst[g:g+groupSize], src[g:g+groupSize], weight[g:g+groupSize], eps)
	}
	if normBeforeGate {
		for i := range dst[:len(gate)] {
			dst[i] *= Silu(gate[i])
		}
	}
}

// AddNormArgs configures AddNorm.
type AddNormArgs struct {
	Kind   NormKind
	Weight []float32
	Bias   []float32
	Eps    float32

	DType          DType
	ResidualInFP32 bool
}

// AddNorm is the fused residual-add + normalization kernel. For every row of
// dim features it computes r = x + residual (r = x when residual is nil),
// writes norm(round(r)) rounded to the dtype into out and, when residualOut
// is non-nil, writes the updated residual stream (kept at float32 precision
// if ResidualInFP32, else rounded). It is numerically identical to doing the
// add, the cast and the norm as separate passes.
func AddNorm(out, residualOut, x, residual []float32, dim int, a AddNormArgs) {
	if dim <= 0 || len(x)%dim != 0 {
		panic("AddNorm invalid dim")
	}
	rows := len(x) / dim
	sum := make([]float32, dim)
	rounded := make([]float32, dim)
	for r := 0; r < rows; r++ {
		off := r * dim
		xr := x[off : off+dim]
		if residual != nil {
			rr := residual[off : off+dim]
			for i := range sum {
				sum[i] = xr[i] + rr[i]
			}
		} else {
			copy(sum, xr)
		}
		copy(rounded, sum)
		a.DType.Round(rounded)
		o := out[off : off+dim]
		NormRow(a.Kind, o, rounded, a.Weight, a.Bias, a.Eps)
		a.DType.Round(o)
		if residualOut != nil {
			if a.ResidualInFP32 {
				copy(residualOut[off:off+dim], sum)
			} else {
				copy(residualOut[off:off+dim], rounded)
			}
		}
	}
}
