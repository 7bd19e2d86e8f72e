package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled computes dst = (a + b) * s element-wise.
func AddScaled(dst, a, b []float32, s float32) {
	for i := range dst {
		dst[i] = (a[i] + b[i]) * s
	}
}

// Scale multiplies x in place by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Softplus computes log(1+exp(x)) with the same threshold PyTorch uses.
func Softplus(x float32) float32 {
	if x > 20 {
		return x
	}
	return float32(math.Log1p(math.Exp(float64(x))))
}

// Gelu is the exact (erf based) GELU.
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// GeluTanh is the tanh approximation of GELU.
func GeluTanh(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v))))
}

// Relu returns max(x, 0).
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// SiluAndMul computes dst[i] = x[i] * Silu(x[d+i]) where d = len(x)/2. The
// first half is the value and the second half the gate, matching the
// chunk order of a gated MLP's first projection.
func SiluAndMul(dst, x []float32) {
	if len(x)%2 != 0 {
		panic("SiluAndMul requires even-length input")
	}
	d := len(x) / 2
	if len(dst) < d {
		panic("SiluAndMul dst too small")
	}
	for i := range d {
		dst[i] = x[i] * Silu(x[d+i])
	}
}

// RopeInvFreq returns 1/base^(2i/dim) for i in [0, dim/2).
func RopeInvFreq(dim int, base float64) []float64 {
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = 1.0 / math.Pow(base, float64(2*i)/float64(dim))
	}
	return inv
}

// ApplyRoPE rotates the first rotaryDim features of every head in x (nHead
// heads of headDim features) for position pos. Non-interleaved mode rotates
// pairs (i, i+rotaryDim/2); interleaved mode rotates pairs (2i, 2i+1).
func ApplyRoPE(x []float32, nHead, headDim, rotaryDim, pos int, invFreq []float64, interleaved bool) {
	if rotaryDim%2 != 0 {
		panic("rotaryDim must be even for RoPE")
	}
	if rotaryDim > headDim {
		panic("rotaryDim exceeds headDim")
	}
	half := rotaryDim / 2
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			var i0, i1 int
			if interleaved {
				i0 = base + 2*i
				i1 = i0 + 1
			} else {
				i0 = base + i
				i1 = base + i + half
			}
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}
