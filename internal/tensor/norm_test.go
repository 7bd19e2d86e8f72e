package tensor

import (
	"math"
	"testing"
)

// plainAddNorm mirrors the unfused block path: add, cast, normalize, cast.
func plainAddNorm(x, residual []float32, dim int, a AddNormArgs) (out, resOut []float32) {
	res := make([]float32, len(x))
	copy(res, x)
	if residual != nil {
		Add(res, residual)
	}
	normIn := make([]float32, len(res))
	copy(normIn, res)
	a.DType.Round(normIn)
	out = make([]float32, len(x))
	for r := 0; r < len(x)/dim; r++ {
		NormRow(a.Kind, out[r*dim:(r+1)*dim], normIn[r*dim:(r+1)*dim], a.Weight, a.Bias, a.Eps)
	}
	a.DType.Round(out)
	if !a.ResidualInFP32 {
		a.DType.Round(res)
	}
	return out, res
}

func TestLayerNormHandComputed(t *testing.T) {
	t.Parallel()
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	LayerNorm(dst, src, nil, nil, 0)
	// mean 2.5, var 1.25
	s := math.Sqrt(1.25)
	want := []float64{-1.5 / s, -0.5 / s, 0.5 / s, 1.5 / s}
	for i := range want {
		if math.Abs(float64(dst[i])-want[i]) > 1e-6 {
			t.Fatalf("dst[%d]=%v want %v", i, dst[i], want[i])
		}
	}
}

func TestRMSNormHandComputed(t *testing.T) {
	t.Parallel()
	src := []float32{3, 4}
	dst := make([]float32, 2)
	RMSNorm(dst, src, []float32{1, 2}, 0)
	// rms = sqrt(12.5)
	r := math.Sqrt(12.5)
	if math.Abs(float64(dst[0])-3/r) > 1e-6 || math.Abs(float64(dst[1])-8/r) > 1e-6 {
		t.Fatalf("unexpected rmsnorm: %v", dst)
	}
}

func TestAddNormMatchesPlainPath(t *testing.T) {
	t.Parallel()
	const dim = 16
	const rows = 12
	x := NewMat(rows, dim)
	FillRand(x, 3)
	Scale(x.Data, 100)
	res := NewMat(rows, dim)
	FillRand(res, 4)
	Scale(res.Data, 100)
	w := NewMat(1, dim)
	FillRand(w, 5)
	b := NewMat(1, dim)
	FillRand(b, 6)

	cases := []struct {
		name     string
		kind     NormKind
		dtype    DType
		fp32     bool
		residual []float32
		tol      float64
	}{
		{"layernorm-f32", LayerNormKind, F32, false, res.Data, 1e-6},
		{"rmsnorm-f32", RMSNormKind, F32, false, res.Data, 1e-6},
		{"layernorm-no-residual", LayerNormKind, F32, false, nil, 1e-6},
		{"layernorm-f16-fp32-residual", LayerNormKind, F16, true, res.Data, 1e-4},
		{"rmsnorm-bf16", RMSNormKind, BF16, false, res.Data, 1e-4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := AddNormArgs{Kind: tc.kind, Weight: w.Data, Bias: b.Data, Eps: 1e-5, DType: tc.dtype, ResidualInFP32: tc.fp32}
			wantOut, wantRes := plainAddNorm(x.Data, tc.residual, dim, a)

			gotOut := make([]float32, len(x.Data))
			gotRes := make([]float32, len(x.Data))
			AddNorm(gotOut, gotRes, x.Data, tc.residual, dim, a)

			if d := maxAbsDiff(gotOut, wantOut); d > tc.tol {
				t.Fatalf("output max abs diff %g", d)
			}
			if d := maxAbsDiff(gotRes, wantRes); d > tc.tol {
				t.Fatalf("residual max abs diff %g", d)
			}
		})
	}
}

func TestRMSNormGatedGroups(t *testing.T) {
	t.Parallel()
	src := []float32{1, 1, 2, 2}
	gate := []float32{10, 10, 10, 10}
	w := []float32{1, 1, 1, 1}
	dst := make([]float32, 4)
	RMSNormGated(dst, src, gate, w, 2, 0, false)
	// Each group is constant, so its rms-normalized value is 1.
	for i, v := range dst {
		if math.Abs(float64(v)-1) > 1e-5 {
			t.Fatalf("dst[%d]=%v want 1", i, v)
		}
	}
}

func TestDTypeRound(t *testing.T) {
	t.Parallel()
	x := []float32{1.0001, 3.14159265}
	F32.Round(x)
	if x[0] != 1.0001 {
		t.Fatalf("f32 rounding must be a no-op")
	}
	F16.Round(x)
	if x[0] != 1 {
		t.Fatalf("f16 should round 1.0001 to 1, got %v", x[0])
	}
	if F16.RoundValue(65504) != 65504 {
		t.Fatalf("f16 max value must be representable")
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Fatalf("expected error for unknown dtype")
	}
	if d, err := ParseDType("bf16"); err != nil || d != BF16 {
		t.Fatalf("ParseDType(bf16) = %v, %v", d, err)
	}
}
