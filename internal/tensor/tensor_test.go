package tensor

import (
	"math"
	"testing"
)

func TestFlipSeqTwiceIsIdentity(t *testing.T) {
	t.Parallel()
	src := New(3, 7, 5)
	m := NewMatFromData(src.Rows(), src.Dim, src.Data)
	FillRand(m, 9)

	once := Flipped(src.Data, 3, 7, 5)
	twice := Flipped(once, 3, 7, 5)
	for i := range src.Data {
		if math.Float32bits(twice[i]) != math.Float32bits(src.Data[i]) {
			t.Fatalf("flip twice differs at %d: %v vs %v", i, twice[i], src.Data[i])
		}
	}
}

func TestFlipSeqOnlyTouchesSequenceAxis(t *testing.T) {
	t.Parallel()
	// batch=2, len=3, dim=2; value encodes (b, l, d).
	x := New(2, 3, 2)
	for b := 0; b < 2; b++ {
		for l := 0; l < 3; l++ {
			for d := 0; d < 2; d++ {
				x.At(b, l)[d] = float32(100*b + 10*l + d)
			}
		}
	}
	y := FromData(2, 3, 2, Flipped(x.Data, 2, 3, 2))
	for b := 0; b < 2; b++ {
		for l := 0; l < 3; l++ {
			for d := 0; d < 2; d++ {
				want := float32(100*b + 10*(2-l) + d)
				if got := y.At(b, l)[d]; got != want {
					t.Fatalf("y[%d,%d,%d]=%v want %v", b, l, d, got, want)
				}
			}
		}
	}
}

func TestFlippedNil(t *testing.T) {
	t.Parallel()
	if Flipped(nil, 1, 2, 3) != nil {
		t.Fatalf("expected nil for absent residual")
	}
}

func TestConcatFeatures(t *testing.T) {
	t.Parallel()
	a := []float32{1, 2, 3, 4}
	b := []float32{9, 8}
	dst := make([]float32, 6)
	ConcatFeatures(dst, a, b, 2, 2, 1)
	want := []float32{1, 2, 9, 3, 4, 8}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst=%v want %v", dst, want)
		}
	}
}

func TestApplyRoPEHalfAndInterleaved(t *testing.T) {
	t.Parallel()
	inv := RopeInvFreq(4, 10000)
	x := []float32{1, 2, 3, 4}
	ApplyRoPE(x, 1, 4, 4, 0, inv, false)
	for i, v := range []float32{1, 2, 3, 4} {
		if x[i] != v {
			t.Fatalf("position 0 must be identity, got %v", x)
		}
	}

	half := []float32{1, 0, 0, 0}
	ApplyRoPE(half, 1, 4, 4, 1, inv, false)
	// pair (0, 2) rotated by angle 1 * inv[0] = 1.
	if math.Abs(float64(half[0])-math.Cos(1)) > 1e-6 || math.Abs(float64(half[2])-math.Sin(1)) > 1e-6 {
		t.Fatalf("unexpected half rotation: %v", half)
	}

	inter := []float32{1, 0, 0, 0}
	ApplyRoPE(inter, 1, 4, 4, 1, inv, true)
	if math.Abs(float64(inter[0])-math.Cos(1)) > 1e-6 || math.Abs(float64(inter[1])-math.Sin(1)) > 1e-6 {
		t.Fatalf("unexpected interleaved rotation: %v", inter)
	}
}

func TestSiluAndMulGateIsSecondHalf(t *testing.T) {
	t.Parallel()
	x := []float32{2, 0}
	dst := make([]float32, 1)
	SiluAndMul(dst, x)
	// silu(0) = 0
	if dst[0] != 0 {
		t.Fatalf("expected 0, got %v", dst[0])
	}
	x = []float32{0, 3}
	SiluAndMul(dst, x)
	if dst[0] != 0 {
		t.Fatalf("expected 0, got %v", dst[0])
	}
}

func TestSoftplusAndGelu(t *testing.T) {
	t.Parallel()
	if got := Softplus(0); math.Abs(float64(got)-math.Ln2) > 1e-6 {
		t.Fatalf("softplus(0)=%v", got)
	}
	if got := Softplus(50); got != 50 {
		t.Fatalf("softplus threshold not applied: %v", got)
	}
	if got := Gelu(0); got != 0 {
		t.Fatalf("gelu(0)=%v", got)
	}
	if got := Gelu(1); math.Abs(float64(got)-0.8413447) > 1e-5 {
		t.Fatalf("gelu(1)=%v", got)
	}
}
