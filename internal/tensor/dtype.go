package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage precision activations and parameters are rounded to.
// Values are always held in float32 slices; f16 and bf16 are emulated by
// rounding through the narrower encoding.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	default:
		return "float32"
	}
}

// ParseDType accepts the names used in model configs ("float32", "fp16", "bf16", ...).
// The empty string maps to F32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32", "float":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Round rounds x in place to the precision of d. F32 is a no-op.
func (d DType) Round(x []float32) {
	switch d {
	case F16:
		for i, v := range x {
			x[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		if len(x) == 0 {
			return
		}
		copy(x, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(x)))
	}
}

// RoundValue rounds a single value to the precision of d.
func (d DType) RoundValue(v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{v}))[0]
	default:
		return v
	}
}
