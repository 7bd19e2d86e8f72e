package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear computes dst = x·Wᵀ + bias for rows input rows, where x is
// [rows x w.C], w is [w.R x w.C] (PyTorch layout) and dst is [rows x w.R].
// bias may be nil. The product is computed by gonum's blocked SGEMM.
func Linear(dst, x []float32, rows int, w *Mat, bias []float32) {
	checkLinear(dst, x, rows, w, bias)
	if rows == 0 || w.R == 0 {
		return
	}
	a := blas32.General{Rows: rows, Cols: w.C, Stride: w.C, Data: x[:rows*w.C]}
	b := blas32.General{Rows: w.R, Cols: w.C, Stride: w.Stride, Data: w.Data}
	c := blas32.General{Rows: rows, Cols: w.R, Stride: w.R, Data: dst[:rows*w.R]}
	beta := float32(0)
	if bias != nil {
		for r := 0; r < rows; r++ {
			copy(c.Data[r*w.R:(r+1)*w.R], bias)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, beta, c)
}

// LinearNaive is the reference row-by-row implementation of Linear.
func LinearNaive(dst, x []float32, rows int, w *Mat, bias []float32) {
	checkLinear(dst, x, rows, w, bias)
	for r := 0; r < rows; r++ {
		xr := x[r*w.C : (r+1)*w.C]
		out := dst[r*w.R : (r+1)*w.R]
		for o := 0; o < w.R; o++ {
			sum := Dot(w.Row(o), xr)
			if bias != nil {
				sum += bias[o]
			}
			out[o] = sum
		}
	}
}

func checkLinear(dst, x []float32, rows int, w *Mat, bias []float32) {
	if w == nil {
		panic("linear: nil weight")
	}
	if len(x) < rows*w.C {
		panic("linear: input too small")
	}
	if len(dst) < rows*w.R {
		panic("linear: output too small")
	}
	if bias != nil && len(bias) != w.R {
		panic("linear: bias length mismatch")
	}
}
