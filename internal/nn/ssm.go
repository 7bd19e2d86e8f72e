package nn

import (
	"math"

	"github.com/samcharles93/dgrna/internal/tensor"
)

// SSMState holds the rolling convolution window and the scan state of a
// state-space mixer, one slot per batch row.
type SSMState struct {
	ConvChannels int
	ConvWidth    int // d_conv - 1
	Conv         [][]float32
	SSM          [][]float32
}

func newSSMState(batch, convChannels, dConv, ssmSize int) *SSMState {
	s := &SSMState{
		ConvChannels: convChannels,
		ConvWidth:    dConv - 1,
		Conv:         make([][]float32, batch),
		SSM:          make([][]float32, batch),
	}
	for b := range batch {
		s.Conv[b] = make([]float32, (dConv-1)*convChannels)
		s.SSM[b] = make([]float32, ssmSize)
	}
	return s
}

func (s *SSMState) BatchSize() int { return len(s.Conv) }

func (s *SSMState) Reset() {
	for b := range s.Conv {
		clear(s.Conv[b])
		clear(s.SSM[b])
	}
}

// depthwiseConvStep applies one causal step of a depthwise conv1d. kernel is
// [channels, width] and state holds the previous width-1 inputs, oldest
// first; it is shifted to include in.
func depthwiseConvStep(out, in []float32, kernel *tensor.Mat, bias []float32, state []float32) {
	kernelLen := kernel.C
	channels := kernel.R
	for c := range channels {
		row := kernel.Row(c)
		sum := float32(0)
		if len(bias) == channels {
			sum = bias[c]
		}
		for k := 0; k < kernelLen-1; k++ {
			sum += row[k] * state[k*channels+c]
		}
		sum += row[kernelLen-1] * in[c]
		out[c] = sum
	}
	if kernelLen > 1 {
		if kernelLen == 2 {
			copy(state, in)
		} else {
			copy(state, state[channels:])
			copy(state[(kernelLen-2)*channels:], in)
		}
	}
}

// headScan advances the multi-head scan by one token (Mamba2 layout: scalar
// A and dt per head, B and C shared within a group of heads). d holds either
// one skip weight per head or one per channel.
func headScan(out, state []float32, x, dt, aLog, b, c, d []float32, headDim, dState, headsPerGroup int) {
	nHeads := len(dt)
	perChannelD := len(d) == nHeads*headDim
	for h := range nHeads {
		group := h / headsPerGroup
		a := -float32(math.Exp(float64(aLog[h])))
		dtH := dt[h]
		dA := float32(math.Exp(float64(a * dtH)))
		bGroup := b[group*dState : (group+1)*dState]
		cGroup := c[group*dState : (group+1)*dState]
		for p := range headDim {
			ch := h*headDim + p
			xhp := x[ch]
			stateBase := ch * dState
			var sum float32
			for n := range dState {
				idx := stateBase + n
				state[idx] = state[idx]*dA + dtH*bGroup[n]*xhp
				sum += cGroup[n] * state[idx]
			}
			skip := d[h]
			if perChannelD {
				skip = d[ch]
			}
			out[ch] = sum + skip*xhp
		}
	}
}

// channelScan advances the Mamba1 scan by one token: A is [channels, dState]
// and dt is per channel.
func channelScan(out, state []float32, x, dt, aLog, b, c, d []float32, dState int) {
	for ch := range x {
		dtC := dt[ch]
		xc := x[ch]
		base := ch * dState
		var sum float32
		for n := range dState {
			a := -math.Exp(float64(aLog[base+n]))
			dA := float32(math.Exp(a * float64(dtC)))
			idx := base + n
			state[idx] = state[idx]*dA + dtC*b[n]*xc
			sum += c[n] * state[idx]
		}
		out[ch] = sum + d[ch]*xc
	}
}

func clampTimeStep(v float32, lo, hi float64) float32 {
	if lo > 0 && v < float32(lo) {
		v = float32(lo)
	}
	if hi > 0 && !math.IsInf(hi, 1) && v > float32(hi) {
		v = float32(hi)
	}
	return v
}

// initTimeStepBias fills bias with softplus⁻¹ of log-uniform samples in
// [dtMin, dtMax], floored at floor.
func initTimeStepBias(in *Initializer, bias []float32, dtMin, dtMax, floor float64) {
	lo, hi := math.Log(dtMin), math.Log(dtMax)
	u := make([]float32, len(bias))
	in.Uniform(u, 0, 1)
	for i := range bias {
		dt := math.Exp(float64(u[i])*(hi-lo) + lo)
		if dt < floor {
			dt = floor
		}
		bias[i] = float32(dt + math.Log(-math.Expm1(-dt)))
	}
}
