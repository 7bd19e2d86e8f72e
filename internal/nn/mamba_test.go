package nn

import (
	"math"
	"testing"

	"github.com/samcharles93/dgrna/internal/tensor"
)

func TestDepthwiseConvStep(t *testing.T) {
	kernel := tensor.NewMatFromData(2, 3, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	state := []float32{1, 2, 3, 4}
	in := []float32{5, 6}
	out := make([]float32, 2)

	depthwiseConvStep(out, in, kernel, nil, state)

	if out[0] != 22 || out[1] != 64 {
		t.Fatalf("unexpected conv output: %v", out)
	}
	wantState := []float32{3, 4, 5, 6}
	for i := range state {
		if state[i] != wantState[i] {
			t.Fatalf("state mismatch at %d: got %v want %v", i, state, wantState)
		}
	}
}

func TestHeadScanSingleStep(t *testing.T) {
	state := []float32{1, 2}
	aLog := []float32{float32(-0.69314718)} // log(0.5)
	out := make([]float32, 1)

	headScan(out, state, []float32{7}, []float32{1}, aLog, []float32{2, 3}, []float32{4, 5}, []float32{6}, 1, 2, 1)

	wantOut := float32(211.4915)
	if diff := out[0] - wantOut; diff < -1e-3 || diff > 1e-3 {
		t.Fatalf("unexpected output: got %f want %f", out[0], wantOut)
	}
	wantState := []float32{14.6065, 22.2131}
	for i := range state {
		if diff := state[i] - wantState[i]; diff < -1e-3 || diff > 1e-3 {
			t.Fatalf("state[%d] = %f want %f", i, state[i], wantState[i])
		}
	}
}

func TestChannelScanSingleStep(t *testing.T) {
	state := []float32{1}
	out := make([]float32, 1)

	channelScan(out, state, []float32{2}, []float32{1}, []float32{0}, []float32{3}, []float32{4}, []float32{0.5}, 1)

	wantState := float32(math.Exp(-1)) + 6
	if diff := state[0] - wantState; diff < -1e-5 || diff > 1e-5 {
		t.Fatalf("state = %f want %f", state[0], wantState)
	}
	if diff := out[0] - (4*wantState + 1); diff < -1e-4 || diff > 1e-4 {
		t.Fatalf("out = %f want %f", out[0], 4*wantState+1)
	}
}

func TestInitTimeStepBiasInvertsSoftplus(t *testing.T) {
	in := NewInitializer(7)
	bias := make([]float32, 64)
	initTimeStepBias(in, bias, 0.001, 0.1, 1e-4)
	for i, b := range bias {
		dt := tensor.Softplus(b)
		if dt < 0.001-1e-6 || dt > 0.1+1e-6 {
			t.Fatalf("softplus(bias[%d]) = %v outside [0.001, 0.1]", i, dt)
		}
	}
}

func smallSSM(layer string) SSMConfig {
	return SSMConfig{Layer: layer, DState: 4, HeadDim: 4, DConv: 3}
}

func newTestMixer(t *testing.T, layer string, dModel int) Mixer {
	t.Helper()
	var (
		m   Mixer
		err error
	)
	switch layer {
	case LayerMamba1:
		m, err = NewMamba(dModel, smallSSM(layer))
	default:
		m, err = NewMamba2(dModel, smallSSM(layer))
	}
	if err != nil {
		t.Fatalf("new mixer: %v", err)
	}
	in := NewInitializer(3)
	in.Default(m.Params(""))
	if err := m.(SSMInitializer).InitSSM(in); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func TestSSMMixerStreamingMatchesFullSequence(t *testing.T) {
	for _, layer := range []string{LayerMamba1, LayerMamba2} {
		t.Run(layer, func(t *testing.T) {
			const dModel, length, batch = 8, 6, 2
			m := newTestMixer(t, layer, dModel)
			e := NewExec(nil, tensor.F32)

			x := tensor.New(batch, length, dModel)
			xm := tensor.NewMatFromData(x.Rows(), dModel, x.Data)
			tensor.FillRand(xm, 11)
			tensor.Scale(x.Data, 50)

			full := make([]float32, len(x.Data))
			if err := m.Forward(e, full, x.Data, batch, length, nil); err != nil {
				t.Fatalf("forward: %v", err)
			}

			st := m.NewState(batch, length)
			step := make([]float32, batch*dModel)
			for pos := range length {
				in := make([]float32, batch*dModel)
				for b := range batch {
					copy(in[b*dModel:(b+1)*dModel], x.At(b, pos))
				}
				if err := m.Forward(e, step, in, batch, 1, st); err != nil {
					t.Fatalf("step %d: %v", pos, err)
				}
				for b := range batch {
					want := full[(b*length+pos)*dModel : (b*length+pos+1)*dModel]
					got := step[b*dModel : (b+1)*dModel]
					for i := range want {
						if d := math.Abs(float64(want[i] - got[i])); d > 1e-5 {
							t.Fatalf("pos %d batch %d feature %d: full %v step %v", pos, b, i, want[i], got[i])
						}
					}
				}
			}
		})
	}
}

func TestMamba2ParamShapes(t *testing.T) {
	m, err := NewMamba2(8, SSMConfig{DState: 4, HeadDim: 4})
	if err != nil {
		t.Fatal(err)
	}
	// d_inner 16, 4 heads, conv over 16 + 2*4 channels.
	want := map[string][]int{
		"in_proj.weight":  {2*16 + 2*4 + 4, 8},
		"conv1d.weight":   {24, 1, 4},
		"conv1d.bias":     {24},
		"dt_bias":         {4},
		"A_log":           {4},
		"D":               {4},
		"norm.weight":     {16},
		"out_proj.weight": {8, 16},
	}
	ps := m.Params("")
	if len(ps) != len(want) {
		t.Fatalf("got %d params, want %d: %v", len(ps), len(want), ps)
	}
	for _, p := range ps {
		shape, ok := want[p.Name]
		if !ok {
			t.Fatalf("unexpected param %s", p.Name)
		}
		if len(shape) != len(p.Shape) || p.NumElements() != len(p.Data) {
			t.Fatalf("%s: shape %v, data %d", p.Name, p.Shape, len(p.Data))
		}
		for i := range shape {
			if shape[i] != p.Shape[i] {
				t.Fatalf("%s: shape %v want %v", p.Name, p.Shape, shape)
			}
		}
	}
	if ps[len(ps)-1].Role != RoleResidualOut {
		t.Fatalf("out_proj.weight should be tagged residual_out")
	}
}

func TestMamba2RejectsBadHeadDim(t *testing.T) {
	if _, err := NewMamba2(8, SSMConfig{HeadDim: 64}); err == nil {
		t.Fatal("expected error when d_inner is not divisible by headdim")
	}
}

func TestMambaDtRankAuto(t *testing.T) {
	m, err := NewMamba(40, SSMConfig{Layer: LayerMamba1})
	if err != nil {
		t.Fatal(err)
	}
	if m.DtRank != 3 {
		t.Fatalf("dt_rank = %d, want ceil(40/16) = 3", m.DtRank)
	}
	for _, p := range m.Params("") {
		if p.Name == "dt_proj.bias" && !p.NoReinit {
			t.Fatalf("dt_proj.bias must be excluded from bias zeroing")
		}
	}
}
