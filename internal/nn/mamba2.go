package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/dgrna/internal/tensor"
)

// Mamba2 is the multi-head selective state-space mixer.
//
// in_proj produces [z0 | x0 | z | xBC | dt] per token, where z0/x0 are only
// present when d_ssm < d_inner. xBC goes through a causal depthwise conv and
// SiLU before the scan. The scan output is gated by z through a grouped
// RMSNorm and projected back by out_proj.
type Mamba2 struct {
	DModel  int
	DInner  int
	DSSM    int
	DState  int
	DConv   int
	NGroups int
	NHeads  int
	HeadDim int

	InProj   *Linear
	Conv     *tensor.Mat // [convDim, d_conv]
	ConvBias []float32
	DtBias   []float32
	ALog     []float32
	D        []float32
	Norm     []float32 // nil when rmsnorm is disabled
	OutProj  *Linear

	NormBeforeGate bool
	NormEps        float32

	aInitLo, aInitHi      float64
	dtMin, dtMax, dtFloor float64
	dtLimitLo, dtLimitHi  float64
}

// NewMamba2 builds a zeroed Mamba2 mixer; call InitSSM for the
// layer-specific initialization.
func NewMamba2(dModel int, cfg SSMConfig) (*Mamba2, error) {
	expand := intOr(cfg.Expand, 2)
	m := &Mamba2{
		DModel:         dModel,
		DInner:         expand * dModel,
		DState:         intOr(cfg.DState, 128),
		DConv:          intOr(cfg.DConv, 4),
		NGroups:        intOr(cfg.NGroups, 1),
		HeadDim:        intOr(cfg.HeadDim, 64),
		NormBeforeGate: cfg.NormBefore,
		NormEps:        1e-5,
		dtMin:          floatOr(cfg.DtMin, 0.001),
		dtMax:          floatOr(cfg.DtMax, 0.1),
		dtFloor:        floatOr(cfg.DtInitFloor, 1e-4),
	}
	m.DSSM = intOr(cfg.DSSM, m.DInner)
	if m.DSSM > m.DInner {
		return nil, fmt.Errorf("mamba2: d_ssm %d exceeds d_inner %d", m.DSSM, m.DInner)
	}
	if m.DSSM%m.HeadDim != 0 {
		return nil, fmt.Errorf("mamba2: d_ssm %d not divisible by headdim %d", m.DSSM, m.HeadDim)
	}
	m.NHeads = m.DSSM / m.HeadDim
	if m.NHeads%m.NGroups != 0 {
		return nil, fmt.Errorf("mamba2: %d heads not divisible by ngroups %d", m.NHeads, m.NGroups)
	}
	if m.DConv < 1 {
		return nil, fmt.Errorf("mamba2: d_conv must be positive, got %d", m.DConv)
	}
	var err error
	if m.aInitLo, m.aInitHi, err = rangeOr(cfg.AInitRange, 1, 16); err != nil {
		return nil, fmt.Errorf("mamba2: A_init_range: %w", err)
	}
	if m.aInitLo <= 0 || m.aInitHi < m.aInitLo {
		return nil, fmt.Errorf("mamba2: A_init_range must satisfy 0 < min <= max, got (%g, %g)", m.aInitLo, m.aInitHi)
	}
	if m.dtLimitLo, m.dtLimitHi, err = rangeOr(cfg.DtLimit, 0, math.Inf(1)); err != nil {
		return nil, fmt.Errorf("mamba2: dt_limit: %w", err)
	}

	dInProj := 2*m.DInner + 2*m.NGroups*m.DState + m.NHeads
	m.InProj = NewLinear(dModel, dInProj, cfg.Bias)
	m.Conv = tensor.NewMat(m.convDim(), m.DConv)
	if boolOr(cfg.ConvBias, true) {
		m.ConvBias = make([]float32, m.convDim())
	}
	m.DtBias = make([]float32, m.NHeads)
	m.ALog = make([]float32, m.NHeads)
	if cfg.DHasHDim {
		m.D = make([]float32, m.DSSM)
	} else {
		m.D = make([]float32, m.NHeads)
	}
	if boolOr(cfg.RMSNorm, true) {
		m.Norm = make([]float32, m.DSSM)
		Fill(m.Norm, 1)
	}
	m.OutProj = NewLinear(m.DInner, dModel, cfg.Bias)
	m.OutProj.ResidualOut = true
	return m, nil
}

func (m *Mamba2) Kind() MixerKind { return MixerMamba2 }

func (m *Mamba2) convDim() int { return m.DSSM + 2*m.NGroups*m.DState }
func (m *Mamba2) dMLP() int    { return m.DInner - m.DSSM }

// InitSSM draws dt_bias, A_log, D and the conv weights.
func (m *Mamba2) InitSSM(in *Initializer) error {
	initTimeStepBias(in, m.DtBias, m.dtMin, m.dtMax, m.dtFloor)
	in.Uniform(m.ALog, m.aInitLo, m.aInitHi)
	for i, a := range m.ALog {
		m.ALog[i] = float32(math.Log(float64(a)))
	}
	Fill(m.D, 1)
	in.KaimingUniform(m.Conv.Data, m.DConv)
	if m.ConvBias != nil {
		in.KaimingUniform(m.ConvBias, m.DConv)
	}
	return nil
}

func (m *Mamba2) NewState(batch, _ int) State {
	return newSSMState(batch, m.convDim(), m.DConv, m.NHeads*m.HeadDim*m.DState)
}

func (m *Mamba2) Forward(e Exec, dst, x []float32, batch, length int, st State) error {
	rows := batch * length
	if len(x) != rows*m.DModel {
		return fmt.Errorf("mamba2: input has %d values, want %d", len(x), rows*m.DModel)
	}
	if st == nil {
		st = m.NewState(batch, length)
	}
	state, err := checkState[*SSMState](st, batch)
	if err != nil {
		return fmt.Errorf("mamba2: %w", err)
	}

	dInProj := m.InProj.Out()
	proj := make([]float32, rows*dInProj)
	if err := m.InProj.Forward(e, proj, x, rows); err != nil {
		return fmt.Errorf("mamba2 in_proj: %w", err)
	}

	dMLP := m.dMLP()
	convDim := m.convDim()
	gs := m.NGroups * m.DState
	y := make([]float32, rows*m.DInner)
	conv := make([]float32, convDim)
	dt := make([]float32, m.NHeads)
	scan := make([]float32, m.DSSM)

	for b := range batch {
		convState := state.Conv[b]
		ssmState := state.SSM[b]
		for t := range length {
			r := b*length + t
			p := proj[r*dInProj : (r+1)*dInProj]
			z0 := p[:dMLP]
			x0 := p[dMLP : 2*dMLP]
			z := p[2*dMLP : 2*dMLP+m.DSSM]
			xBC := p[2*dMLP+m.DSSM : 2*dMLP+m.DSSM+convDim]
			dtRaw := p[2*dMLP+m.DSSM+convDim:]

			depthwiseConvStep(conv, xBC, m.Conv, m.ConvBias, convState)
			for i, v := range conv {
				conv[i] = tensor.Silu(v)
			}
			e.DType.Round(conv)
			xs := conv[:m.DSSM]
			bs := conv[m.DSSM : m.DSSM+gs]
			cs := conv[m.DSSM+gs : m.DSSM+2*gs]

			for h := range dt {
				dt[h] = clampTimeStep(tensor.Softplus(dtRaw[h]+m.DtBias[h]), m.dtLimitLo, m.dtLimitHi)
			}
			headScan(scan, ssmState, xs, dt, m.ALog, bs, cs, m.D, m.HeadDim, m.DState, m.NHeads/m.NGroups)

			out := y[r*m.DInner : (r+1)*m.DInner]
			for i := range dMLP {
				out[i] = tensor.Silu(z0[i]) * x0[i]
			}
			ys := out[dMLP:]
			if m.Norm != nil {
				tensor.RMSNormGated(ys, scan, z, m.Norm, m.DSSM/m.NGroups, m.NormEps, m.NormBeforeGate)
			} else {
				for i := range ys {
					ys[i] = scan[i] * tensor.Silu(z[i])
				}
			}
		}
	}
	e.DType.Round(y)
	if err := m.OutProj.Forward(e, dst, y, rows); err != nil {
		return fmt.Errorf("mamba2 out_proj: %w", err)
	}
	return nil
}

func (m *Mamba2) Params(prefix string) []*Param {
	ps := m.InProj.Params(Join(prefix, "in_proj"))
	conv := &Param{Name: Join(prefix, "conv1d.weight"), Shape: []int{m.convDim(), 1, m.DConv}, Data: m.Conv.Data, Role: RoleSSM, FanIn: m.DConv}
	ps = append(ps, conv)
	if m.ConvBias != nil {
		ps = append(ps, &Param{Name: Join(prefix, "conv1d.bias"), Shape: []int{m.convDim()}, Data: m.ConvBias, Role: RoleSSM, FanIn: m.DConv})
	}
	ps = append(ps,
		vecParam(Join(prefix, "dt_bias"), m.DtBias, RoleSSM),
		vecParam(Join(prefix, "A_log"), m.ALog, RoleSSM),
		vecParam(Join(prefix, "D"), m.D, RoleSSM),
	)
	if m.Norm != nil {
		ps = append(ps, vecParam(Join(prefix, "norm.weight"), m.Norm, RoleNorm))
	}
	return append(ps, m.OutProj.Params(Join(prefix, "out_proj"))...)
}
