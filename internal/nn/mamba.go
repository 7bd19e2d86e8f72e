package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/dgrna/internal/tensor"
)

// Mamba is the original single-head selective state-space mixer with a
// per-channel time step and a [d_inner, d_state] transition matrix.
type Mamba struct {
	DModel int
	DInner int
	DState int
	DConv  int
	DtRank int

	InProj   *Linear // d_model -> 2*d_inner ([x | z])
	Conv     *tensor.Mat
	ConvBias []float32
	XProj    *Linear // d_inner -> dt_rank + 2*d_state
	DtProj   *Linear // dt_rank -> d_inner, bias kept by the init pass
	ALog     []float32
	D        []float32
	OutProj  *Linear

	dtInit                string
	dtScale               float64
	dtMin, dtMax, dtFloor float64
}

func NewMamba(dModel int, cfg SSMConfig) (*Mamba, error) {
	m := &Mamba{
		DModel:  dModel,
		DInner:  intOr(cfg.Expand, 2) * dModel,
		DState:  intOr(cfg.DState, 16),
		DConv:   intOr(cfg.DConv, 4),
		DtRank:  cfg.DtRank.Resolve(dModel),
		dtInit:  cfg.DtInit,
		dtScale: floatOr(cfg.DtScale, 1),
		dtMin:   floatOr(cfg.DtMin, 0.001),
		dtMax:   floatOr(cfg.DtMax, 0.1),
		dtFloor: floatOr(cfg.DtInitFloor, 1e-4),
	}
	if m.dtInit == "" {
		m.dtInit = "random"
	}
	if m.dtInit != "random" && m.dtInit != "constant" {
		return nil, fmt.Errorf("mamba: unknown dt_init %q", m.dtInit)
	}
	if m.DConv < 1 {
		return nil, fmt.Errorf("mamba: d_conv must be positive, got %d", m.DConv)
	}
	m.InProj = NewLinear(dModel, 2*m.DInner, cfg.Bias)
	m.Conv = tensor.NewMat(m.DInner, m.DConv)
	if boolOr(cfg.ConvBias, true) {
		m.ConvBias = make([]float32, m.DInner)
	}
	m.XProj = NewLinear(m.DInner, m.DtRank+2*m.DState, false)
	m.DtProj = NewLinear(m.DtRank, m.DInner, true)
	m.DtProj.NoReinitBias = true
	m.ALog = make([]float32, m.DInner*m.DState)
	m.D = make([]float32, m.DInner)
	m.OutProj = NewLinear(m.DInner, dModel, cfg.Bias)
	m.OutProj.ResidualOut = true
	return m, nil
}

func (m *Mamba) Kind() MixerKind { return MixerMamba1 }

// InitSSM sets the S4D-real A matrix, unit D, the dt projection and the
// conv weights.
func (m *Mamba) InitSSM(in *Initializer) error {
	std := math.Pow(float64(m.DtRank), -0.5) * m.dtScale
	if m.dtInit == "constant" {
		Fill(m.DtProj.Weight.Data, float32(std))
	} else {
		in.Uniform(m.DtProj.Weight.Data, -std, std)
	}
	initTimeStepBias(in, m.DtProj.Bias, m.dtMin, m.dtMax, m.dtFloor)
	for c := range m.DInner {
		for n := range m.DState {
			m.ALog[c*m.DState+n] = float32(math.Log(float64(n + 1)))
		}
	}
	Fill(m.D, 1)
	in.KaimingUniform(m.Conv.Data, m.DConv)
	if m.ConvBias != nil {
		in.KaimingUniform(m.ConvBias, m.DConv)
	}
	return nil
}

func (m *Mamba) NewState(batch, _ int) State {
	return newSSMState(batch, m.DInner, m.DConv, m.DInner*m.DState)
}

func (m *Mamba) Forward(e Exec, dst, x []float32, batch, length int, st State) error {
	rows := batch * length
	if len(x) != rows*m.DModel {
		return fmt.Errorf("mamba: input has %d values, want %d", len(x), rows*m.DModel)
	}
	if st == nil {
		st = m.NewState(batch, length)
	}
	state, err := checkState[*SSMState](st, batch)
	if err != nil {
		return fmt.Errorf("mamba: %w", err)
	}

	xz := make([]float32, rows*2*m.DInner)
	if err := m.InProj.Forward(e, xz, x, rows); err != nil {
		return fmt.Errorf("mamba in_proj: %w", err)
	}

	// Conv and SiLU run token by token through the rolling window.
	xc := make([]float32, rows*m.DInner)
	for b := range batch {
		for t := range length {
			r := b*length + t
			depthwiseConvStep(xc[r*m.DInner:(r+1)*m.DInner], xz[r*2*m.DInner:r*2*m.DInner+m.DInner], m.Conv, m.ConvBias, state.Conv[b])
		}
	}
	for i, v := range xc {
		xc[i] = tensor.Silu(v)
	}
	e.DType.Round(xc)

	dbl := m.XProj.Out()
	xdbl := make([]float32, rows*dbl)
	if err := m.XProj.Forward(e, xdbl, xc, rows); err != nil {
		return fmt.Errorf("mamba x_proj: %w", err)
	}
	dtIn := make([]float32, rows*m.DtRank)
	for r := range rows {
		copy(dtIn[r*m.DtRank:(r+1)*m.DtRank], xdbl[r*dbl:r*dbl+m.DtRank])
	}
	// The dt bias is added inside the softplus, not by the projection.
	dt := make([]float32, rows*m.DInner)
	ensureOps(e.Ops).Linear(dt, dtIn, rows, m.DtProj.Weight, nil)
	e.DType.Round(dt)
	for r := range rows {
		row := dt[r*m.DInner : (r+1)*m.DInner]
		for i, v := range row {
			row[i] = tensor.Softplus(v + m.DtProj.Bias[i])
		}
	}

	y := make([]float32, rows*m.DInner)
	for b := range batch {
		ssm := state.SSM[b]
		for t := range length {
			r := b*length + t
			bc := xdbl[r*dbl+m.DtRank : (r+1)*dbl]
			out := y[r*m.DInner : (r+1)*m.DInner]
			channelScan(out, ssm, xc[r*m.DInner:(r+1)*m.DInner], dt[r*m.DInner:(r+1)*m.DInner], m.ALog, bc[:m.DState], bc[m.DState:], m.D, m.DState)
			z := xz[r*2*m.DInner+m.DInner : (r+1)*2*m.DInner]
			for i := range out {
				out[i] *= tensor.Silu(z[i])
			}
		}
	}
	e.DType.Round(y)
	if err := m.OutProj.Forward(e, dst, y, rows); err != nil {
		return fmt.Errorf("mamba out_proj: %w", err)
	}
	return nil
}

func (m *Mamba) Params(prefix string) []*Param {
	ps := m.InProj.Params(Join(prefix, "in_proj"))
	ps = append(ps, &Param{Name: Join(prefix, "conv1d.weight"), Shape: []int{m.DInner, 1, m.DConv}, Data: m.Conv.Data, Role: RoleSSM, FanIn: m.DConv})
	if m.ConvBias != nil {
		ps = append(ps, &Param{Name: Join(prefix, "conv1d.bias"), Shape: []int{m.DInner}, Data: m.ConvBias, Role: RoleSSM, FanIn: m.DConv})
	}
	ps = append(ps, m.XProj.Params(Join(prefix, "x_proj"))...)
	ps = append(ps, m.DtProj.Params(Join(prefix, "dt_proj"))...)
	ps = append(ps,
		&Param{Name: Join(prefix, "A_log"), Shape: []int{m.DInner, m.DState}, Data: m.ALog, Role: RoleSSM},
		vecParam(Join(prefix, "D"), m.D, RoleSSM),
	)
	return append(ps, m.OutProj.Params(Join(prefix, "out_proj"))...)
}
