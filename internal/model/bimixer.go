package model

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// BiMixerModel is the bidirectional backbone. Every layer index owns a
// forward block, a backward block that reads the sequence reversed, and a
// fusion projection from the concatenated 2*d_model features back to
// d_model. One attention stage refines the fused states before the final
// norm.
type BiMixerModel struct {
	Emb *nn.Embedding
	// Gate is the auxiliary embedding gate. It is kept so checkpoints load
	// but it is never evaluated.
	Gate           *nn.Linear
	ForwardLayers  []*Block
	BackwardLayers []*Block
	HiddenFC       []*nn.Linear
	AttnLayers     []*nn.MHA
	NormF          *nn.Norm

	FusedAddNorm   bool
	ResidualInFP32 bool
	// ParallelDirections runs the two directions of a layer concurrently.
	ParallelDirections bool
}

// NewBiMixerModel builds the bidirectional backbone over a (padded) vocab.
func NewBiMixerModel(cfg Config, vocabSize int) (*BiMixerModel, error) {
	fwd, err := newBlocks(cfg)
	if err != nil {
		return nil, err
	}
	bwd, err := newBlocks(cfg)
	if err != nil {
		return nil, err
	}
	heads := cfg.RefineNumHeads
	if heads <= 0 {
		heads = gcd(32, cfg.DModel)
	}
	if cfg.DModel%heads != 0 {
		return nil, configErr("d_model %d not divisible by %d refinement heads", cfg.DModel, heads)
	}
	rotary := cfg.RefineRotaryDim
	if rotary == 0 {
		rotary = (cfg.DModel / heads) &^ 1
	}
	attn, err := nn.NewRefinementAttention(cfg.DModel, heads, rotary)
	if err != nil {
		return nil, fmt.Errorf("%w: refinement attention: %v", ErrConfig, err)
	}
	fc := make([]*nn.Linear, cfg.NLayer)
	for i := range fc {
		fc[i] = nn.NewLinear(2*cfg.DModel, cfg.DModel, true)
	}
	return &BiMixerModel{
		Emb:            nn.NewEmbedding(vocabSize, cfg.DModel),
		Gate:           nn.NewLinear(cfg.DModel, 1, true),
		ForwardLayers:  fwd,
		BackwardLayers: bwd,
		HiddenFC:       fc,
		AttnLayers:     []*nn.MHA{attn},
		NormF:          newFinalNorm(cfg),
		FusedAddNorm:   cfg.FusedAddNorm,
		ResidualInFP32: cfg.ResidualInFP32,
	}, nil
}

func (m *BiMixerModel) Embedding() *nn.Embedding { return m.Emb }
func (m *BiMixerModel) NumLayers() int           { return len(m.ForwardLayers) }

func (m *BiMixerModel) AllocateInferenceCache(batch, maxSeqLen int, dtype tensor.DType) *InferenceCache {
	c := &InferenceCache{BatchSize: batch, MaxSeqLen: maxSeqLen, DType: dtype, Layers: make(map[int]*LayerCache, len(m.ForwardLayers))}
	for i := range m.ForwardLayers {
		c.Layers[i] = &LayerCache{
			Forward:  m.ForwardLayers[i].NewState(batch, maxSeqLen),
			Backward: m.BackwardLayers[i].NewState(batch, maxSeqLen),
		}
	}
	return c
}

type direction struct {
	hidden, residual []float32
}

func (m *BiMixerModel) Forward(e nn.Exec, ids [][]int, cache *InferenceCache) (*tensor.Tensor, error) {
	x, err := m.Emb.Forward(ids)
	if err != nil {
		return nil, shapeErr("%v", err)
	}
	batch, length, dim := x.Batch, x.Len, x.Dim
	rows := batch * length
	hidden := x.Data
	var residual []float32
	for i := range m.ForwardLayers {
		hidden, residual, err = m.layer(e, i, hidden, residual, batch, length, cache.layer(i))
		if err != nil {
			return nil, err
		}
	}

	refined := make([]float32, rows*dim)
	if err := m.AttnLayers[0].Forward(e, refined, hidden, batch, length, nil); err != nil {
		return nil, fmt.Errorf("attn_layers.0: %w", err)
	}
	out, _, err := addNorm(e, m.FusedAddNorm, m.NormF, refined, residual, m.ResidualInFP32, false)
	if err != nil {
		return nil, fmt.Errorf("norm_f: %w", err)
	}
	return tensor.FromData(batch, length, dim, out), nil
}

// layer runs both directions of layer i and fuses them. With hf, rf the
// forward outputs and hb, rb the backward outputs flipped back to forward
// order:
//
//	hidden   = hidden_fc(concat(hf, hb)) + hf
//	residual = (rf + rb) / 2
func (m *BiMixerModel) layer(e nn.Exec, i int, hidden, residual []float32, batch, length int, lc *LayerCache) ([]float32, []float32, error) {
	dim := m.Emb.Weight.C
	rows := batch * length
	var f, b direction
	runForward := func() error {
		var err error
		f.hidden, f.residual, err = m.ForwardLayers[i].Forward(e, hidden, residual, batch, length, forwardState(lc))
		return err
	}
	runBackward := func() error {
		var err error
		b.hidden, b.residual, err = m.BackwardLayers[i].Forward(e,
			tensor.Flipped(hidden, batch, length, dim),
			tensor.Flipped(residual, batch, length, dim),
			batch, length, backwardState(lc))
		return err
	}
	var err error
	if m.ParallelDirections {
		var g errgroup.Group
		g.Go(runForward)
		g.Go(runBackward)
		err = g.Wait()
	} else if err = runForward(); err == nil {
		err = runBackward()
	}
	if err != nil {
		return nil, nil, err
	}

	hb := tensor.Flipped(b.hidden, batch, length, dim)
	cat := make([]float32, rows*2*dim)
	tensor.ConcatFeatures(cat, f.hidden, hb, rows, dim, dim)
	fused := make([]float32, rows*dim)
	if err := m.HiddenFC[i].Forward(e, fused, cat, rows); err != nil {
		return nil, nil, shapeErr("hidden_fc %d: %v", i, err)
	}
	tensor.Add(fused, f.hidden)
	e.DType.Round(fused)

	rb := tensor.Flipped(b.residual, batch, length, dim)
	fusedResidual := make([]float32, rows*dim)
	tensor.AddScaled(fusedResidual, f.residual, rb, 0.5)
	if !m.ResidualInFP32 {
		e.DType.Round(fusedResidual)
	}
	return fused, fusedResidual, nil
}

func (m *BiMixerModel) Params(prefix string) []*nn.Param {
	ps := m.Emb.Params(nn.Join(prefix, "embedding"))
	ps = append(ps, m.Gate.Params(nn.Join(prefix, "gate"))...)
	for i, l := range m.ForwardLayers {
		ps = append(ps, l.Params(nn.Join(prefix, fmt.Sprintf("forward_layers.%d", i)))...)
	}
	for i, l := range m.BackwardLayers {
		ps = append(ps, l.Params(nn.Join(prefix, fmt.Sprintf("backward_layers.%d", i)))...)
	}
	for i, a := range m.AttnLayers {
		ps = append(ps, a.Params(nn.Join(prefix, fmt.Sprintf("attn_layers.%d", i)))...)
	}
	for i, fc := range m.HiddenFC {
		ps = append(ps, fc.Params(nn.Join(prefix, fmt.Sprintf("hidden_fc.%d", i)))...)
	}
	return append(ps, m.NormF.Params(nn.Join(prefix, "norm_f"))...)
}

func (m *BiMixerModel) mixers() []nn.Mixer {
	out := make([]nn.Mixer, 0, 2*len(m.ForwardLayers)+len(m.AttnLayers))
	for i := range m.ForwardLayers {
		out = append(out, m.ForwardLayers[i].Mixer, m.BackwardLayers[i].Mixer)
	}
	for _, a := range m.AttnLayers {
		out = append(out, a)
	}
	return out
}
