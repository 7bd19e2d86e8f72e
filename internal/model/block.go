package model

import (
	"fmt"
	"slices"

	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// BlockConfig carries the inputs of the block factory.
type BlockConfig struct {
	DModel         int
	DIntermediate  int
	SSMCfg         nn.SSMConfig
	AttnLayerIdx   []int
	AttnCfg        nn.AttnConfig
	NormEpsilon    float64
	RMSNorm        bool
	ResidualInFP32 bool
	FusedAddNorm   bool
	LayerIdx       int
}

// Block is one pre-norm residual unit. It uses the "Add -> Norm -> Mixer"
// ordering: it receives the previous block's output and the residual stream,
// adds them, normalizes, mixes, and returns both the mixer output and the
// updated residual. Norm2 and MLP repeat the pattern when an MLP is present.
type Block struct {
	LayerIdx int
	Kind     nn.MixerKind
	Mixer    nn.Mixer
	MLP      *nn.GatedMLP // nil when d_intermediate == 0
	Norm     *nn.Norm
	Norm2    *nn.Norm // nil without MLP

	ResidualInFP32 bool
	FusedAddNorm   bool
}

// NewBlock selects the mixer, the MLP and the norm for one layer.
func NewBlock(cfg BlockConfig) (*Block, error) {
	if cfg.DModel <= 0 {
		return nil, configErr("d_model must be positive, got %d", cfg.DModel)
	}
	b := &Block{
		LayerIdx:       cfg.LayerIdx,
		ResidualInFP32: cfg.ResidualInFP32,
		FusedAddNorm:   cfg.FusedAddNorm,
	}

	var err error
	if slices.Contains(cfg.AttnLayerIdx, cfg.LayerIdx) {
		b.Kind = nn.MixerAttention
		b.Mixer, err = nn.NewMHA(cfg.DModel, cfg.AttnCfg)
	} else {
		switch cfg.SSMCfg.LayerName() {
		case nn.LayerMamba2:
			b.Kind = nn.MixerMamba2
			b.Mixer, err = nn.NewMamba2(cfg.DModel, cfg.SSMCfg)
		case nn.LayerMamba1:
			b.Kind = nn.MixerMamba1
			b.Mixer, err = nn.NewMamba(cfg.DModel, cfg.SSMCfg)
		default:
			return nil, configErr("invalid ssm_layer: %s, only support Mamba1 and Mamba2", cfg.SSMCfg.Layer)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: layer %d: %v", ErrConfig, cfg.LayerIdx, err)
	}

	kind := tensor.LayerNormKind
	if cfg.RMSNorm {
		kind = tensor.RMSNormKind
	}
	b.Norm = nn.NewNorm(kind, cfg.DModel, float32(cfg.NormEpsilon))
	if cfg.DIntermediate > 0 {
		b.MLP = nn.NewGatedMLP(cfg.DModel, cfg.DIntermediate, cfg.DModel)
		b.Norm2 = nn.NewNorm(kind, cfg.DModel, float32(cfg.NormEpsilon))
	}
	return b, nil
}

// Forward runs the block on (batch, length, d_model) rows. residual is nil
// for the first block.
func (b *Block) Forward(e nn.Exec, hidden, residual []float32, batch, length int, st nn.State) ([]float32, []float32, error) {
	h, r, err := addNorm(e, b.FusedAddNorm, b.Norm, hidden, residual, b.ResidualInFP32, true)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d norm: %w", b.LayerIdx, err)
	}
	mixed := make([]float32, len(h))
	if err := b.Mixer.Forward(e, mixed, h, batch, length, st); err != nil {
		return nil, nil, fmt.Errorf("layer %d %s: %w", b.LayerIdx, b.Kind, err)
	}
	if b.MLP == nil {
		return mixed, r, nil
	}
	h, r, err = addNorm(e, b.FusedAddNorm, b.Norm2, mixed, r, b.ResidualInFP32, true)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d norm2: %w", b.LayerIdx, err)
	}
	out := make([]float32, len(h))
	if err := b.MLP.Forward(e, out, h, batch*length); err != nil {
		return nil, nil, fmt.Errorf("layer %d mlp: %w", b.LayerIdx, err)
	}
	return out, r, nil
}

func (b *Block) NewState(batch, maxSeqLen int) nn.State {
	return b.Mixer.NewState(batch, maxSeqLen)
}

func (b *Block) Params(prefix string) []*nn.Param {
	ps := b.Mixer.Params(nn.Join(prefix, "mixer"))
	ps = append(ps, b.Norm.Params(nn.Join(prefix, "norm"))...)
	if b.MLP != nil {
		ps = append(ps, b.Norm2.Params(nn.Join(prefix, "norm2"))...)
		ps = append(ps, b.MLP.Params(nn.Join(prefix, "mlp"))...)
	}
	return ps
}

// addNorm computes norm(x + residual). With prenorm it also returns the
// updated residual stream; otherwise the residual result is nil. The fused
// path requires a backend with the fused kernel.
func addNorm(e nn.Exec, fused bool, norm *nn.Norm, x, residual []float32, residualInFP32, prenorm bool) ([]float32, []float32, error) {
	dim := norm.Dim()
	if len(x)%dim != 0 {
		return nil, nil, shapeErr("norm over %d features got %d values", dim, len(x))
	}
	if residual != nil && len(residual) != len(x) {
		return nil, nil, shapeErr("residual has %d values, hidden state %d", len(residual), len(x))
	}
	out := make([]float32, len(x))
	res := make([]float32, len(x))
	if fused {
		f, ok := e.Ops.(nn.FusedOps)
		if !ok {
			return nil, nil, configErr("fused_add_norm requested but the backend has no fused add-norm kernel")
		}
		f.FusedAddNorm(out, res, x, residual, dim, norm.AddNormArgs(e.DType, residualInFP32))
	} else {
		copy(res, x)
		if residual != nil {
			tensor.Add(res, residual)
		}
		in := make([]float32, len(res))
		copy(in, res)
		e.DType.Round(in)
		norm.Forward(e, out, in)
		if !residualInFP32 {
			e.DType.Round(res)
		}
	}
	if !prenorm {
		return out, nil, nil
	}
	return out, res, nil
}
