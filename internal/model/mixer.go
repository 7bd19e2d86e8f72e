package model

import (
	"fmt"

	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// Backbone maps token ids to final hidden states.
type Backbone interface {
	nn.Module
	Embedding() *nn.Embedding
	NumLayers() int
	Forward(e nn.Exec, ids [][]int, cache *InferenceCache) (*tensor.Tensor, error)
	AllocateInferenceCache(batch, maxSeqLen int, dtype tensor.DType) *InferenceCache
	mixers() []nn.Mixer
}

// MixerModel is the unidirectional backbone:
// embedding -> layers[0..n) -> final norm.
type MixerModel struct {
	Emb    *nn.Embedding
	Layers []*Block
	NormF  *nn.Norm

	FusedAddNorm   bool
	ResidualInFP32 bool
}

func newBlocks(cfg Config) ([]*Block, error) {
	blocks := make([]*Block, cfg.NLayer)
	for i := range blocks {
		b, err := NewBlock(blockConfig(cfg, i))
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}
	return blocks, nil
}

func blockConfig(cfg Config, i int) BlockConfig {
	return BlockConfig{
		DModel:         cfg.DModel,
		DIntermediate:  cfg.DIntermediate,
		SSMCfg:         cfg.SSMCfg,
		AttnLayerIdx:   cfg.AttnLayerIdx,
		AttnCfg:        cfg.AttnCfg,
		NormEpsilon:    cfg.NormEpsilon,
		RMSNorm:        cfg.RMSNorm,
		ResidualInFP32: cfg.ResidualInFP32,
		FusedAddNorm:   cfg.FusedAddNorm,
		LayerIdx:       i,
	}
}

func newFinalNorm(cfg Config) *nn.Norm {
	kind := tensor.LayerNormKind
	if cfg.RMSNorm {
		kind = tensor.RMSNormKind
	}
	return nn.NewNorm(kind, cfg.DModel, float32(cfg.NormEpsilon))
}

// NewMixerModel builds the unidirectional backbone over a (padded) vocab.
func NewMixerModel(cfg Config, vocabSize int) (*MixerModel, error) {
	layers, err := newBlocks(cfg)
	if err != nil {
		return nil, err
	}
	return &MixerModel{
		Emb:            nn.NewEmbedding(vocabSize, cfg.DModel),
		Layers:         layers,
		NormF:          newFinalNorm(cfg),
		FusedAddNorm:   cfg.FusedAddNorm,
		ResidualInFP32: cfg.ResidualInFP32,
	}, nil
}

func (m *MixerModel) Embedding() *nn.Embedding { return m.Emb }
func (m *MixerModel) NumLayers() int           { return len(m.Layers) }

func (m *MixerModel) AllocateInferenceCache(batch, maxSeqLen int, dtype tensor.DType) *InferenceCache {
	c := &InferenceCache{BatchSize: batch, MaxSeqLen: maxSeqLen, DType: dtype, Layers: make(map[int]*LayerCache, len(m.Layers))}
	for i, l := range m.Layers {
		c.Layers[i] = &LayerCache{Forward: l.NewState(batch, maxSeqLen)}
	}
	return c
}

func (m *MixerModel) Forward(e nn.Exec, ids [][]int, cache *InferenceCache) (*tensor.Tensor, error) {
	x, err := m.Emb.Forward(ids)
	if err != nil {
		return nil, shapeErr("%v", err)
	}
	batch, length := x.Batch, x.Len
	hidden := x.Data
	var residual []float32
	for i, layer := range m.Layers {
		hidden, residual, err = layer.Forward(e, hidden, residual, batch, length, forwardState(cache.layer(i)))
		if err != nil {
			return nil, err
		}
	}
	out, _, err := addNorm(e, m.FusedAddNorm, m.NormF, hidden, residual, m.ResidualInFP32, false)
	if err != nil {
		return nil, fmt.Errorf("norm_f: %w", err)
	}
	return tensor.FromData(batch, length, m.Emb.Weight.C, out), nil
}

func (m *MixerModel) Params(prefix string) []*nn.Param {
	ps := m.Emb.Params(nn.Join(prefix, "embedding"))
	for i, l := range m.Layers {
		ps = append(ps, l.Params(nn.Join(prefix, fmt.Sprintf("layers.%d", i)))...)
	}
	return append(ps, m.NormF.Params(nn.Join(prefix, "norm_f"))...)
}

func (m *MixerModel) mixers() []nn.Mixer {
	out := make([]nn.Mixer, len(m.Layers))
	for i, l := range m.Layers {
		out[i] = l.Mixer
	}
	return out
}
