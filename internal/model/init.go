package model

import (
	"math"

	"github.com/samcharles93/dgrna/internal/nn"
)

// InitPolicy is the depth-aware initialization pass run once after the
// whole model is built.
type InitPolicy struct {
	NLayer int
	// ResidualsPerLayer is 1 without MLP and 2 with MLP.
	ResidualsPerLayer int
	InitializerRange  float64
	// RescalePrenormResidual enables the depth rescaling of residual
	// output projections.
	RescalePrenormResidual bool
}

func newInitPolicy(cfg Config) InitPolicy {
	k := 1
	if cfg.DIntermediate > 0 {
		k = 2
	}
	return InitPolicy{
		NLayer:                 cfg.NLayer,
		ResidualsPerLayer:      k,
		InitializerRange:       cfg.InitializerRange,
		RescalePrenormResidual: true,
	}
}

// Apply walks the flat parameter registry:
//   - biases are zeroed unless flagged NoReinit
//   - embeddings are drawn from N(0, InitializerRange)
//   - residual output projections get a fresh kaiming-uniform draw scaled
//     by 1/sqrt(ResidualsPerLayer * NLayer)
//
// Parameters sharing storage are visited once. Every invocation redraws, so
// repeated calls never compound the scale.
func (p InitPolicy) Apply(in *nn.Initializer, params []*nn.Param) {
	seen := make(map[*float32]bool, len(params))
	div := float32(math.Sqrt(float64(p.ResidualsPerLayer * p.NLayer)))
	for _, prm := range params {
		if len(prm.Data) == 0 {
			continue
		}
		key := &prm.Data[0]
		if seen[key] {
			continue
		}
		seen[key] = true

		switch prm.Role {
		case nn.RoleBias:
			if !prm.NoReinit {
				clear(prm.Data)
			}
		case nn.RoleEmbedding:
			in.Normal(prm.Data, 0, p.InitializerRange)
		case nn.RoleResidualOut:
			if !p.RescalePrenormResidual {
				continue
			}
			in.KaimingUniform(prm.Data, prm.FanIn)
			for i := range prm.Data {
				prm.Data[i] /= div
			}
		}
	}
}
