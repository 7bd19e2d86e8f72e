package model

import (
	"fmt"

	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// LayerCache is the mixer state of one layer index. Backward is nil for
// the unidirectional backbone.
type LayerCache struct {
	Forward  nn.State
	Backward nn.State
}

// InferenceCache holds the per-layer recurrent and key/value state for
// incremental processing. It is sized for one (batch, max length, dtype)
// combination and must be reallocated when any of them changes. It must not
// be shared by concurrent forward calls.
type InferenceCache struct {
	BatchSize    int
	MaxSeqLen    int
	DType        tensor.DType
	SeqLenOffset int
	Layers       map[int]*LayerCache
}

// Reset zeroes every state and rewinds the offset.
func (c *InferenceCache) Reset() {
	c.SeqLenOffset = 0
	for _, lc := range c.Layers {
		if lc.Forward != nil {
			lc.Forward.Reset()
		}
		if lc.Backward != nil {
			lc.Backward.Reset()
		}
	}
}

func (c *InferenceCache) check(batch, length, nLayer int, dtype tensor.DType) error {
	switch {
	case c.BatchSize != batch:
		return fmt.Errorf("%w: cache allocated for batch %d, got %d", ErrCacheMismatch, c.BatchSize, batch)
	case c.SeqLenOffset+length > c.MaxSeqLen:
		return fmt.Errorf("%w: %d cached + %d new positions exceed max_seqlen %d", ErrCacheMismatch, c.SeqLenOffset, length, c.MaxSeqLen)
	case len(c.Layers) != nLayer:
		return fmt.Errorf("%w: cache has %d layers, model has %d", ErrCacheMismatch, len(c.Layers), nLayer)
	case c.DType != dtype:
		return fmt.Errorf("%w: cache dtype %s, model dtype %s", ErrCacheMismatch, c.DType, dtype)
	}
	return nil
}

func (c *InferenceCache) layer(i int) *LayerCache {
	if c == nil {
		return nil
	}
	return c.Layers[i]
}

func forwardState(lc *LayerCache) nn.State {
	if lc == nil {
		return nil
	}
	return lc.Forward
}

func backwardState(lc *LayerCache) nn.State {
	if lc == nil {
		return nil
	}
	return lc.Backward
}
