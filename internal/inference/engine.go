package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/dgrna/internal/alphabet"
	"github.com/samcharles93/dgrna/internal/model"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// Encoder produces per-token hidden states for a padded id batch.
type Encoder interface {
	Forward(ids [][]int, opts ...model.ForwardOption) (*tensor.Tensor, error)
}

// EngineImpl serializes access to one encoder.
type EngineImpl struct {
	mu       sync.Mutex
	encoder  Encoder
	alphabet *alphabet.Alphabet
	name     string
}

// NewEngine wraps enc. name is reported by Name and the HTTP service.
func NewEngine(enc Encoder, a *alphabet.Alphabet, name string) *EngineImpl {
	return &EngineImpl{encoder: enc, alphabet: a, name: name}
}

func (e *EngineImpl) Name() string { return e.name }

func (e *EngineImpl) Alphabet() *alphabet.Alphabet { return e.alphabet }

func (e *EngineImpl) Close() error { return nil }

// Embed encodes req.Records in order. Sequences within a batch are padded to
// the longest one.
func (e *EngineImpl) Embed(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || len(req.Records) == 0 {
		return nil, fmt.Errorf("no sequences to embed")
	}
	pool, err := ParsePool(req.Pool)
	if err != nil {
		return nil, err
	}
	size := req.BatchSize
	if size <= 0 {
		size = len(req.Records)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res := &Result{Embeddings: make([]Embedding, 0, len(req.Records))}
	conv := e.alphabet.BatchConverter(req.Truncate)
	for lo := 0; lo < len(req.Records); lo += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+size, len(req.Records))
		batch := conv.Convert(req.Records[lo:hi])
		h, err := e.forward(batch.Tokens)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", res.Stats.Batches, err)
		}
		res.Dim = h.Dim
		for i := range batch.Tokens {
			emb := e.pool(h, i, batch.Lengths[i], pool)
			emb.Label = batch.Labels[i]
			res.Embeddings = append(res.Embeddings, emb)
			res.Stats.Tokens += emb.Tokens
		}
		res.Stats.Batches++
	}
	res.Stats.Sequences = len(res.Embeddings)
	res.Stats.Duration = time.Since(start)
	return res, nil
}

func (e *EngineImpl) forward(ids [][]int) (h *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("panic in Forward: %v", r)
		}
	}()
	return e.encoder.Forward(ids)
}

// residues returns the [start, end) token range of row i that holds
// sequence residues.
func (e *EngineImpl) residues(length int) (int, int) {
	start, end := 0, length
	if e.alphabet.PrependBOS {
		start++
	}
	if e.alphabet.AppendEOS {
		end--
	}
	return start, max(start, end)
}

func (e *EngineImpl) pool(h *tensor.Tensor, row, length int, pool string) Embedding {
	start, end := e.residues(length)
	emb := Embedding{Tokens: end - start}
	switch pool {
	case PoolCLS:
		emb.Vector = append([]float32(nil), h.At(row, 0)...)
	case PoolNone:
		emb.PerToken = make([][]float32, 0, end-start)
		for l := start; l < end; l++ {
			emb.PerToken = append(emb.PerToken, append([]float32(nil), h.At(row, l)...))
		}
	default:
		emb.Vector = meanRows(h, row, start, end)
	}
	return emb
}

func meanRows(h *tensor.Tensor, row, start, end int) []float32 {
	out := make([]float32, h.Dim)
	if end <= start {
		return out
	}
	acc := make([]float64, h.Dim)
	for l := start; l < end; l++ {
		for j, v := range h.At(row, l) {
			acc[j] += float64(v)
		}
	}
	n := float64(end - start)
	for j := range out {
		out[j] = float32(acc[j] / n)
	}
	return out
}
