package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/dgrna/internal/alphabet"
)

// Pooling modes.
const (
	PoolMean = "mean"
	PoolCLS  = "cls"
	PoolNone = "none"
)

// ParsePool validates a pooling name. The empty string means mean pooling.
func ParsePool(s string) (string, error) {
	switch s {
	case "", PoolMean:
		return PoolMean, nil
	case PoolCLS, PoolNone:
		return s, nil
	}
	return "", fmt.Errorf("unknown pooling %q (want mean, cls or none)", s)
}

type Engine interface {
	Embed(ctx context.Context, req *Request) (*Result, error)
	Close() error
}

type Request struct {
	Records []alphabet.Record
	Pool    string
	// BatchSize bounds the number of sequences per forward pass.
	// Zero runs everything in one pass.
	BatchSize int
	// Truncate caps each sequence's token count. Zero disables truncation.
	Truncate int
}

type Embedding struct {
	Label string `json:"label"`
	// Tokens counts the residues that contributed, BOS/EOS excluded.
	Tokens int `json:"tokens"`
	// Vector is set for mean and cls pooling.
	Vector []float32 `json:"vector,omitempty"`
	// PerToken is set when pooling is none: one row per residue.
	PerToken [][]float32 `json:"per_token,omitempty"`
}

type Stats struct {
	Sequences int
	Tokens    int
	Batches   int
	Duration  time.Duration
}

type Result struct {
	Embeddings []Embedding
	Dim        int
	Stats      Stats
}
