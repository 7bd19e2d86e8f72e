package inference

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/dgrna/internal/alphabet"
	"github.com/samcharles93/dgrna/internal/model"
	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// constEncoder returns hidden states whose value at (b, l, j) is l.
type constEncoder struct {
	dim   int
	calls int
}

func (c *constEncoder) Forward(ids [][]int, _ ...model.ForwardOption) (*tensor.Tensor, error) {
	c.calls++
	h := tensor.New(len(ids), len(ids[0]), c.dim)
	for b := range ids {
		for l := range ids[b] {
			for j := range c.dim {
				h.At(b, l)[j] = float32(l)
			}
		}
	}
	return h, nil
}

type panicEncoder struct{}

func (panicEncoder) Forward([][]int, ...model.ForwardOption) (*tensor.Tensor, error) {
	panic("boom")
}

func TestEmbedMeanPoolingSkipsSpecialTokens(t *testing.T) {
	t.Parallel()
	enc := &constEncoder{dim: 3}
	e := NewEngine(enc, alphabet.ESM1b(), "test")
	res, err := e.Embed(context.Background(), &Request{Records: []alphabet.Record{
		{Label: "long", Sequence: "ACGU"},
		{Label: "short", Sequence: "AC"},
	}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	// Residues of "long" sit at positions 1..4, of "short" at 1..2.
	want := map[string]float32{"long": 2.5, "short": 1.5}
	for _, emb := range res.Embeddings {
		if len(emb.Vector) != 3 {
			t.Fatalf("%s: dim %d", emb.Label, len(emb.Vector))
		}
		if emb.Vector[0] != want[emb.Label] {
			t.Errorf("%s: mean = %v, want %v", emb.Label, emb.Vector[0], want[emb.Label])
		}
	}
	if res.Embeddings[0].Tokens != 4 || res.Embeddings[1].Tokens != 2 {
		t.Fatalf("token counts %d %d", res.Embeddings[0].Tokens, res.Embeddings[1].Tokens)
	}
	if res.Stats.Sequences != 2 || res.Stats.Tokens != 6 || res.Stats.Batches != 1 || res.Dim != 3 {
		t.Fatalf("stats %+v dim %d", res.Stats, res.Dim)
	}
}

func TestEmbedPoolingModes(t *testing.T) {
	t.Parallel()
	e := NewEngine(&constEncoder{dim: 2}, alphabet.ESM1b(), "test")
	recs := []alphabet.Record{{Label: "x", Sequence: "GGG"}}

	res, err := e.Embed(context.Background(), &Request{Records: recs, Pool: PoolCLS})
	if err != nil {
		t.Fatalf("cls: %v", err)
	}
	if v := res.Embeddings[0].Vector; v[0] != 0 || v[1] != 0 {
		t.Fatalf("cls vector = %v", v)
	}

	res, err = e.Embed(context.Background(), &Request{Records: recs, Pool: PoolNone})
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	rows := res.Embeddings[0].PerToken
	if len(rows) != 3 || rows[0][0] != 1 || rows[2][1] != 3 {
		t.Fatalf("per-token rows = %v", rows)
	}
	if res.Embeddings[0].Vector != nil {
		t.Fatal("vector set without pooling")
	}

	if _, err := e.Embed(context.Background(), &Request{Records: recs, Pool: "max"}); err == nil {
		t.Fatal("expected an error for an unknown pooling mode")
	}
}

func TestEmbedBatches(t *testing.T) {
	t.Parallel()
	enc := &constEncoder{dim: 1}
	e := NewEngine(enc, alphabet.ESM1b(), "test")
	recs := make([]alphabet.Record, 5)
	for i := range recs {
		recs[i] = alphabet.Record{Label: string(rune('a' + i)), Sequence: strings.Repeat("A", i+1)}
	}
	res, err := e.Embed(context.Background(), &Request{Records: recs, BatchSize: 2})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if enc.calls != 3 || res.Stats.Batches != 3 {
		t.Fatalf("forward calls = %d, batches = %d, want 3", enc.calls, res.Stats.Batches)
	}
	for i, emb := range res.Embeddings {
		if emb.Label != recs[i].Label {
			t.Fatalf("order changed: %d is %s", i, emb.Label)
		}
	}
}

func TestEmbedErrors(t *testing.T) {
	t.Parallel()
	e := NewEngine(panicEncoder{}, alphabet.ESM1b(), "test")
	_, err := e.Embed(context.Background(), &Request{Records: []alphabet.Record{{Label: "x", Sequence: "A"}}})
	if err == nil || !strings.Contains(err.Error(), "panic in Forward") {
		t.Fatalf("got %v, want a converted panic", err)
	}
	if _, err := e.Embed(context.Background(), &Request{}); err == nil {
		t.Fatal("expected an error for an empty request")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e = NewEngine(&constEncoder{dim: 1}, alphabet.ESM1b(), "test")
	_, err = e.Embed(ctx, &Request{Records: []alphabet.Record{{Label: "x", Sequence: "A"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestLoaderRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		DModel:               8,
		NLayer:               1,
		VocabSize:            25,
		SSMCfg:               nn.SSMConfig{DState: 4, HeadDim: 4, DConv: 3},
		NormEpsilon:          1e-5,
		ResidualInFP32:       true,
		FusedAddNorm:         true,
		PadVocabSizeMultiple: 8,
		TieEmbeddings:        true,
	}
	m, err := model.New(cfg, model.WithSeed(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "rna_tiny")
	if err := m.SavePretrained(dir); err != nil {
		t.Fatalf("SavePretrained: %v", err)
	}

	lr, err := Loader{Backend: "cpu"}.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lr.Engine.Name() != "rna_tiny" {
		t.Fatalf("name = %q", lr.Engine.Name())
	}
	res, err := lr.Engine.Embed(context.Background(), &Request{Records: []alphabet.Record{
		{Label: "RNA3", Sequence: "CGAUUCNCGUUCCC--CCGCCUCCA"},
	}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v := res.Embeddings[0].Vector
	if len(v) != 8 || res.Embeddings[0].Tokens != 25 {
		t.Fatalf("vector dim %d tokens %d", len(v), res.Embeddings[0].Tokens)
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) {
			t.Fatal("NaN in embedding")
		}
	}

	if _, err := (Loader{Backend: "tpu"}).Load(dir); err == nil {
		t.Fatal("expected an unknown backend error")
	}
}
