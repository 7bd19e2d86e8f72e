package model

import (
	"fmt"

	"github.com/samcharles93/dgrna/internal/backend"
	"github.com/samcharles93/dgrna/internal/logger"
	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

// Option configures model construction.
type Option func(*options)

type options struct {
	seed     uint64
	log      logger.Logger
	backend  backend.Backend
	parallel bool
}

func defaultOptions() *options {
	return &options{log: logger.Discard()}
}

// WithSeed sets the seed of the initialization draws.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithBackend selects the kernels. The default is the CPU backend.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithParallelDirections runs the forward and backward stacks of a layer
// concurrently in the bidirectional backbone.
func WithParallelDirections(on bool) Option {
	return func(o *options) { o.parallel = on }
}

// LMHeadModel owns a backbone and a masked-LM head.
type LMHeadModel struct {
	// Config is the construction record with defaults applied. VocabSize is
	// the requested, unpadded size.
	Config   Config
	Backbone Backbone
	LMHead   *LMHead

	dtype   tensor.DType
	backend backend.Backend
	log     logger.Logger
	// extra holds optional checkpoint tensors that no module consumes.
	extra StateDict
}

// New builds a randomly initialized model.
func New(cfg Config, opts ...Option) (*LMHeadModel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dtype, _ := tensor.ParseDType(cfg.DType)

	be := o.backend
	if be == nil {
		var err error
		if be, err = backend.New(backend.Auto); err != nil {
			return nil, err
		}
	}
	if cfg.FusedAddNorm && !be.SupportsFusedAddNorm() {
		return nil, configErr("fused_add_norm requires fused add-norm kernels, backend %q has none", be.Name())
	}

	vocab := cfg.PaddedVocabSize()
	var bb Backbone
	switch cfg.Backbone {
	case BackboneUnidirectional:
		mm, err := NewMixerModel(cfg, vocab)
		if err != nil {
			return nil, err
		}
		bb = mm
	default:
		bm, err := NewBiMixerModel(cfg, vocab)
		if err != nil {
			return nil, err
		}
		bm.ParallelDirections = o.parallel
		bb = bm
	}
	head, err := NewLMHead(cfg.DModel, vocab, cfg.ActivationFn)
	if err != nil {
		return nil, err
	}

	m := &LMHeadModel{
		Config:   cfg,
		Backbone: bb,
		LMHead:   head,
		dtype:    dtype,
		backend:  be,
		log:      o.log,
	}
	if err := m.initWeights(nn.NewInitializer(o.seed)); err != nil {
		return nil, err
	}
	m.log.Debug("model constructed",
		"backbone", cfg.Backbone,
		"d_model", cfg.DModel,
		"n_layer", cfg.NLayer,
		"vocab", vocab,
		"params", m.NumParams(),
		"dtype", dtype.String(),
		"backend", be.Name(),
	)
	return m, nil
}

// initWeights runs the layer defaults, the state-space initialization of
// every mixer, the depth-aware policy, tying, and the final rounding to the
// model dtype, in that order.
func (m *LMHeadModel) initWeights(in *nn.Initializer) error {
	params := m.Params()
	in.Default(params)
	for _, mx := range m.Backbone.mixers() {
		if si, ok := mx.(nn.SSMInitializer); ok {
			if err := si.InitSSM(in); err != nil {
				return fmt.Errorf("%w: %v", ErrConfig, err)
			}
		}
	}
	newInitPolicy(m.Config).Apply(in, params)
	if m.Config.TieEmbeddings {
		m.TieWeights()
	}
	m.roundParams()
	return nil
}

// TieWeights makes the head projection the embedding table itself.
func (m *LMHeadModel) TieWeights() {
	m.LMHead.Weight = m.Backbone.Embedding().Weight
}

// Tied reports whether the head projection shares the embedding storage.
func (m *LMHeadModel) Tied() bool {
	return m.LMHead.Weight == m.Backbone.Embedding().Weight
}

func (m *LMHeadModel) roundParams() {
	for _, p := range uniqueParams(m.Params()) {
		m.dtype.Round(p.Data)
	}
}

// Params lists every parameter under its state dict name. Tied storage is
// listed under both names.
func (m *LMHeadModel) Params() []*nn.Param {
	ps := m.Backbone.Params("backbone")
	return append(ps, m.LMHead.Params("lm_head")...)
}

func uniqueParams(params []*nn.Param) []*nn.Param {
	seen := make(map[*float32]bool, len(params))
	out := params[:0:0]
	for _, p := range params {
		if len(p.Data) == 0 || seen[&p.Data[0]] {
			continue
		}
		seen[&p.Data[0]] = true
		out = append(out, p)
	}
	return out
}

// NumParams counts distinct parameter values.
func (m *LMHeadModel) NumParams() int {
	n := 0
	for _, p := range uniqueParams(m.Params()) {
		n += p.NumElements()
	}
	return n
}

// VocabSize returns the padded vocabulary size.
func (m *LMHeadModel) VocabSize() int { return m.Backbone.Embedding().Weight.R }

func (m *LMHeadModel) DType() tensor.DType { return m.dtype }

func (m *LMHeadModel) Backend() backend.Backend { return m.backend }

// AllocateInferenceCache returns zeroed state for every layer index.
func (m *LMHeadModel) AllocateInferenceCache(batch, maxSeqLen int) *InferenceCache {
	return m.Backbone.AllocateInferenceCache(batch, maxSeqLen, m.dtype)
}

// ForwardOption configures one forward call.
type ForwardOption func(*forwardOptions)

type forwardOptions struct {
	cache  *InferenceCache
	masked [][]bool
}

// WithCache continues from the state held in c and advances it.
func WithCache(c *InferenceCache) ForwardOption {
	return func(o *forwardOptions) { o.cache = c }
}

// WithMaskedTokens restricts Logits to the positions set in mask.
func WithMaskedTokens(mask [][]bool) ForwardOption {
	return func(o *forwardOptions) { o.masked = mask }
}

func (m *LMHeadModel) exec() nn.Exec {
	return nn.NewExec(m.backend, m.dtype)
}

// Forward returns the final hidden states (batch, length, d_model).
func (m *LMHeadModel) Forward(ids [][]int, opts ...ForwardOption) (*tensor.Tensor, error) {
	var fo forwardOptions
	for _, opt := range opts {
		opt(&fo)
	}
	return m.hidden(ids, fo.cache)
}

// Logits runs the head on the hidden states. With WithMaskedTokens only the
// selected positions are returned as (1, N, vocab).
func (m *LMHeadModel) Logits(ids [][]int, opts ...ForwardOption) (*tensor.Tensor, error) {
	var fo forwardOptions
	for _, opt := range opts {
		opt(&fo)
	}
	h, err := m.hidden(ids, fo.cache)
	if err != nil {
		return nil, err
	}
	return m.LMHead.Forward(m.exec(), h, fo.masked)
}

func (m *LMHeadModel) hidden(ids [][]int, cache *InferenceCache) (*tensor.Tensor, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, shapeErr("empty token batch")
	}
	batch, length := len(ids), len(ids[0])
	if cache != nil {
		if err := cache.check(batch, length, m.Backbone.NumLayers(), m.dtype); err != nil {
			return nil, err
		}
	}
	h, err := m.Backbone.Forward(m.exec(), ids, cache)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.SeqLenOffset += length
	}
	return h, nil
}
