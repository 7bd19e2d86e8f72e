package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/dgrna/internal/tensor"
)

// MHA is multi-head attention with an optional rotary embedding, grouped
// key/value heads and an optional gated MLP branch sharing the input
// projection. The fused qkv projection is laid out as [q | k | v | mlp].
type MHA struct {
	EmbedDim   int
	NumHeads   int
	NumHeadsKV int
	HeadDim    int
	MLPDim     int

	InProj  *Linear
	OutProj *Linear

	Causal            bool
	SoftmaxScale      float32
	RotaryDim         int
	RotaryBase        float64
	RotaryInterleaved bool

	// InProjName is the state dict name of InProj ("in_proj" or "Wqkv").
	InProjName string

	invFreq []float64
}

// NewMHA builds an attention mixer from attn_cfg.
func NewMHA(embedDim int, cfg AttnConfig) (*MHA, error) {
	if cfg.NumHeads <= 0 {
		return nil, fmt.Errorf("attention: num_heads must be positive, got %d", cfg.NumHeads)
	}
	if cfg.DConv > 0 {
		return nil, fmt.Errorf("attention: d_conv %d is not supported", cfg.DConv)
	}
	m := &MHA{
		EmbedDim:          embedDim,
		NumHeads:          cfg.NumHeads,
		NumHeadsKV:        intOr(cfg.NumHeadsKV, cfg.NumHeads),
		HeadDim:           cfg.HeadDim,
		Causal:            cfg.Causal,
		RotaryDim:         cfg.RotaryEmbDim,
		RotaryBase:        floatOr(cfg.RotaryEmbBase, 10000),
		RotaryInterleaved: cfg.RotaryInterleaved,
		InProjName:        "in_proj",
	}
	if cfg.MLPDim > 0 {
		m.MLPDim = (cfg.MLPDim + 255) / 256 * 256
	}
	if m.HeadDim == 0 {
		if embedDim%m.NumHeads != 0 {
			return nil, fmt.Errorf("attention: d_model %d not divisible by %d heads", embedDim, m.NumHeads)
		}
		m.HeadDim = embedDim / m.NumHeads
	}
	if m.NumHeads%m.NumHeadsKV != 0 {
		return nil, fmt.Errorf("attention: %d heads not divisible by %d kv heads", m.NumHeads, m.NumHeadsKV)
	}
	if m.RotaryDim%2 != 0 || m.RotaryDim > m.HeadDim {
		return nil, fmt.Errorf("attention: rotary_emb_dim %d must be even and at most head_dim %d", m.RotaryDim, m.HeadDim)
	}
	scale := 1 / math.Sqrt(float64(m.HeadDim))
	if cfg.SoftmaxScale != nil {
		scale = *cfg.SoftmaxScale
	}
	m.SoftmaxScale = float32(scale)
	if m.RotaryDim > 0 {
		m.invFreq = tensor.RopeInvFreq(m.RotaryDim, m.RotaryBase)
	}
	m.InProj = NewLinear(embedDim, m.qkvDim()+m.MLPDim, boolOr(cfg.QKVProjBias, true))
	m.OutProj = NewLinear(m.NumHeads*m.HeadDim+m.MLPDim/2, embedDim, boolOr(cfg.OutProjBias, true))
	m.OutProj.ResidualOut = true
	return m, nil
}

// NewRefinementAttention builds the non-causal attention stage applied after
// the directional stacks. Its qkv projection is stored as Wqkv.
func NewRefinementAttention(embedDim, numHeads, rotaryDim int) (*MHA, error) {
	m, err := NewMHA(embedDim, AttnConfig{NumHeads: numHeads, RotaryEmbDim: rotaryDim})
	if err != nil {
		return nil, err
	}
	m.InProjName = "Wqkv"
	return m, nil
}

func (m *MHA) Kind() MixerKind { return MixerAttention }

func (m *MHA) qDim() int   { return m.NumHeads * m.HeadDim }
func (m *MHA) kvDim() int  { return m.NumHeadsKV * m.HeadDim }
func (m *MHA) qkvDim() int { return m.qDim() + 2*m.kvDim() }

// KVState caches keys and values for incremental decoding.
type KVState struct {
	MaxSeqLen int
	Len       int
	KVDim     int
	K, V      [][]float32
}

func (s *KVState) BatchSize() int { return len(s.K) }

func (s *KVState) Reset() {
	s.Len = 0
	for b := range s.K {
		clear(s.K[b])
		clear(s.V[b])
	}
}

func (m *MHA) NewState(batch, maxSeqLen int) State {
	s := &KVState{MaxSeqLen: maxSeqLen, KVDim: m.kvDim(), K: make([][]float32, batch), V: make([][]float32, batch)}
	for b := range batch {
		s.K[b] = make([]float32, maxSeqLen*s.KVDim)
		s.V[b] = make([]float32, maxSeqLen*s.KVDim)
	}
	return s
}

func (m *MHA) Forward(e Exec, dst, x []float32, batch, length int, st State) error {
	rows := batch * length
	if len(x) != rows*m.EmbedDim {
		return fmt.Errorf("attention: input has %d values, want %d", len(x), rows*m.EmbedDim)
	}
	if st == nil {
		st = m.NewState(batch, length)
	}
	kv, err := checkState[*KVState](st, batch)
	if err != nil {
		return fmt.Errorf("attention: %w", err)
	}
	if kv.KVDim != m.kvDim() {
		return fmt.Errorf("attention: kv state width %d, want %d", kv.KVDim, m.kvDim())
	}
	offset := kv.Len
	if offset+length > kv.MaxSeqLen {
		return fmt.Errorf("attention: %d cached + %d new positions exceed capacity %d", offset, length, kv.MaxSeqLen)
	}

	inDim := m.InProj.Out()
	qkv := make([]float32, rows*inDim)
	if err := m.InProj.Forward(e, qkv, x, rows); err != nil {
		return fmt.Errorf("attention %s: %w", m.InProjName, err)
	}

	qDim, kvDim := m.qDim(), m.kvDim()
	ctxDim := qDim + m.MLPDim/2
	ctx := make([]float32, rows*ctxDim)
	q := make([]float32, qDim)
	scores := make([]float32, kv.MaxSeqLen)
	group := m.NumHeads / m.NumHeadsKV
	total := offset + length

	for b := range batch {
		kc, vc := kv.K[b], kv.V[b]
		for t := range length {
			row := qkv[(b*length+t)*inDim:]
			k := kc[(offset+t)*kvDim : (offset+t+1)*kvDim]
			copy(k, row[qDim:qDim+kvDim])
			copy(vc[(offset+t)*kvDim:(offset+t+1)*kvDim], row[qDim+kvDim:qDim+2*kvDim])
			if m.RotaryDim > 0 {
				tensor.ApplyRoPE(k, m.NumHeadsKV, m.HeadDim, m.RotaryDim, offset+t, m.invFreq, m.RotaryInterleaved)
			}
		}
		for t := range length {
			r := b*length + t
			row := qkv[r*inDim:]
			copy(q, row[:qDim])
			pos := offset + t
			if m.RotaryDim > 0 {
				tensor.ApplyRoPE(q, m.NumHeads, m.HeadDim, m.RotaryDim, pos, m.invFreq, m.RotaryInterleaved)
			}
			end := total
			if m.Causal {
				end = pos + 1
			}
			out := ctx[r*ctxDim : r*ctxDim+qDim]
			for h := range m.NumHeads {
				kvh := h / group
				qh := q[h*m.HeadDim : (h+1)*m.HeadDim]
				s := scores[:end]
				for j := range end {
					kj := kc[j*kvDim+kvh*m.HeadDim : j*kvDim+(kvh+1)*m.HeadDim]
					s[j] = tensor.Dot(qh, kj) * m.SoftmaxScale
				}
				tensor.Softmax(s)
				oh := out[h*m.HeadDim : (h+1)*m.HeadDim]
				clear(oh)
				for j, w := range s {
					vj := vc[j*kvDim+kvh*m.HeadDim : j*kvDim+(kvh+1)*m.HeadDim]
					for d := range oh {
						oh[d] += w * vj[d]
					}
				}
			}
			if m.MLPDim > 0 {
				tensor.SiluAndMul(ctx[r*ctxDim+qDim:(r+1)*ctxDim], row[m.qkvDim():m.qkvDim()+m.MLPDim])
			}
		}
	}
	kv.Len = total
	e.DType.Round(ctx)
	if err := m.OutProj.Forward(e, dst, ctx, rows); err != nil {
		return fmt.Errorf("attention out_proj: %w", err)
	}
	return nil
}

func (m *MHA) Params(prefix string) []*Param {
	return append(m.InProj.Params(Join(prefix, m.InProjName)), m.OutProj.Params(Join(prefix, "out_proj"))...)
}
