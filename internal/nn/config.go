package nn

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mixer variant names accepted in SSMConfig.Layer.
const (
	LayerMamba1 = "Mamba1"
	LayerMamba2 = "Mamba2"
)

// SSMConfig holds the state-space mixer options (the ssm_cfg mapping).
// Keys not listed here are rejected when decoding a model config.
// Zero values select the defaults of the chosen layer.
type SSMConfig struct {
	Layer string `json:"layer,omitempty" yaml:"layer,omitempty"`

	DState      int       `json:"d_state,omitempty" yaml:"d_state,omitempty"`
	DConv       int       `json:"d_conv,omitempty" yaml:"d_conv,omitempty"`
	Expand      int       `json:"expand,omitempty" yaml:"expand,omitempty"`
	HeadDim     int       `json:"headdim,omitempty" yaml:"headdim,omitempty"`
	DSSM        int       `json:"d_ssm,omitempty" yaml:"d_ssm,omitempty"`
	NGroups     int       `json:"ngroups,omitempty" yaml:"ngroups,omitempty"`
	AInitRange  []float64 `json:"A_init_range,omitempty" yaml:"A_init_range,omitempty"`
	DHasHDim    bool      `json:"D_has_hdim,omitempty" yaml:"D_has_hdim,omitempty"`
	RMSNorm     *bool     `json:"rmsnorm,omitempty" yaml:"rmsnorm,omitempty"`
	NormBefore  bool      `json:"norm_before_gate,omitempty" yaml:"norm_before_gate,omitempty"`
	DtRank      DtRank    `json:"dt_rank,omitempty" yaml:"dt_rank,omitempty"`
	DtMin       float64   `json:"dt_min,omitempty" yaml:"dt_min,omitempty"`
	DtMax       float64   `json:"dt_max,omitempty" yaml:"dt_max,omitempty"`
	DtInit      string    `json:"dt_init,omitempty" yaml:"dt_init,omitempty"`
	DtScale     float64   `json:"dt_scale,omitempty" yaml:"dt_scale,omitempty"`
	DtInitFloor float64   `json:"dt_init_floor,omitempty" yaml:"dt_init_floor,omitempty"`
	DtLimit     []float64 `json:"dt_limit,omitempty" yaml:"dt_limit,omitempty"`
	Bias        bool      `json:"bias,omitempty" yaml:"bias,omitempty"`
	ConvBias    *bool     `json:"conv_bias,omitempty" yaml:"conv_bias,omitempty"`
	ChunkSize   int       `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	MemEffPath  *bool     `json:"use_mem_eff_path,omitempty" yaml:"use_mem_eff_path,omitempty"`
}

// LayerName returns the requested variant, defaulting to Mamba2.
func (c SSMConfig) LayerName() string {
	if c.Layer == "" {
		return LayerMamba2
	}
	return c.Layer
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func rangeOr(v []float64, lo, hi float64) (float64, float64, error) {
	switch len(v) {
	case 0:
		return lo, hi, nil
	case 2:
		return v[0], v[1], nil
	default:
		return 0, 0, fmt.Errorf("expected a [min, max] pair, got %v", v)
	}
}

// DtRank is either "auto" (ceil(d_model/16)) or an explicit rank. Zero means auto.
type DtRank int

func (r DtRank) Resolve(dModel int) int {
	if r > 0 {
		return int(r)
	}
	return int(math.Ceil(float64(dModel) / 16))
}

func (r DtRank) MarshalJSON() ([]byte, error) {
	if r <= 0 {
		return []byte(`"auto"`), nil
	}
	return []byte(strconv.Itoa(int(r))), nil
}

func (r *DtRank) UnmarshalJSON(b []byte) error {
	return r.parse(strings.Trim(string(b), `"`))
}

func (r DtRank) MarshalYAML() (any, error) {
	if r <= 0 {
		return "auto", nil
	}
	return int(r), nil
}

func (r *DtRank) UnmarshalYAML(node *yaml.Node) error {
	return r.parse(node.Value)
}

func (r *DtRank) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "auto" || s == "null" {
		*r = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("dt_rank must be \"auto\" or a positive integer, got %q", s)
	}
	*r = DtRank(n)
	return nil
}

// AttnConfig holds the options of attention mixers placed inside the stack
// (the attn_cfg mapping).
type AttnConfig struct {
	NumHeads          int      `json:"num_heads,omitempty" yaml:"num_heads,omitempty"`
	NumHeadsKV        int      `json:"num_heads_kv,omitempty" yaml:"num_heads_kv,omitempty"`
	HeadDim           int      `json:"head_dim,omitempty" yaml:"head_dim,omitempty"`
	MLPDim            int      `json:"mlp_dim,omitempty" yaml:"mlp_dim,omitempty"`
	QKVProjBias       *bool    `json:"qkv_proj_bias,omitempty" yaml:"qkv_proj_bias,omitempty"`
	OutProjBias       *bool    `json:"out_proj_bias,omitempty" yaml:"out_proj_bias,omitempty"`
	SoftmaxScale      *float64 `json:"softmax_scale,omitempty" yaml:"softmax_scale,omitempty"`
	Causal            bool     `json:"causal,omitempty" yaml:"causal,omitempty"`
	DConv             int      `json:"d_conv,omitempty" yaml:"d_conv,omitempty"`
	RotaryEmbDim      int      `json:"rotary_emb_dim,omitempty" yaml:"rotary_emb_dim,omitempty"`
	RotaryEmbBase     float64  `json:"rotary_emb_base,omitempty" yaml:"rotary_emb_base,omitempty"`
	RotaryInterleaved bool     `json:"rotary_emb_interleaved,omitempty" yaml:"rotary_emb_interleaved,omitempty"`
}
