package model

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/dgrna/internal/nn"
	"github.com/samcharles93/dgrna/internal/tensor"
)

const (
	BackboneBidirectional  = "bidirectional"
	BackboneUnidirectional = "unidirectional"
)

// Config is the construction record of an LMHeadModel. It is persisted as
// config.json next to the weights with the same field names.
type Config struct {
	DModel               int           `json:"d_model" yaml:"d_model"`
	NLayer               int           `json:"n_layer" yaml:"n_layer"`
	DIntermediate        int           `json:"d_intermediate" yaml:"d_intermediate"`
	VocabSize            int           `json:"vocab_size" yaml:"vocab_size"`
	SSMCfg               nn.SSMConfig  `json:"ssm_cfg" yaml:"ssm_cfg"`
	AttnLayerIdx         []int         `json:"attn_layer_idx" yaml:"attn_layer_idx"`
	AttnCfg              nn.AttnConfig `json:"attn_cfg" yaml:"attn_cfg"`
	NormEpsilon          float64       `json:"norm_epsilon" yaml:"norm_epsilon"`
	RMSNorm              bool          `json:"rms_norm" yaml:"rms_norm"`
	ResidualInFP32       bool          `json:"residual_in_fp32" yaml:"residual_in_fp32"`
	FusedAddNorm         bool          `json:"fused_add_norm" yaml:"fused_add_norm"`
	PadVocabSizeMultiple int           `json:"pad_vocab_size_multiple" yaml:"pad_vocab_size_multiple"`
	TieEmbeddings        bool          `json:"tie_embeddings" yaml:"tie_embeddings"`
	ActivationFn         string        `json:"activation_fn" yaml:"activation_fn"`

	Backbone         string  `json:"backbone,omitempty" yaml:"backbone,omitempty"`
	InitializerRange float64 `json:"initializer_range,omitempty" yaml:"initializer_range,omitempty"`
	DType            string  `json:"dtype,omitempty" yaml:"dtype,omitempty"`
	RefineNumHeads   int     `json:"refine_num_heads,omitempty" yaml:"refine_num_heads,omitempty"`
	RefineRotaryDim  int     `json:"refine_rotary_dim,omitempty" yaml:"refine_rotary_dim,omitempty"`
}

// DefaultConfig returns the reference RNA encoder configuration.
func DefaultConfig() Config {
	return Config{
		DModel:               512,
		NLayer:               24,
		VocabSize:            25,
		NormEpsilon:          1e-5,
		ResidualInFP32:       true,
		FusedAddNorm:         true,
		PadVocabSizeMultiple: 8,
		TieEmbeddings:        true,
		ActivationFn:         "gelu",
		Backbone:             BackboneBidirectional,
		InitializerRange:     0.02,
		DType:                "float32",
	}
}

// withDefaults fills the optional fields that have a documented default.
func (c Config) withDefaults() Config {
	if c.NormEpsilon == 0 {
		c.NormEpsilon = 1e-5
	}
	if c.PadVocabSizeMultiple == 0 {
		c.PadVocabSizeMultiple = 8
	}
	if c.ActivationFn == "" {
		c.ActivationFn = "gelu"
	}
	if c.Backbone == "" {
		c.Backbone = BackboneBidirectional
	}
	if c.InitializerRange == 0 {
		c.InitializerRange = 0.02
	}
	if c.RefineNumHeads == 0 {
		c.RefineNumHeads = gcd(32, c.DModel)
	}
	return c
}

// Validate checks the scalar constraints of the record. Mixer specific
// options are validated when the blocks are built.
func (c Config) Validate() error {
	switch {
	case c.DModel <= 0:
		return configErr("d_model must be positive, got %d", c.DModel)
	case c.NLayer <= 0:
		return configErr("n_layer must be positive, got %d", c.NLayer)
	case c.DIntermediate < 0:
		return configErr("d_intermediate must be non-negative, got %d", c.DIntermediate)
	case c.VocabSize <= 0:
		return configErr("vocab_size must be positive, got %d", c.VocabSize)
	case c.NormEpsilon <= 0:
		return configErr("norm_epsilon must be positive, got %g", c.NormEpsilon)
	case c.PadVocabSizeMultiple <= 0:
		return configErr("pad_vocab_size_multiple must be positive, got %d", c.PadVocabSizeMultiple)
	}
	if _, err := activation(c.ActivationFn); err != nil {
		return err
	}
	if _, err := tensor.ParseDType(c.DType); err != nil {
		return configErr("%v", err)
	}
	switch c.Backbone {
	case "", BackboneBidirectional, BackboneUnidirectional:
	default:
		return configErr("unknown backbone %q", c.Backbone)
	}
	switch c.SSMCfg.LayerName() {
	case nn.LayerMamba1, nn.LayerMamba2:
	default:
		return configErr("invalid ssm_layer: %s, only support Mamba1 and Mamba2", c.SSMCfg.Layer)
	}
	for _, idx := range c.AttnLayerIdx {
		if idx < 0 || idx >= c.NLayer {
			return configErr("attn_layer_idx %d out of range [0, %d)", idx, c.NLayer)
		}
	}
	return nil
}

// PaddedVocabSize rounds VocabSize up to a multiple of PadVocabSizeMultiple.
func (c Config) PaddedVocabSize() int {
	v, m := c.VocabSize, c.PadVocabSizeMultiple
	if m <= 0 {
		return v
	}
	if r := v % m; r != 0 {
		v += m - r
	}
	return v
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// ParseConfigJSON decodes a JSON config. Unknown keys, including unknown
// ssm_cfg and attn_cfg entries, are rejected.
func ParseConfigJSON(data []byte) (Config, error) {
	var c Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return c, nil
}

// ParseConfigYAML decodes a YAML config with the same rules as ParseConfigJSON.
func ParseConfigYAML(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return c, nil
}

// LoadConfigFile reads a .json, .yaml or .yml model config.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseConfigYAML(data)
	default:
		return ParseConfigJSON(data)
	}
}

// MarshalIndent encodes the config the way it is written to config.json.
func (c Config) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(c, "", "    ")
}

// ConfigFromMap decodes a configuration recovered from a training
// checkpoint. Unlike ParseConfigJSON it ignores keys it does not know, since
// such records carry the whole training setup.
func ConfigFromMap(m map[string]any) (Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return c, nil
}
