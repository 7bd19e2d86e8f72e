package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/dgrna/internal/nn"
)

func TestDefaultConfigValid(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.PaddedVocabSize(); got != 32 {
		t.Fatalf("padded vocab = %d, want 32", got)
	}
	if cfg.RefineNumHeads != 32 {
		t.Fatalf("refinement heads = %d, want 32", cfg.RefineNumHeads)
	}
}

func TestParseConfigJSON(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"d_model": 16, "n_layer": 3, "d_intermediate": 0, "vocab_size": 25,
		"ssm_cfg": {"layer": "Mamba1", "d_state": 8, "dt_rank": "auto"},
		"attn_layer_idx": [1], "attn_cfg": {"num_heads": 4, "causal": true},
		"norm_epsilon": 1e-5, "rms_norm": true, "residual_in_fp32": true,
		"fused_add_norm": false, "pad_vocab_size_multiple": 8,
		"tie_embeddings": true, "activation_fn": "gelu"
	}`)
	cfg, err := ParseConfigJSON(data)
	if err != nil {
		t.Fatalf("ParseConfigJSON: %v", err)
	}
	want := Config{
		DModel:               16,
		NLayer:               3,
		VocabSize:            25,
		SSMCfg:               nn.SSMConfig{Layer: nn.LayerMamba1, DState: 8},
		AttnLayerIdx:         []int{1},
		AttnCfg:              nn.AttnConfig{NumHeads: 4, Causal: true},
		NormEpsilon:          1e-5,
		RMSNorm:              true,
		ResidualInFP32:       true,
		PadVocabSizeMultiple: 8,
		TieEmbeddings:        true,
		ActivationFn:         "gelu",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	for name, data := range map[string]string{
		"top":  `{"d_model": 8, "n_layers": 2}`,
		"ssm":  `{"d_model": 8, "ssm_cfg": {"d_stat": 4}}`,
		"attn": `{"d_model": 8, "attn_cfg": {"heads": 4}}`,
	} {
		if _, err := ParseConfigJSON([]byte(data)); !errors.Is(err, ErrConfig) {
			t.Errorf("%s: got %v, want ErrConfig", name, err)
		}
	}
	if _, err := ParseConfigYAML([]byte("d_model: 8\nbogus: 1\n")); !errors.Is(err, ErrConfig) {
		t.Errorf("yaml: got %v, want ErrConfig", err)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := "d_model: 8\nn_layer: 2\nvocab_size: 10\nssm_cfg:\n  d_state: 4\n  headdim: 4\n  dt_rank: 3\nbackbone: unidirectional\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.DModel != 8 || cfg.SSMCfg.HeadDim != 4 || cfg.SSMCfg.DtRank != 3 || cfg.Backbone != BackboneUnidirectional {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := New(cfg, WithSeed(1)); err != nil {
		t.Fatalf("New from yaml config: %v", err)
	}
}

func TestInitPolicyScale(t *testing.T) {
	t.Parallel()
	for _, dInter := range []int{0, 16} {
		cfg := testConfig()
		cfg.DIntermediate = dInter
		m := newTestModel(t, cfg)
		k := 1
		if dInter > 0 {
			k = 2
		}
		for _, p := range m.Params() {
			switch p.Role {
			case nn.RoleResidualOut:
				bound := 1 / math.Sqrt(float64(p.FanIn)) / math.Sqrt(float64(k*cfg.NLayer))
				var peak float64
				for _, v := range p.Data {
					peak = max(peak, math.Abs(float64(v)))
				}
				if peak > bound+1e-7 {
					t.Fatalf("d_intermediate=%d: %s max |w| %g exceeds %g", dInter, p.Name, peak, bound)
				}
				// Uniform draws over dozens of values reach well past half the bound.
				if peak < 0.5*bound {
					t.Fatalf("d_intermediate=%d: %s max |w| %g below half of %g", dInter, p.Name, peak, bound)
				}
			case nn.RoleBias:
				if p.NoReinit {
					continue
				}
				for _, v := range p.Data {
					if v != 0 {
						t.Fatalf("%s not zeroed", p.Name)
					}
				}
			}
		}
	}
}

func TestInitPolicyIdempotent(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, testConfig())
	params := m.Params()
	policy := newInitPolicy(m.Config)

	snapshot := func() [][]float32 {
		var out [][]float32
		for _, p := range params {
			out = append(out, append([]float32(nil), p.Data...))
		}
		return out
	}
	policy.Apply(nn.NewInitializer(11), params)
	first := snapshot()
	policy.Apply(nn.NewInitializer(11), params)
	if diff := cmp.Diff(first, snapshot()); diff != "" {
		t.Fatalf("re-applying the policy compounded the scale:\n%s", diff)
	}
}

func TestInitPolicyKeepsNoReinitBias(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SSMCfg.Layer = nn.LayerMamba1
	m := newTestModel(t, cfg)
	bias := m.StateDict()["backbone.forward_layers.0.mixer.dt_proj.bias"].Data
	nonzero := false
	for _, v := range bias {
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Fatal("dt_proj.bias was zeroed by the init policy")
	}
}

func TestInitPolicyVisitsTiedStorageOnce(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, testConfig())
	emb := m.Backbone.Embedding().Weight.Data
	params := []*nn.Param{
		{Name: "a", Data: emb, Role: nn.RoleEmbedding},
		{Name: "b", Data: emb, Role: nn.RoleEmbedding},
	}
	InitPolicy{NLayer: 1, ResidualsPerLayer: 1, InitializerRange: 0.02}.Apply(nn.NewInitializer(3), params)
	once := append([]float32(nil), emb...)
	InitPolicy{NLayer: 1, ResidualsPerLayer: 1, InitializerRange: 0.02}.Apply(nn.NewInitializer(3), params[:1])
	if diff := cmp.Diff(once, emb); diff != "" {
		t.Fatalf("shared storage drawn twice:\n%s", diff)
	}
}
