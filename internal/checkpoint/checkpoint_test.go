package checkpoint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/samcharles93/dgrna/internal/model"
)

func TestRemapKeys(t *testing.T) {
	t.Parallel()
	sd := model.StateDict{
		"encoder.sentence_encoder.backbone.norm_f.weight": {Shape: []int{1}, Data: []float32{1}},
		"encoder.lm_head.bias":                            {Shape: []int{1}, Data: []float32{2}},
		"contact_head.regression.bias":                    {Shape: []int{1}, Data: []float32{3}},
	}
	got := RemapKeys(sd)
	want := []string{"backbone.norm_f.weight", "contact_head.regression.bias", "lm_head.bias"}
	if diff := cmp.Diff(want, got.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if got["lm_head.bias"].Data[0] != 2 {
		t.Fatal("tensor moved to the wrong key")
	}
}

func TestMergeRegressionOverrides(t *testing.T) {
	t.Parallel()
	dst := model.StateDict{
		"a":                            {Shape: []int{1}, Data: []float32{1}},
		"contact_head.regression.bias": {Shape: []int{1}, Data: []float32{0}},
	}
	MergeRegression(dst, model.StateDict{
		"contact_head.regression.bias":   {Shape: []int{1}, Data: []float32{5}},
		"contact_head.regression.weight": {Shape: []int{1, 2}, Data: []float32{6, 7}},
	})
	if len(dst) != 3 || dst["contact_head.regression.bias"].Data[0] != 5 {
		t.Fatalf("merge result %v", dst)
	}
}

func TestRegressionPath(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/models/rna_mamba2_L24.pt": "/models/rna_mamba2_L24-contact-regression.pt",
		"ckpt.best.pt":              "ckpt.best-contact-regression.pt",
	}
	for in, want := range tests {
		if got := RegressionPath(in); got != want {
			t.Errorf("RegressionPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHasRegressionWeights(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"rna_mamba2_L24":           true,
		"esm1v_t33_650M_UR90S_1":   false,
		"esm_if1_gvp4_t16_142M":    false,
		"esm2_t12_35M_UR50D_270K":  false,
		"esm2_t30_150M_UR50D_500K": false,
	}
	for name, want := range tests {
		if got := HasRegressionWeights(name); got != want {
			t.Errorf("HasRegressionWeights(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGatherStrided(t *testing.T) {
	t.Parallel()
	storage := []float32{9, 0, 1, 2, 3, 4, 5}

	got, err := gather(storage, 1, []int{2, 3}, []int{3, 1})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if diff := cmp.Diff([]float32{0, 1, 2, 3, 4, 5}, got); diff != "" {
		t.Fatalf("contiguous (-want +got):\n%s", diff)
	}

	// Transposed view of the same 2x3 block.
	got, err = gather(storage, 1, []int{3, 2}, []int{1, 3})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, got); diff != "" {
		t.Fatalf("transposed (-want +got):\n%s", diff)
	}

	if _, err := gather(storage, 5, []int{2, 3}, []int{3, 1}); err == nil {
		t.Fatal("expected out-of-storage error")
	}
	if _, err := gather(storage, 0, []int{2}, []int{1, 1}); err == nil {
		t.Fatal("expected rank error")
	}
}

func TestTensorData(t *testing.T) {
	t.Parallel()
	tensor := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4}},
		Size:   []int{2, 2},
		Stride: []int{2, 1},
	}
	st, err := tensorData(tensor)
	if err != nil {
		t.Fatalf("tensorData: %v", err)
	}
	want := model.StateTensor{Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestPickledConfig(t *testing.T) {
	t.Parallel()
	ssm := types.NewDict()
	ssm.Set("layer", "Mamba2")
	ssm.Set("d_state", 4)
	ssm.Set("headdim", 4)

	cfg := types.NewOrderedDict()
	cfg.Set("d_model", 8)
	cfg.Set("n_layer", 2)
	cfg.Set("vocab_size", 25)
	cfg.Set("ssm_cfg", ssm)
	cfg.Set("attn_layer_idx", types.NewListFromSlice([]any{}))
	cfg.Set("rms_norm", false)
	cfg.Set("norm_epsilon", 1e-5)
	cfg.Set("_name", "mamba_rna")

	m, ok := toMap(cfg)
	if !ok {
		t.Fatal("ordered dict not recognised")
	}
	c, err := model.ConfigFromMap(plain(m).(map[string]any))
	if err != nil {
		t.Fatalf("ConfigFromMap: %v", err)
	}
	if c.DModel != 8 || c.NLayer != 2 || c.VocabSize != 25 || c.SSMCfg.HeadDim != 4 || c.NormEpsilon != 1e-5 {
		t.Fatalf("unexpected config %+v", c)
	}
}
