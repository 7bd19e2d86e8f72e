// Package checkpoint reads PyTorch training checkpoints and turns them into
// state dicts the model can load.
package checkpoint

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/samcharles93/dgrna/internal/logger"
	"github.com/samcharles93/dgrna/internal/model"
)

// prefixes stripped from checkpoint keys, tried in order.
var prefixes = []string{"encoder.sentence_encoder.", "encoder."}

// Checkpoint is the usable content of a .pt file.
type Checkpoint struct {
	State model.StateDict
	// Config is the "cfg"/"model" record when the checkpoint stores it as a
	// plain dict, nil otherwise.
	Config map[string]any
}

// Load reads a checkpoint. A top-level dict with a "model" entry is treated
// as a training checkpoint; any other dict is taken as the state dict
// itself. Keys are returned as stored, without remapping.
func Load(path string) (*Checkpoint, error) {
	raw, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	top, ok := toMap(raw)
	if !ok {
		return nil, fmt.Errorf("load %s: top-level object is %T, want a dict", path, raw)
	}

	ck := &Checkpoint{}
	stateObj := raw
	if m, ok := top["model"]; ok {
		stateObj = m
		if cfg, ok := toMap(top["cfg"]); ok {
			if mc, ok := toMap(cfg["model"]); ok {
				ck.Config = plain(mc).(map[string]any)
			}
		}
	}
	entries, ok := toMap(stateObj)
	if !ok {
		return nil, fmt.Errorf("load %s: state dict is %T, want a dict", path, stateObj)
	}
	ck.State = make(model.StateDict, len(entries))
	for name, v := range entries {
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			continue
		}
		st, err := tensorData(t)
		if err != nil {
			return nil, fmt.Errorf("load %s: tensor %s: %w", path, name, err)
		}
		ck.State[name] = st
	}
	return ck, nil
}

// RegressionPath returns the co-located contact-regression file of a
// checkpoint: "<dir>/<stem>-contact-regression.pt".
func RegressionPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "-contact-regression.pt"
}

// HasRegressionWeights reports whether a model of this name is expected to
// ship contact-regression weights.
func HasRegressionWeights(name string) bool {
	for _, s := range []string{"esm1v", "esm_if", "270K", "500K"} {
		if strings.Contains(name, s) {
			return false
		}
	}
	return true
}

// LoadLocal reads a checkpoint and, when the model name expects one and it
// exists, its co-located regression file. The regression tensors are merged
// before the keys are remapped.
func LoadLocal(path string, log logger.Logger) (*Checkpoint, error) {
	ck, err := Load(path)
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if HasRegressionWeights(stem) {
		reg := RegressionPath(path)
		switch _, statErr := os.Stat(reg); {
		case statErr == nil:
			rc, err := Load(reg)
			if err != nil {
				return nil, err
			}
			MergeRegression(ck.State, rc.State)
			log.Debug("merged regression weights", "path", reg, "tensors", len(rc.State))
		case errors.Is(statErr, os.ErrNotExist):
			log.Debug("no regression file", "path", reg)
		default:
			return nil, statErr
		}
	}
	ck.State = RemapKeys(ck.State)
	return ck, nil
}

// MergeRegression copies every regression tensor into dst, replacing
// entries with the same name.
func MergeRegression(dst, reg model.StateDict) {
	for k, v := range reg {
		dst[k] = v
	}
}

// RemapKeys strips the encoder prefixes of training checkpoints.
func RemapKeys(sd model.StateDict) model.StateDict {
	out := make(model.StateDict, len(sd))
	for k, v := range sd {
		out[remapKey(k)] = v
	}
	return out
}

func remapKey(k string) string {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(k, p); ok {
			return rest
		}
	}
	return k
}

// tensorData copies a (possibly strided) tensor view into a dense
// row-major buffer.
func tensorData(t *pytorch.Tensor) (model.StateTensor, error) {
	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	case *pytorch.DoubleStorage:
		data = make([]float32, len(s.Data))
		for i, v := range s.Data {
			data[i] = float32(v)
		}
	default:
		return model.StateTensor{}, fmt.Errorf("unsupported storage %T", t.Source)
	}
	out, err := gather(data, t.StorageOffset, t.Size, t.Stride)
	if err != nil {
		return model.StateTensor{}, err
	}
	return model.StateTensor{Shape: append([]int(nil), t.Size...), Data: out}, nil
}

func gather(data []float32, offset int, size, stride []int) ([]float32, error) {
	if len(size) != len(stride) {
		return nil, fmt.Errorf("size %v and stride %v differ in rank", size, stride)
	}
	n := 1
	for _, d := range size {
		n *= d
	}
	out := make([]float32, n)
	if n == 0 {
		return out, nil
	}
	idx := make([]int, len(size))
	for i := range out {
		pos := offset
		for d, j := range idx {
			pos += j * stride[d]
		}
		if pos < 0 || pos >= len(data) {
			return nil, fmt.Errorf("element %d at storage offset %d outside storage of %d", i, pos, len(data))
		}
		out[i] = data[pos]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// toMap flattens the pickled dict flavours to a map with string keys.
// Entries with non-string keys are dropped.
func toMap(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case *types.Dict:
		out := make(map[string]any, d.Len())
		for _, k := range d.Keys() {
			if ks, ok := k.(string); ok {
				out[ks] = d.MustGet(k)
			}
		}
		return out, true
	case *types.OrderedDict:
		out := make(map[string]any, len(d.Map))
		for k, e := range d.Map {
			if ks, ok := k.(string); ok {
				out[ks] = e.Value
			}
		}
		return out, true
	case map[string]any:
		return d, true
	}
	return nil, false
}

// plain converts pickled containers into JSON-compatible Go values.
func plain(v any) any {
	if m, ok := toMap(v); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = plain(e)
		}
		return out
	}
	switch x := v.(type) {
	case *types.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			out = append(out, plain(x.Get(i)))
		}
		return out
	case *types.Tuple:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			out = append(out, plain(x.Get(i)))
		}
		return out
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		return x.String()
	case nil, bool, int, int64, float64, string:
		return x
	default:
		return nil
	}
}
