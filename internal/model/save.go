package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/dgrna/internal/safetensors"
	"github.com/samcharles93/dgrna/internal/tensor"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

func safetensorsDType(d tensor.DType) string {
	switch d {
	case tensor.F16:
		return "F16"
	case tensor.BF16:
		return "BF16"
	default:
		return "F32"
	}
}

// SavePretrained writes the weights and the configuration to dir.
func (m *LMHeadModel) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	sd := m.StateDict()
	dt := safetensorsDType(m.dtype)
	tensors := make([]safetensors.Tensor, 0, len(sd))
	for _, name := range sd.Keys() {
		v := sd[name]
		tensors = append(tensors, safetensors.Tensor{Name: name, DType: dt, Shape: v.Shape, Data: v.Data})
	}
	meta := map[string]string{"format": "pt", "dtype": m.dtype.String()}
	if err := safetensors.WriteFile(filepath.Join(dir, WeightsFile), tensors, meta); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}

	cfg, err := m.Config.MarshalIndent()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ConfigFile), cfg, 0o644)
}

// ReadStateDict loads every tensor of a safetensors file as float32.
func ReadStateDict(path string) (StateDict, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	sd := make(StateDict, len(f.Tensors))
	for name := range f.Tensors {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		sd[name] = StateTensor{Shape: info.Shape, Data: data}
	}
	return sd, nil
}

// LoadPretrained builds the model described by dir/config.json and loads
// dir/model.safetensors into it.
func LoadPretrained(dir string, opts ...Option) (*LMHeadModel, error) {
	cfg, err := LoadConfigFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	sd, err := ReadStateDict(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	if err := m.LoadStateDict(sd); err != nil {
		return nil, err
	}
	return m, nil
}
