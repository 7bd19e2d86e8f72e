package model

import (
	"fmt"
	"slices"
	"sort"
)

// RegressionKeys are the contact-regression tensors a checkpoint may omit.
// The model keeps them when present but never evaluates them.
var RegressionKeys = []string{
	"contact_head.regression.weight",
	"contact_head.regression.bias",
}

const missingRegressionWarning = "Regression weights not found, predicting contacts will not produce correct results."

// StateTensor is one entry of a state dict. Data is row-major float32.
type StateTensor struct {
	Shape []int
	Data  []float32
}

// StateDict maps parameter names to tensors.
type StateDict map[string]StateTensor

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StateDict returns a view of every parameter. Entries alias the model
// storage; tied weights appear under both names and share their data.
func (m *LMHeadModel) StateDict() StateDict {
	params := m.Params()
	sd := make(StateDict, len(params)+len(m.extra))
	for _, p := range params {
		sd[p.Name] = StateTensor{Shape: p.Shape, Data: p.Data}
	}
	for k, v := range m.extra {
		sd[k] = v
	}
	return sd
}

// LoadStateDict copies sd into the model. Every parameter must be present
// with its exact shape and no unknown key may appear; the regression keys
// are optional. Nothing is copied when any check fails.
func (m *LMHeadModel) LoadStateDict(sd StateDict) error {
	params := m.Params()
	known := make(map[string]bool, len(params))
	serr := &StateDictError{Model: "LMHeadModel"}
	for _, p := range params {
		known[p.Name] = true
		v, ok := sd[p.Name]
		if !ok {
			serr.Missing = append(serr.Missing, p.Name)
			continue
		}
		if !slices.Equal(v.Shape, p.Shape) || len(v.Data) != len(p.Data) {
			serr.Mismatched = append(serr.Mismatched, fmt.Sprintf(
				"%s: copying a param with shape %v from checkpoint, the shape in current model is %v",
				p.Name, v.Shape, p.Shape))
		}
	}

	extra := make(StateDict)
	for _, k := range sd.Keys() {
		switch {
		case known[k]:
		case slices.Contains(RegressionKeys, k):
			extra[k] = sd[k]
		default:
			serr.Unexpected = append(serr.Unexpected, k)
		}
	}
	if !serr.empty() {
		return serr
	}

	for _, p := range params {
		copy(p.Data, sd[p.Name].Data)
	}
	m.roundParams()
	m.extra = extra
	if !m.HasRegressionWeights() {
		m.log.Warn(missingRegressionWarning)
	}
	return nil
}

// HasRegressionWeights reports whether the contact-regression tensors were
// loaded.
func (m *LMHeadModel) HasRegressionWeights() bool {
	for _, k := range RegressionKeys {
		if _, ok := m.extra[k]; !ok {
			return false
		}
	}
	return true
}
