package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/dgrna/internal/nn"
)

const (
	CPU       = "cpu"
	Reference = "reference"
	Auto      = "auto"
)

// Backend provides the kernels a model runs on.
type Backend interface {
	nn.Ops
	Name() string
	// SupportsFusedAddNorm reports whether the fused residual-add plus
	// normalization kernel is available.
	SupportsFusedAddNorm() bool
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, Reference, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or reference)", backend)
	}
}

// New returns the named backend. Auto resolves to CPU.
func New(name string) (Backend, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case Reference:
		return NewReference(), nil
	default:
		return NewCPU(), nil
	}
}

// Available returns a comma-separated list of available backends.
func Available() string {
	return strings.Join([]string{CPU, Reference}, ",")
}
