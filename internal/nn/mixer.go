package nn

import "fmt"

// MixerKind identifies the sequence mixer a block was built with.
type MixerKind uint8

const (
	MixerMamba1 MixerKind = iota + 1
	MixerMamba2
	MixerAttention
)

func (k MixerKind) String() string {
	switch k {
	case MixerMamba1:
		return "mamba1"
	case MixerMamba2:
		return "mamba2"
	case MixerAttention:
		return "attention"
	default:
		return fmt.Sprintf("MixerKind(%d)", uint8(k))
	}
}

// Mixer maps (batch, length, d_model) activations to the same shape.
//
// When st is non-nil the mixer continues from the state and leaves it
// updated for the next call. A nil st runs the sequence from a zero state.
type Mixer interface {
	Module
	Kind() MixerKind
	Forward(e Exec, dst, x []float32, batch, length int, st State) error
	NewState(batch, maxSeqLen int) State
}

// SSMInitializer is implemented by mixers with state-space tensors that
// need layer-specific initialization.
type SSMInitializer interface {
	InitSSM(in *Initializer) error
}

// State is the per-sequence recurrent or key/value state of one mixer.
type State interface {
	BatchSize() int
	Reset()
}

func checkState[T State](st State, batch int) (T, error) {
	var zero T
	s, ok := st.(T)
	if !ok {
		return zero, fmt.Errorf("mixer state has type %T, want %T", st, zero)
	}
	if s.BatchSize() != batch {
		return zero, fmt.Errorf("mixer state sized for batch %d, got %d", s.BatchSize(), batch)
	}
	return s, nil
}
