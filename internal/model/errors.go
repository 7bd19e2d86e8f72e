package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfig reports an invalid or unsupported model configuration.
	ErrConfig = errors.New("invalid model config")
	// ErrShape reports a tensor whose shape does not match its consumer.
	ErrShape = errors.New("shape mismatch")
	// ErrCacheMismatch reports an inference cache that does not fit the call.
	ErrCacheMismatch = errors.New("inference cache mismatch")
	// ErrStateDict reports a state dict that cannot be loaded.
	ErrStateDict = errors.New("state dict mismatch")
)

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func shapeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

// StateDictError lists every key problem found while loading a state dict.
type StateDictError struct {
	Model      string
	Missing    []string
	Unexpected []string
	Mismatched []string
}

func (e *StateDictError) Error() string {
	var msgs []string
	if len(e.Unexpected) > 0 {
		msgs = append(msgs, fmt.Sprintf("Unexpected key(s) in state_dict: %s.", quoteKeys(e.Unexpected)))
	}
	if len(e.Missing) > 0 {
		msgs = append(msgs, fmt.Sprintf("Missing key(s) in state_dict: %s.", quoteKeys(e.Missing)))
	}
	if len(e.Mismatched) > 0 {
		msgs = append(msgs, fmt.Sprintf("Size mismatch for: %s.", strings.Join(e.Mismatched, "; ")))
	}
	return fmt.Sprintf("error(s) in loading state_dict for %s:\n\t%s", e.Model, strings.Join(msgs, "\n\t"))
}

func (e *StateDictError) Is(target error) bool { return target == ErrStateDict }

func (e *StateDictError) empty() bool {
	return len(e.Missing) == 0 && len(e.Unexpected) == 0 && len(e.Mismatched) == 0
}

func quoteKeys(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	q := make([]string, len(sorted))
	for i, k := range sorted {
		q[i] = fmt.Sprintf("%q", k)
	}
	return strings.Join(q, ", ")
}
