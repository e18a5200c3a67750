package fusedlayer

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchTooLarge indicates an input or gradient whose leading dimension
	// exceeds the configured batch-size ceiling. No backend call is made.
	ErrBatchTooLarge = errors.New("fusedlayer: batch size exceeds configured ceiling")

	// ErrInvalidBackward indicates a backward call that has no valid
	// training-mode forward to pair with.
	ErrInvalidBackward = errors.New("fusedlayer: invalid backward invocation")

	// ErrStateConsumed indicates a second backward against the same step
	// state. It matches ErrInvalidBackward with errors.Is.
	ErrStateConsumed = fmt.Errorf("%w: step state already consumed", ErrInvalidBackward)

	// ErrNotRetained indicates that backward tried to read a buffer the
	// retention plan did not keep.
	ErrNotRetained = errors.New("fusedlayer: buffer not retained")

	// ErrUnknownLayer indicates a backend call for a layer id that was never
	// created in that backend's table.
	ErrUnknownLayer = errors.New("fusedlayer: unknown layer id")

	// ErrInvalidConfig indicates a configuration that failed validation.
	ErrInvalidConfig = errors.New("fusedlayer: invalid configuration")
)

// checkBatch enforces the batch-size ceiling on a leading dimension.
func checkBatch(what string, t *Tensor, ceiling int) error {
	if t == nil {
		return fmt.Errorf("%w: %s is nil", ErrInvalidBackward, what)
	}
	if n := t.Dim(0); n > ceiling {
		return fmt.Errorf("%w: %s batch %d > %d", ErrBatchTooLarge, what, n, ceiling)
	}
	return nil
}

// backendError attaches the sublayer kind and id to a backend failure
// without hiding it from errors.Is.
func backendError(kind Kind, id LayerID, op string, err error) error {
	return fmt.Errorf("%s layer %d %s: %w", kind, id, op, err)
}
