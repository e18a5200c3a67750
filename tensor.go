package fusedlayer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor is a dense multi-dimensional array of float64 values stored in
// row-major order. Layers use it for inputs, parameters, retained buffers
// and gradients alike.
//
// The grad slice is owned by the training loop: orchestrators return fresh
// gradient tensors and never write into it. Optimizers read it.
//
// Tensor is not safe for concurrent use.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// NewTensor creates a zero-filled tensor with the given shape.
// Panics if shape is empty or contains non-positive dimensions; shape errors
// are programmer bugs, not runtime conditions.
func NewTensor(shape ...int) *Tensor {
	size := checkShape(shape)
	return &Tensor{
		data:  make([]float64, size),
		shape: slices.Clone(shape),
	}
}

// NewTensorFrom wraps data in a tensor of the given shape. The slice is used
// directly, not copied.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	size := checkShape(shape)
	if len(data) != size {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	return &Tensor{data: data, shape: slices.Clone(shape)}
}

// NewTensorNormal creates a tensor drawn from N(0, std^2) using rng.
func NewTensorNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorFilled creates a tensor with every element set to v.
func NewTensorFilled(v float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func checkShape(shape []int) int {
	if len(shape) == 0 {
		panic(fmt.Sprintf("%v: shape cannot be empty", ErrInvalidShape))
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("%v: shape[%d] must be positive, got %d", ErrInvalidShape, i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the backing slice. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the accumulated gradient, allocating it on first use.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	clear(t.grad)
}

// AccumulateGrad adds g element-wise into the tensor's gradient.
// Panics if shapes don't match.
func (t *Tensor) AccumulateGrad(g *Tensor) {
	if !slices.Equal(t.shape, g.shape) {
		panic(fmt.Sprintf("tensor: cannot accumulate gradient of shape %v into %v", g.shape, t.shape))
	}
	dst := t.Grad()
	for i, v := range g.data {
		dst[i] += v
	}
}

// Clone creates a deep copy of the tensor's values. The gradient is not
// copied.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{data: slices.Clone(t.data), shape: slices.Clone(t.shape)}
}

// Reshape returns a view of the tensor with a different shape. The total
// number of elements must remain the same; data is shared.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	if checkShape(newShape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}
	return &Tensor{data: t.data, shape: slices.Clone(newShape), grad: t.grad}
}

// Bytes returns the storage footprint of the tensor at the given number of
// bytes per element.
func (t *Tensor) Bytes(elemSize int) int64 {
	return int64(len(t.data)) * int64(elemSize)
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape)
}

// mustShape panics if t does not have exactly the given shape.
func mustShape(name string, t *Tensor, shape ...int) {
	if t == nil {
		panic(fmt.Sprintf("%s: tensor is nil", name))
	}
	if !slices.Equal(t.shape, shape) {
		panic(fmt.Sprintf("%s: %v: got %v, want %v", name, ErrShapeMismatch, t.shape, shape))
	}
}
