package fusedlayer

import (
	"fmt"
	"sync"
)

// Kind identifies one of the five fused sublayer families. Each kind has its
// own backend-side state table, so identities are only unique within a kind.
type Kind uint8

const (
	KindTransformer Kind = iota
	KindSelfAttention
	KindMLP
	KindBiasResidualDropout
	KindLayerNorm

	numKinds
)

// Kinds lists every sublayer kind in declaration order.
var Kinds = [...]Kind{KindTransformer, KindSelfAttention, KindMLP, KindBiasResidualDropout, KindLayerNorm}

var kindNames = [numKinds]string{
	KindTransformer:         "transformer",
	KindSelfAttention:       "self_attention",
	KindMLP:                 "mlp",
	KindBiasResidualDropout: "bias_residual_dropout",
	KindLayerNorm:           "layer_norm",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a kind name (as printed by String) back to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown sublayer kind %q", s)
}

// LayerID is the backend lookup key for a sublayer instance's persistent
// state (dropout RNG, normalization statistics).
type LayerID int

// UnassignedLayerID marks a configuration whose instance has not been given
// an identity yet.
const UnassignedLayerID LayerID = -1

// LayerIDAllocator hands out identities for one sublayer kind: 0, 1, 2, ...
// in call order, never reused.
type LayerIDAllocator struct {
	kind Kind

	mu   sync.Mutex
	next LayerID
}

// NewLayerIDAllocator creates an allocator for kind starting at 0.
func NewLayerIDAllocator(kind Kind) *LayerIDAllocator {
	return &LayerIDAllocator{kind: kind}
}

// Kind returns the sublayer kind this allocator serves.
func (a *LayerIDAllocator) Kind() Kind {
	return a.kind
}

// Next returns a fresh identity.
func (a *LayerIDAllocator) Next() LayerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Allocated returns how many identities have been handed out.
func (a *LayerIDAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next)
}

// LayerIDs bundles one independent allocator per sublayer kind. Model
// construction code owns one LayerIDs per backend.
type LayerIDs struct {
	allocators [numKinds]*LayerIDAllocator
}

// NewLayerIDs creates fresh allocators for every kind.
func NewLayerIDs() *LayerIDs {
	ids := &LayerIDs{}
	for _, k := range Kinds {
		ids.allocators[k] = NewLayerIDAllocator(k)
	}
	return ids
}

// For returns the allocator for kind.
func (ids *LayerIDs) For(kind Kind) *LayerIDAllocator {
	return ids.allocators[kind]
}

// assign draws the next identity from alloc after checking it serves kind.
// A mismatched allocator is a wiring bug.
func assign(alloc *LayerIDAllocator, kind Kind) LayerID {
	if alloc == nil {
		panic(fmt.Sprintf("%s: nil layer id allocator", kind))
	}
	if alloc.kind != kind {
		panic(fmt.Sprintf("%s: allocator serves %s layers", kind, alloc.kind))
	}
	return alloc.Next()
}
