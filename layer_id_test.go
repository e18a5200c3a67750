package fusedlayer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayerIDAllocatorSequence(t *testing.T) {
	a := NewLayerIDAllocator(KindMLP)
	for want := range 5 {
		assert.Equal(t, LayerID(want), a.Next())
	}
	assert.Equal(t, 5, a.Allocated())
}

func TestLayerIDAllocatorConcurrent(t *testing.T) {
	a := NewLayerIDAllocator(KindTransformer)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[LayerID]bool)
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := a.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	for i := range 50 {
		assert.True(t, seen[LayerID(i)], "missing id %d", i)
	}
}

func TestLayersReceiveIdentitiesPerKind(t *testing.T) {
	f := newTestFactory(t)
	cfg := testConfig()

	for want := range 3 {
		l, err := f.Transformer(cfg)
		require.NoError(t, err)
		assert.Equal(t, LayerID(want), l.ID())
		assert.Equal(t, LayerID(want), l.Config().LayerID)
	}
	// Other kinds keep their own counters.
	for want := range 2 {
		m, err := f.MLP(cfg)
		require.NoError(t, err)
		assert.Equal(t, LayerID(want), m.ID())
		n, err := f.LayerNorm(cfg)
		require.NoError(t, err)
		assert.Equal(t, LayerID(want), n.ID())
	}
	a, err := f.SelfAttention(cfg)
	require.NoError(t, err)
	assert.Equal(t, LayerID(0), a.ID())
	bd, err := f.BiasDropout(cfg)
	require.NoError(t, err)
	assert.Equal(t, LayerID(0), bd.ID())

	assert.Equal(t, 3, f.IDs().For(KindTransformer).Allocated())
	assert.Equal(t, UnassignedLayerID, cfg.LayerID, "the caller's config is not mutated")
}

func TestAssignRejectsWrongAllocator(t *testing.T) {
	assert.Panics(t, func() { assign(NewLayerIDAllocator(KindMLP), KindTransformer) })
	assert.Panics(t, func() { assign(nil, KindMLP) })
}

func TestFactoriesSharingABackendCollide(t *testing.T) {
	backend := newTestBackend(t)
	f1, f2 := NewFactory(backend), NewFactory(backend)
	cfg := testConfig()

	_, err := f1.Transformer(cfg)
	require.NoError(t, err)
	// Identity 0 already exists in the shared backend's fp32 table.
	_, err = f2.Transformer(cfg)
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("conv")
	assert.Error(t, err)
}
