package fusedlayer

// Factory builds sublayers against one backend, drawing identities from its
// own allocators. Two factories never share identities, so each one models
// an independent process.
type Factory struct {
	backend Backend
	ids     *LayerIDs
}

// NewFactory returns a factory with fresh allocators for every kind.
func NewFactory(backend Backend) *Factory {
	return &Factory{backend: backend, ids: NewLayerIDs()}
}

// Backend returns the backend layers are registered with.
func (f *Factory) Backend() Backend { return f.backend }

// IDs returns the factory's allocators.
func (f *Factory) IDs() *LayerIDs { return f.ids }

// Transformer builds a full block.
func (f *Factory) Transformer(cfg Config, opts ...Option) (*TransformerLayer, error) {
	return NewTransformerLayer(cfg, f.ids.For(KindTransformer), f.backend, opts...)
}

// SelfAttention builds a self-attention layer.
func (f *Factory) SelfAttention(cfg Config, opts ...Option) (*SelfAttentionLayer, error) {
	return NewSelfAttentionLayer(cfg, f.ids.For(KindSelfAttention), f.backend, opts...)
}

// MLP builds a feed-forward layer.
func (f *Factory) MLP(cfg Config, opts ...Option) (*MLPLayer, error) {
	return NewMLPLayer(cfg, f.ids.For(KindMLP), f.backend, opts...)
}

// BiasDropout builds a bias+residual+dropout layer.
func (f *Factory) BiasDropout(cfg Config) (*BiasDropoutLayer, error) {
	return NewBiasDropoutLayer(cfg, f.ids.For(KindBiasResidualDropout), f.backend)
}

// LayerNorm builds a normalization layer.
func (f *Factory) LayerNorm(cfg Config, opts ...Option) (*LayerNormLayer, error) {
	return NewLayerNormLayer(cfg, f.ids.For(KindLayerNorm), f.backend, opts...)
}
