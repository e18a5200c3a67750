package fusedlayer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Config holds the sizing, precision and retention policy of a fused
// sublayer. A Config is copied into each layer at construction; the copy
// receives the layer's identity and is never mutated afterwards.
//
// Per-call runtime flags (training, gradient tracking) are not part of the
// configuration. They travel in a Mode value passed to each Forward call.
type Config struct {
	// Sizing
	BatchSize         int `json:"batch_size"`          // Ceiling on the leading dimension of inputs and gradients
	MaxSeqLength      int `json:"max_seq_length"`      // Longest sequence the backend sizes buffers for
	HiddenSize        int `json:"hidden_size"`         // Model width
	AttentionSize     int `json:"selfattention_size"`  // QKV projection width; 0 means HiddenSize
	IntermediateSize  int `json:"intermediate_size"`   // Feed-forward width; 0 means 4*HiddenSize
	Heads             int `json:"heads"`               // Attention heads; must divide the attention size
	NumHiddenLayers   int `json:"num_hidden_layers"`   // Depth of the stack, used by init scaling
	LocalRank         int `json:"local_rank"`          // Device-selection rank; negative means default device
	Seed              int `json:"seed"`                // Seed for parameter init and backend dropout RNGs

	AttnDropoutRatio   float64 `json:"attn_dropout_ratio"`   // Dropout on attention probabilities
	HiddenDropoutRatio float64 `json:"hidden_dropout_ratio"` // Dropout on attention and layer outputs
	InitializerRange   float64 `json:"initializer_range"`    // Std of weight initialization
	AdjustInitRange    bool    `json:"adjust_init_range"`    // Scale output-side weights by 1/sqrt(2*layers)

	// Numeric and execution mode
	FP16           bool `json:"fp16"`            // Reduced precision kernels
	StochasticMode bool `json:"stochastic_mode"` // Faster, non-deterministic kernels
	PreLayerNorm   bool `json:"pre_layer_norm"`  // Pre-normalization architecture

	// Retention policy
	NormalizeInvertible   bool `json:"normalize_invertible"`
	GeluCheckpoint        bool `json:"gelu_checkpoint"`
	AttnDropoutCheckpoint bool `json:"attn_dropout_checkpoint"`

	// LayerID is UnassignedLayerID until a layer constructor assigns it.
	LayerID LayerID `json:"layer_id"`
}

// DefaultConfig returns a small, valid configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:          8,
		MaxSeqLength:       128,
		HiddenSize:         256,
		Heads:              4,
		NumHiddenLayers:    4,
		LocalRank:          -1,
		Seed:               42,
		AttnDropoutRatio:   0.1,
		HiddenDropoutRatio: 0.1,
		InitializerRange:   0.02,
		AdjustInitRange:    true,
		PreLayerNorm:       true,
		LayerID:            UnassignedLayerID,
	}
}

// AttnSize returns the effective self-attention projection width.
func (c Config) AttnSize() int {
	if c.AttentionSize > 0 {
		return c.AttentionSize
	}
	return c.HiddenSize
}

// InterSize returns the effective feed-forward width.
func (c Config) InterSize() int {
	if c.IntermediateSize > 0 {
		return c.IntermediateSize
	}
	return 4 * c.HiddenSize
}

// HeadSize returns the per-head width of the attention projection.
func (c Config) HeadSize() int {
	return c.AttnSize() / c.Heads
}

// Flags returns the retention-policy inputs of this configuration.
func (c Config) Flags() Flags {
	return Flags{
		PreLayerNorm:          c.PreLayerNorm,
		NormalizeInvertible:   c.NormalizeInvertible,
		AttnDropoutCheckpoint: c.AttnDropoutCheckpoint,
		GeluCheckpoint:        c.GeluCheckpoint,
	}
}

// WithFlags returns a copy of c with the retention-policy inputs replaced.
func (c Config) WithFlags(f Flags) Config {
	c.PreLayerNorm = f.PreLayerNorm
	c.NormalizeInvertible = f.NormalizeInvertible
	c.AttnDropoutCheckpoint = f.AttnDropoutCheckpoint
	c.GeluCheckpoint = f.GeluCheckpoint
	return c
}

// Validate checks sizes and ratios and reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("batch_size", c.BatchSize)
	positive("max_seq_length", c.MaxSeqLength)
	positive("hidden_size", c.HiddenSize)
	positive("heads", c.Heads)
	positive("num_hidden_layers", c.NumHiddenLayers)
	if c.AttentionSize < 0 {
		errs = append(errs, fmt.Errorf("selfattention_size must not be negative, got %d", c.AttentionSize))
	}
	if c.IntermediateSize < 0 {
		errs = append(errs, fmt.Errorf("intermediate_size must not be negative, got %d", c.IntermediateSize))
	}
	if c.Heads > 0 && c.AttnSize()%c.Heads != 0 {
		errs = append(errs, fmt.Errorf("selfattention_size %d not divisible by heads %d", c.AttnSize(), c.Heads))
	}
	ratio := func(name string, v float64) {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1), got %g", name, v))
		}
	}
	ratio("attn_dropout_ratio", c.AttnDropoutRatio)
	ratio("hidden_dropout_ratio", c.HiddenDropoutRatio)
	if c.InitializerRange <= 0 {
		errs = append(errs, fmt.Errorf("initializer_range must be positive, got %g", c.InitializerRange))
	}
	if c.LayerID < UnassignedLayerID {
		errs = append(errs, fmt.Errorf("layer_id %d is not a valid identity", c.LayerID))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseConfig decodes a JSON configuration document over DefaultConfig.
// Unknown keys are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a JSON configuration file.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to filename as indented JSON.
func SaveConfig(cfg Config, filename string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
