package pagedattn

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// CacheDType selects the storage precision of the block cache. Compute always
// happens in float32 (or float64 under Upcast); only the resident key/value
// bytes change.
type CacheDType int

const (
	CacheFloat32 CacheDType = iota
	CacheFloat16
)

// Window bounds attention to [q-Left, q+Right] around the aligned query
// position. -1 means unbounded on that side.
type Window struct {
	Left  int `yaml:"left"`
	Right int `yaml:"right"`
}

// Unbounded reports whether no window constraint applies at all.
func (w Window) Unbounded() bool {
	return w.Left < 0 && w.Right < 0
}

// Config holds the attributes of the paged attention operator.
type Config struct {
	NumHeads      int        `yaml:"num_heads"`
	NumKVHeads    int        `yaml:"num_kv_heads"`
	HeadSize      int        `yaml:"head_size"`
	SlotsPerBlock int        `yaml:"slots_per_block"`
	NumBlocks     int        `yaml:"num_blocks"`
	Scale         float64    `yaml:"scale"` // 0 means 1/sqrt(head_size)
	Causal        bool       `yaml:"causal"`
	Window        Window     `yaml:"window"`
	Upcast        bool       `yaml:"upcast"`
	DropoutP      float64    `yaml:"dropout_p"`
	CacheDType    CacheDType `yaml:"-"`
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with default values and applies the options.
// Returns ErrInvalidHeadGrouping (wrapped) for bad head counts so the mismatch
// surfaces at construction rather than on the first forward pass.
func NewConfig(numHeads, numKVHeads, headSize int, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		NumHeads:      numHeads,
		NumKVHeads:    numKVHeads,
		HeadSize:      headSize,
		SlotsPerBlock: 16,
		NumBlocks:     1024,
		Causal:        true,
		Window:        Window{Left: -1, Right: -1},
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) validate() error {
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.HeadSize <= 0 {
		return fmt.Errorf("%w: heads=%d kv_heads=%d head_size=%d must be positive",
			ErrShapeMismatch, c.NumHeads, c.NumKVHeads, c.HeadSize)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%w: num_heads=%d is not a multiple of num_kv_heads=%d",
			ErrInvalidHeadGrouping, c.NumHeads, c.NumKVHeads)
	}
	if c.SlotsPerBlock <= 0 {
		return fmt.Errorf("%w: slots_per_block=%d must be positive", ErrShapeMismatch, c.SlotsPerBlock)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("%w: num_blocks=%d must be positive", ErrShapeMismatch, c.NumBlocks)
	}
	if c.DropoutP < 0 || c.DropoutP >= 1 {
		return fmt.Errorf("%w: dropout_p=%v must be in [0,1)", ErrShapeMismatch, c.DropoutP)
	}
	return nil
}

// EffectiveScale returns the configured scale, defaulting to 1/sqrt(head_size).
func (c *Config) EffectiveScale() float64 {
	if c.Scale != 0 {
		return c.Scale
	}
	return 1.0 / math.Sqrt(float64(c.HeadSize))
}

// QueryHidden is the per-token query/output width.
func (c *Config) QueryHidden() int { return c.NumHeads * c.HeadSize }

// KVHidden is the per-token key/value width before head expansion.
func (c *Config) KVHidden() int { return c.NumKVHeads * c.HeadSize }

// LoadConfig reads a Config from a YAML file and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := &Config{
		SlotsPerBlock: 16,
		NumBlocks:     1024,
		Causal:        true,
		Window:        Window{Left: -1, Right: -1},
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithSlotsPerBlock sets the block capacity in token slots.
func WithSlotsPerBlock(n int) ConfigOption {
	return func(c *Config) { c.SlotsPerBlock = n }
}

// WithNumBlocks sets the number of cache blocks per layer.
func WithNumBlocks(n int) ConfigOption {
	return func(c *Config) { c.NumBlocks = n }
}

// WithScale overrides the default 1/sqrt(head_size) score scaling.
func WithScale(s float64) ConfigOption {
	return func(c *Config) { c.Scale = s }
}

// WithCausal toggles causal masking.
func WithCausal(b bool) ConfigOption {
	return func(c *Config) { c.Causal = b }
}

// WithWindow sets the local attention window.
func WithWindow(left, right int) ConfigOption {
	return func(c *Config) { c.Window = Window{Left: left, Right: right} }
}

// WithUpcast computes attention in float64 and casts back.
func WithUpcast(b bool) ConfigOption {
	return func(c *Config) { c.Upcast = b }
}

// WithDropout sets the attention dropout probability.
func WithDropout(p float64) ConfigOption {
	return func(c *Config) { c.DropoutP = p }
}

// WithCacheDType sets the block cache storage precision.
func WithCacheDType(dt CacheDType) ConfigOption {
	return func(c *Config) { c.CacheDType = dt }
}
