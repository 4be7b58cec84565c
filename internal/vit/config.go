package vit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultLayerNormEps = 1e-5

// Config holds the hyperparameters of a Vision Transformer.
// All values are fixed at construction.
type Config struct {
	ImageSize  int `yaml:"image_size"`
	PatchSize  int `yaml:"patch_size"`
	EmbedDim   int `yaml:"embed_dim"`
	NumHeads   int `yaml:"num_heads"`
	NumLayers  int `yaml:"num_layers"`
	NumClasses int `yaml:"num_classes"`

	// MLPHiddenDim defaults to 4 * EmbedDim when zero.
	MLPHiddenDim int `yaml:"mlp_hidden_dim"`
	// LayerNormEps defaults to 1e-5 when zero.
	LayerNormEps float64 `yaml:"layer_norm_eps"`
	// Seed for parameter initialization.
	Seed uint64 `yaml:"seed"`
}

// NewConfig returns a Config with the six architectural sizes set and the
// optional fields left at their defaults.
func NewConfig(imageSize, patchSize, embedDim, numHeads, numLayers, numClasses int) Config {
	return Config{
		ImageSize:  imageSize,
		PatchSize:  patchSize,
		EmbedDim:   embedDim,
		NumHeads:   numHeads,
		NumLayers:  numLayers,
		NumClasses: numClasses,
	}
}

// DefaultMNISTConfig returns the configuration used for 28x28 MNIST digits:
// 4x4 patches (49 tokens + class token), 256-wide embeddings, 8 heads, 6 layers.
func DefaultMNISTConfig() Config {
	return Config{
		ImageSize:    28,
		PatchSize:    4,
		EmbedDim:     256,
		NumHeads:     8,
		NumLayers:    6,
		NumClasses:   10,
		MLPHiddenDim: 1024,
		LayerNormEps: defaultLayerNormEps,
		Seed:         42,
	}
}

// Validate checks the dimensional invariants of the configuration.
func (c Config) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"image_size", c.ImageSize},
		{"patch_size", c.PatchSize},
		{"embed_dim", c.EmbedDim},
		{"num_heads", c.NumHeads},
		{"num_layers", c.NumLayers},
		{"num_classes", c.NumClasses},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfiguration, s.name, s.v)
		}
	}
	if c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("%w: image_size %d is not divisible by patch_size %d",
			ErrInvalidConfiguration, c.ImageSize, c.PatchSize)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: embed_dim %d is not divisible by num_heads %d",
			ErrInvalidConfiguration, c.EmbedDim, c.NumHeads)
	}
	if c.MLPHiddenDim < 0 {
		return fmt.Errorf("%w: mlp_hidden_dim must not be negative, got %d", ErrInvalidConfiguration, c.MLPHiddenDim)
	}
	if c.LayerNormEps < 0 {
		return fmt.Errorf("%w: layer_norm_eps must not be negative, got %g", ErrInvalidConfiguration, c.LayerNormEps)
	}
	return nil
}

// PatchesPerSide is the number of patches along each image edge.
func (c Config) PatchesPerSide() int { return c.ImageSize / c.PatchSize }

// NumPatches is the number of patches per image.
func (c Config) NumPatches() int { return c.PatchesPerSide() * c.PatchesPerSide() }

// PatchArea is the number of pixels in one patch.
func (c Config) PatchArea() int { return c.PatchSize * c.PatchSize }

// SeqLen is the encoder sequence length: one class token plus the patches.
func (c Config) SeqLen() int { return c.NumPatches() + 1 }

// HeadDim is the width of one attention head.
func (c Config) HeadDim() int { return c.EmbedDim / c.NumHeads }

// ImagePixels is the flattened image length.
func (c Config) ImagePixels() int { return c.ImageSize * c.ImageSize }

// HiddenDim is the MLP inner width.
func (c Config) HiddenDim() int {
	if c.MLPHiddenDim > 0 {
		return c.MLPHiddenDim
	}
	return 4 * c.EmbedDim
}

// Eps is the LayerNorm epsilon.
func (c Config) Eps() float64 {
	if c.LayerNormEps > 0 {
		return c.LayerNormEps
	}
	return defaultLayerNormEps
}

// LoadConfig reads a YAML config file. Fields absent from the file keep the
// values of DefaultMNISTConfig. The result is validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data on top of DefaultMNISTConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultMNISTConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
