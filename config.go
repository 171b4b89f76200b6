// Package bigbird provides the BigBird block-sparse self-attention core for GoMLX.
//
// BigBird restricts each block of query positions to a fixed set of key
// blocks — global blocks, a sliding window and a few randomly sampled
// blocks — bringing attention cost from quadratic to near-linear in the
// sequence length. This package holds the configuration and weight-loading
// surface; mask construction lives in the sparsity package and the attention
// strategies in the attention package.
package bigbird

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Attention type names as they appear in HuggingFace BigBird config.json files.
const (
	AttentionTypeBlockSparse  = "block_sparse"
	AttentionTypeOriginalFull = "original_full"
)

// Config contains the model-construction-time parameters of the attention
// core. Fields mirror the HuggingFace BigBird config surface; anything not
// covered by a struct field is available in Raw for custom parsing.
type Config struct {
	// Path to the config file (not from JSON).
	ConfigFile string `json:"-"`

	// Core architecture identifier.
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures,omitempty"`

	// Attention pattern: "block_sparse" or "original_full".
	AttentionType string `json:"attention_type,omitempty"`

	// Common dimensions.
	HiddenSize        int `json:"hidden_size"`
	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`

	// Block-sparse geometry.
	BlockSize       int `json:"block_size,omitempty"`
	WindowSize      int `json:"window_size,omitempty"`
	NumGlobalBlocks int `json:"num_global_blocks,omitempty"`
	NumRandBlocks   int `json:"num_random_blocks,omitempty"`

	// Seed for the random-block sampler, threaded explicitly into the
	// sparsity package; never applied to any global generator state.
	Seed int64 `json:"seed,omitempty"`

	// Dropout applied to attention weights during training.
	AttentionProbsDropout float64 `json:"attention_probs_dropout_prob,omitempty"`

	// The raw JSON for architecture-specific parsing.
	Raw map[string]interface{} `json:"-"`
}

// ParseConfigFile loads and parses a config.json file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", filePath)
	}

	config, err := ParseConfigContent(content)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", filePath)
	}
	config.ConfigFile = filePath

	return config, nil
}

// ParseConfigContent parses config.json content from bytes and applies the
// BigBird defaults for any geometry field left unset.
func ParseConfigContent(content []byte) (*Config, error) {
	config := &Config{}

	// First unmarshal into the struct for common fields.
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config JSON")
	}

	// Also unmarshal into Raw for architecture-specific fields.
	if err := json.Unmarshal(content, &config.Raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config JSON to raw map")
	}

	// Apply defaults.
	if config.AttentionType == "" {
		config.AttentionType = AttentionTypeBlockSparse
	}
	if config.BlockSize == 0 {
		config.BlockSize = 64
	}
	if config.WindowSize == 0 {
		config.WindowSize = 3
	}
	if config.NumGlobalBlocks == 0 {
		config.NumGlobalBlocks = 2
	}
	if config.NumRandBlocks == 0 {
		config.NumRandBlocks = 3
	}

	return config, nil
}

// Validate fails fast on malformed geometry instead of silently truncating.
func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return errors.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NumAttentionHeads <= 0 {
		return errors.Errorf("num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return errors.Errorf("hidden_size (%d) must be divisible by num_attention_heads (%d)",
			c.HiddenSize, c.NumAttentionHeads)
	}
	if _, err := ParseAttentionKind(c.AttentionType); err != nil {
		return err
	}
	if c.AttentionProbsDropout < 0 || c.AttentionProbsDropout >= 1 {
		return errors.Errorf("attention_probs_dropout_prob must be in [0, 1), got %g", c.AttentionProbsDropout)
	}
	if c.AttentionType != AttentionTypeBlockSparse {
		return nil
	}
	if c.BlockSize <= 0 {
		return errors.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.WindowSize <= 0 || c.WindowSize%2 == 0 {
		return errors.Errorf("window_size must be a positive odd number, got %d", c.WindowSize)
	}
	if c.NumGlobalBlocks < 2 {
		// The sparse kernel splits global blocks into a front and a back
		// segment; both must be non-empty.
		return errors.Errorf("block_sparse attention requires num_global_blocks >= 2, got %d", c.NumGlobalBlocks)
	}
	if c.NumRandBlocks < 0 {
		return errors.Errorf("num_random_blocks must be non-negative, got %d", c.NumRandBlocks)
	}
	return nil
}

// GetString retrieves a string field from Raw config.
func (c *Config) GetString(key string) (string, bool) {
	if v, ok := c.Raw[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetInt retrieves an integer field from Raw config.
func (c *Config) GetInt(key string) (int, bool) {
	if v, ok := c.Raw[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
	}
	return 0, false
}

// GetFloat retrieves a float field from Raw config.
func (c *Config) GetFloat(key string) (float64, bool) {
	if v, ok := c.Raw[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

// GetBool retrieves a boolean field from Raw config.
func (c *Config) GetBool(key string) (bool, bool) {
	if v, ok := c.Raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

// HeadDim returns the dimension of each attention head.
func (c *Config) HeadDim() int {
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}
