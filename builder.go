package bigbird

import (
	"github.com/pkg/errors"

	"github.com/gomlx/bigbird-gomlx/attention"
	"github.com/gomlx/bigbird-gomlx/sparsity"
)

// NewStrategy builds the attention strategy selected by attention_type.
func (c *Config) NewStrategy() (attention.Strategy, error) {
	kind, err := ParseAttentionKind(c.AttentionType)
	if err != nil {
		return nil, err
	}
	switch kind {
	case AttentionDense:
		return attention.NewDense(), nil
	case AttentionBlockSparse:
		return attention.NewBlockSparse(attention.Options{
			NumHeads:        c.NumAttentionHeads,
			BlockSize:       c.BlockSize,
			WindowSize:      c.WindowSize,
			NumGlobalBlocks: c.NumGlobalBlocks,
			NumRandBlocks:   c.NumRandBlocks,
		})
	default:
		return nil, errors.Errorf("no strategy for attention kind %v", kind)
	}
}

// NewAttentionCore builds the multi-head attention core (projections plus
// strategy) for this configuration.
func (c *Config) NewAttentionCore() (*attention.MultiHead, error) {
	strategy, err := c.NewStrategy()
	if err != nil {
		return nil, err
	}
	return attention.NewMultiHead(c.HiddenSize, c.NumAttentionHeads, c.AttentionProbsDropout, strategy)
}

// Geometry returns the block-sparse geometry for a sequence of the given
// length, used to build masks and random-block selections ahead of the
// forward pass.
func (c *Config) Geometry(seqLen int) sparsity.Geometry {
	return sparsity.Geometry{
		QueryLength:     seqLen,
		KeyLength:       seqLen,
		NumHeads:        c.NumAttentionHeads,
		BlockSize:       c.BlockSize,
		WindowSize:      c.WindowSize,
		NumGlobalBlocks: c.NumGlobalBlocks,
		NumRandBlocks:   c.NumRandBlocks,
	}
}

// LayerMasks builds one sparsity mask per hidden layer, decorrelating the
// random-block selections across layers from the configured seed.
func (c *Config) LayerMasks(seqLen int) ([]*sparsity.Mask, error) {
	return sparsity.BuildLayerMasks(c.NumHiddenLayers, c.Geometry(seqLen), c.Seed)
}
