package bigbird_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bigbird "github.com/gomlx/bigbird-gomlx"
)

func TestParseConfigContent_RobertaBase(t *testing.T) {
	configJSON := `{
		"model_type": "big_bird",
		"attention_type": "block_sparse",
		"hidden_size": 768,
		"num_hidden_layers": 12,
		"num_attention_heads": 12,
		"block_size": 64,
		"window_size": 3,
		"num_global_blocks": 2,
		"num_random_blocks": 3,
		"attention_probs_dropout_prob": 0.1,
		"max_position_embeddings": 4096
	}`

	cfg, err := bigbird.ParseConfigContent([]byte(configJSON))
	require.NoError(t, err)

	assert.Equal(t, "big_bird", cfg.ModelType)
	assert.Equal(t, bigbird.AttentionTypeBlockSparse, cfg.AttentionType)
	assert.Equal(t, 768, cfg.HiddenSize)
	assert.Equal(t, 12, cfg.NumHiddenLayers)
	assert.Equal(t, 12, cfg.NumAttentionHeads)
	assert.Equal(t, 64, cfg.BlockSize)
	assert.Equal(t, 3, cfg.WindowSize)
	assert.Equal(t, 2, cfg.NumGlobalBlocks)
	assert.Equal(t, 3, cfg.NumRandBlocks)
	assert.Equal(t, 0.1, cfg.AttentionProbsDropout)
	assert.Equal(t, 64, cfg.HeadDim())
	require.NoError(t, cfg.Validate())

	// Fields without a struct home stay reachable through Raw.
	maxPos, ok := cfg.GetInt("max_position_embeddings")
	assert.True(t, ok)
	assert.Equal(t, 4096, maxPos)
}

func TestParseConfigContent_Defaults(t *testing.T) {
	configJSON := `{
		"model_type": "big_bird",
		"hidden_size": 512,
		"num_hidden_layers": 4,
		"num_attention_heads": 8
	}`

	cfg, err := bigbird.ParseConfigContent([]byte(configJSON))
	require.NoError(t, err)

	assert.Equal(t, bigbird.AttentionTypeBlockSparse, cfg.AttentionType)
	assert.Equal(t, 64, cfg.BlockSize)
	assert.Equal(t, 3, cfg.WindowSize)
	assert.Equal(t, 2, cfg.NumGlobalBlocks)
	assert.Equal(t, 3, cfg.NumRandBlocks)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate_Errors(t *testing.T) {
	valid := func() *bigbird.Config {
		cfg, err := bigbird.ParseConfigContent([]byte(`{
			"model_type": "big_bird",
			"hidden_size": 256,
			"num_hidden_layers": 2,
			"num_attention_heads": 4
		}`))
		require.NoError(t, err)
		return cfg
	}

	cfg := valid()
	cfg.HiddenSize = 250
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divisible")

	cfg = valid()
	cfg.AttentionType = "sparse_magic"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported attention_type")

	cfg = valid()
	cfg.WindowSize = 4
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd")

	cfg = valid()
	cfg.NumGlobalBlocks = 1
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_global_blocks")

	cfg = valid()
	cfg.AttentionProbsDropout = 1.0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attention_probs_dropout_prob")

	// Dense configs skip the block-sparse geometry checks.
	cfg = valid()
	cfg.AttentionType = bigbird.AttentionTypeOriginalFull
	cfg.WindowSize = 4
	cfg.NumGlobalBlocks = 0
	assert.NoError(t, cfg.Validate())
}

func TestParseAttentionKind(t *testing.T) {
	kind, err := bigbird.ParseAttentionKind("original_full")
	require.NoError(t, err)
	assert.Equal(t, bigbird.AttentionDense, kind)
	assert.Equal(t, "original_full", kind.String())

	kind, err = bigbird.ParseAttentionKind("block_sparse")
	require.NoError(t, err)
	assert.Equal(t, bigbird.AttentionBlockSparse, kind)
	assert.Equal(t, "block_sparse", kind.String())

	_, err = bigbird.ParseAttentionKind("flash")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported attention_type")
}

func TestNewStrategy(t *testing.T) {
	cfg, err := bigbird.ParseConfigContent([]byte(`{
		"model_type": "big_bird",
		"hidden_size": 256,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"block_size": 16
	}`))
	require.NoError(t, err)

	strategy, err := cfg.NewStrategy()
	require.NoError(t, err)
	assert.NotNil(t, strategy)

	cfg.AttentionType = bigbird.AttentionTypeOriginalFull
	strategy, err = cfg.NewStrategy()
	require.NoError(t, err)
	assert.NotNil(t, strategy)

	cfg.AttentionType = "unknown"
	_, err = cfg.NewStrategy()
	assert.Error(t, err)
}

func TestLayerMasks_Decorrelated(t *testing.T) {
	cfg, err := bigbird.ParseConfigContent([]byte(`{
		"model_type": "big_bird",
		"hidden_size": 64,
		"num_hidden_layers": 3,
		"num_attention_heads": 2,
		"block_size": 8,
		"window_size": 3,
		"num_global_blocks": 2,
		"num_random_blocks": 1,
		"seed": 7
	}`))
	require.NoError(t, err)

	masks, err := cfg.LayerMasks(128)
	require.NoError(t, err)
	require.Len(t, masks, 3)

	// Rebuilding is deterministic.
	again, err := cfg.LayerMasks(128)
	require.NoError(t, err)
	for i := range masks {
		assert.Equal(t, masks[i].Data(), again[i].Data(), "layer %d", i)
	}

	// Layers draw from distinct seeds, so selections differ somewhere.
	assert.NotEqual(t, masks[0].RandIndexPairs(), masks[1].RandIndexPairs())
}
