package attention_test

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/bigbird-gomlx/attention"
	"github.com/gomlx/bigbird-gomlx/sparsity"
)

// getBackend returns the pure Go backend for testing.
func getBackend() backends.Backend {
	backends.DefaultConfig = "go"
	return backends.MustNew()
}

// makeTensor4D fills a [d0, d1, d2, d3] tensor with small deterministic
// values, offset by phase so query/key/value differ.
func makeTensor4D(phase float64, d0, d1, d2, d3 int) *tensors.Tensor {
	data := make([]float32, d0*d1*d2*d3)
	for i := range data {
		data[i] = float32(math.Sin(float64(i)*0.7 + phase))
	}
	return tensors.FromFlatDataAndDimensions(data, d0, d1, d2, d3)
}

func runStrategy(t *testing.T, backend backends.Backend, s attention.Strategy,
	build func(q, k, v *graph.Node) attention.Inputs, args ...*tensors.Tensor) *tensors.Tensor {
	t.Helper()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, q, k, v *graph.Node) *graph.Node {
			return s.Forward(ctx, build(q, k, v))
		})
	require.NoError(t, err)
	results := exec.MustExec(args[0], args[1], args[2])
	require.Len(t, results, 1)
	return results[0]
}

// With 4 blocks, 2 global blocks and a one-block window radius, every query
// row reaches every key block, so the block-sparse decomposition must
// reproduce dense attention exactly (up to float accumulation order).
func TestBlockSparseMatchesDense_SaturatedGeometry(t *testing.T) {
	const (
		batch     = 2
		heads     = 2
		seqLen    = 16
		headDim   = 4
		blockSize = 4
	)
	backend := getBackend()

	sparse, err := attention.NewBlockSparse(attention.Options{
		NumHeads:        heads,
		BlockSize:       blockSize,
		WindowSize:      3,
		NumGlobalBlocks: 2,
		NumRandBlocks:   0,
	})
	require.NoError(t, err)

	q := makeTensor4D(0, batch, heads, seqLen, headDim)
	k := makeTensor4D(1, batch, heads, seqLen, headDim)
	v := makeTensor4D(2, batch, heads, seqLen, headDim)

	build := func(q, k, v *graph.Node) attention.Inputs {
		return attention.Inputs{Query: q, Key: k, Value: v}
	}
	denseOut := runStrategy(t, backend, attention.NewDense(), build, q, k, v).Value().([][][][]float32)
	sparseOut := runStrategy(t, backend, sparse, build, q, k, v).Value().([][][][]float32)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seqLen; s++ {
				for d := 0; d < headDim; d++ {
					assert.InDelta(t, denseOut[b][h][s][d], sparseOut[b][h][s][d], 1e-4,
						"batch %d head %d pos %d dim %d", b, h, s, d)
				}
			}
		}
	}
}

// With zero keys the softmax is uniform over unmasked columns, and one-hot
// values make the output row a direct readout of which key positions the row
// attends: output[t][d] > 0 exactly when position t attends position d.
func TestBlockSparse_AttentionSupport(t *testing.T) {
	const (
		batch     = 1
		heads     = 2
		seqLen    = 16
		blockSize = 2
		numBlocks = seqLen / blockSize
		windowS   = 3
		globals   = 2
		randBlks  = 1
	)
	backend := getBackend()

	sparse, err := attention.NewBlockSparse(attention.Options{
		NumHeads:        heads,
		BlockSize:       blockSize,
		WindowSize:      windowS,
		NumGlobalBlocks: globals,
		NumRandBlocks:   randBlks,
	})
	require.NoError(t, err)

	geo := sparsity.Geometry{
		QueryLength:     seqLen,
		KeyLength:       seqLen,
		NumHeads:        heads,
		BlockSize:       blockSize,
		WindowSize:      windowS,
		NumGlobalBlocks: globals,
		NumRandBlocks:   randBlks,
	}
	mask, err := sparsity.Build(geo, 42)
	require.NoError(t, err)
	randIdx := mask.RandIndexTensor()
	require.NotNil(t, randIdx)

	q := makeTensor4D(0, batch, heads, seqLen, seqLen)
	k := tensors.FromFlatDataAndDimensions(make([]float32, batch*heads*seqLen*seqLen),
		batch, heads, seqLen, seqLen)
	oneHot := make([]float32, batch*heads*seqLen*seqLen)
	for h := 0; h < heads; h++ {
		for pos := 0; pos < seqLen; pos++ {
			oneHot[(h*seqLen+pos)*seqLen+pos] = 1
		}
	}
	v := tensors.FromFlatDataAndDimensions(oneHot, batch, heads, seqLen, seqLen)

	ctx := context.New()
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, q, k, v, randIdx *graph.Node) *graph.Node {
			return sparse.Forward(ctx, attention.Inputs{
				Query: q, Key: k, Value: v, RandIndex: randIdx,
			})
		})
	require.NoError(t, err)
	out := exec.MustExec(q, k, v, randIdx)[0].Value().([][][][]float32)

	gf, gb := globals-globals/2, globals/2
	w := windowS / 2
	for h := 0; h < heads; h++ {
		for pos := 0; pos < seqLen; pos++ {
			qb := pos / blockSize

			attended := make(map[int]bool)
			switch {
			case qb < gf || qb >= numBlocks-gb:
				for kb := 0; kb < numBlocks; kb++ {
					attended[kb] = true
				}
			default:
				for kb := 0; kb < gf; kb++ {
					attended[kb] = true
				}
				for kb := numBlocks - gb; kb < numBlocks; kb++ {
					attended[kb] = true
				}
				for kb := qb - w; kb <= qb+w; kb++ {
					attended[kb] = true
				}
				// Random blocks are gathered per middle block in the order
				// they were sampled for query blocks after the globals.
				for _, kb := range mask.RandBlocks(h, globals+(qb-gf)) {
					attended[int(kb)] = true
				}
			}

			for d := 0; d < seqLen; d++ {
				if attended[d/blockSize] {
					assert.Greater(t, out[0][h][pos][d], float32(1e-6),
						"head %d pos %d should attend position %d", h, pos, d)
				} else {
					assert.InDelta(t, 0, out[0][h][pos][d], 1e-6,
						"head %d pos %d should not attend position %d", h, pos, d)
				}
			}
		}
	}
}

func TestBlockSparse_QueryMaskZeroesRows(t *testing.T) {
	const (
		batch     = 1
		heads     = 2
		seqLen    = 16
		headDim   = 4
		blockSize = 4
	)
	backend := getBackend()

	sparse, err := attention.NewBlockSparse(attention.Options{
		NumHeads:        heads,
		BlockSize:       blockSize,
		WindowSize:      3,
		NumGlobalBlocks: 2,
		NumRandBlocks:   0,
	})
	require.NoError(t, err)

	q := makeTensor4D(0, batch, heads, seqLen, headDim)
	k := makeTensor4D(1, batch, heads, seqLen, headDim)
	v := makeTensor4D(2, batch, heads, seqLen, headDim)

	// Last 4 positions are padding.
	const padFrom = 12
	maskData := make([]float32, seqLen)
	for i := 0; i < padFrom; i++ {
		maskData[i] = 1
	}
	queryMask := tensors.FromFlatDataAndDimensions(maskData, batch, 1, seqLen, 1)

	ctx := context.New()
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, q, k, v, queryMask *graph.Node) *graph.Node {
			return sparse.Forward(ctx, attention.Inputs{
				Query: q, Key: k, Value: v, QueryMask: queryMask,
			})
		})
	require.NoError(t, err)
	out := exec.MustExec(q, k, v, queryMask)[0].Value().([][][][]float32)

	for h := 0; h < heads; h++ {
		for pos := padFrom; pos < seqLen; pos++ {
			for d := 0; d < headDim; d++ {
				assert.Equal(t, float32(0), out[0][h][pos][d],
					"padded row %d must be zeroed", pos)
			}
		}
	}
}

func TestDense_KeyMaskExcludesColumns(t *testing.T) {
	const (
		batch   = 1
		heads   = 1
		seqLen  = 4
		headDim = 4
	)
	backend := getBackend()

	q := makeTensor4D(0, batch, heads, seqLen, headDim)
	// Zero keys make the softmax uniform over unmasked columns.
	k := tensors.FromFlatDataAndDimensions(make([]float32, seqLen*headDim),
		batch, heads, seqLen, headDim)
	oneHot := make([]float32, seqLen*headDim)
	for pos := 0; pos < seqLen; pos++ {
		oneHot[pos*headDim+pos] = 1
	}
	v := tensors.FromFlatDataAndDimensions(oneHot, batch, heads, seqLen, headDim)

	// Mask out the last key position.
	keyMask := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1, 0}, batch, 1, 1, seqLen)

	ctx := context.New()
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, q, k, v, keyMask *graph.Node) *graph.Node {
			return attention.NewDense().Forward(ctx, attention.Inputs{
				Query: q, Key: k, Value: v, KeyMask: keyMask,
			})
		})
	require.NoError(t, err)
	out := exec.MustExec(q, k, v, keyMask)[0].Value().([][][][]float32)

	for pos := 0; pos < seqLen; pos++ {
		for d := 0; d < 3; d++ {
			assert.InDelta(t, 1.0/3.0, out[0][0][pos][d], 1e-5)
		}
		assert.InDelta(t, 0, out[0][0][pos][3], 1e-6, "masked key leaked into row %d", pos)
	}
}

// Graph construction must succeed for every band layout: the mask segments
// of a band row have different widths (globals, window, wraparound artifact),
// and each must land on the width axis when the row is assembled. Covers
// symmetric and asymmetric global splits, wide windows whose edge rows wrap,
// and the random segment; the output always keeps the query shape.
func TestBlockSparse_BuildsAcrossGeometries(t *testing.T) {
	const (
		batch   = 1
		headDim = 4
	)
	backend := getBackend()

	cases := []struct {
		name      string
		opts      attention.Options
		numBlocks int
	}{
		{
			name: "symmetric globals",
			opts: attention.Options{
				NumHeads: 2, BlockSize: 4, WindowSize: 3, NumGlobalBlocks: 2,
			},
			numBlocks: 8,
		},
		{
			name: "asymmetric globals wide window",
			opts: attention.Options{
				NumHeads: 2, BlockSize: 4, WindowSize: 5, NumGlobalBlocks: 3,
			},
			numBlocks: 10,
		},
		{
			name: "band saturates all blocks",
			opts: attention.Options{
				NumHeads: 2, BlockSize: 4, WindowSize: 3, NumGlobalBlocks: 2,
			},
			numBlocks: 4,
		},
		{
			name: "with random segment",
			opts: attention.Options{
				NumHeads: 2, BlockSize: 2, WindowSize: 3, NumGlobalBlocks: 2,
				NumRandBlocks: 1,
			},
			numBlocks: 8,
		},
		{
			name: "four globals two random",
			opts: attention.Options{
				NumHeads: 1, BlockSize: 4, WindowSize: 5, NumGlobalBlocks: 4,
				NumRandBlocks: 2,
			},
			numBlocks: 12,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sparse, err := attention.NewBlockSparse(tc.opts)
			require.NoError(t, err)

			seqLen := tc.numBlocks * tc.opts.BlockSize
			g := graph.NewGraph(backend, "sparse_build")
			shape := shapes.Make(dtypes.Float32, batch, tc.opts.NumHeads, seqLen, headDim)
			in := attention.Inputs{
				Query: graph.Parameter(g, "q", shape),
				Key:   graph.Parameter(g, "k", shape),
				Value: graph.Parameter(g, "v", shape),
			}
			if tc.opts.NumRandBlocks > 0 {
				n := tc.opts.NumHeads * (tc.numBlocks - tc.opts.NumGlobalBlocks) * tc.opts.NumRandBlocks
				in.RandIndex = graph.Parameter(g, "rand_idx", shapes.Make(dtypes.Int32, n, 2))
			}

			out := sparse.Forward(context.New(), in)
			assert.True(t, out.Shape().Equal(shape), "got %s, want %s", out.Shape(), shape)
		})
	}
}

func TestNewBlockSparse_Validation(t *testing.T) {
	valid := attention.Options{
		NumHeads:        2,
		BlockSize:       4,
		WindowSize:      3,
		NumGlobalBlocks: 2,
		NumRandBlocks:   1,
	}
	_, err := attention.NewBlockSparse(valid)
	require.NoError(t, err)

	opts := valid
	opts.WindowSize = 4
	_, err = attention.NewBlockSparse(opts)
	assert.Error(t, err)

	opts = valid
	opts.NumGlobalBlocks = 1
	_, err = attention.NewBlockSparse(opts)
	assert.Error(t, err)

	opts = valid
	opts.BlockSize = 0
	_, err = attention.NewBlockSparse(opts)
	assert.Error(t, err)

	opts = valid
	opts.NumRandBlocks = -1
	_, err = attention.NewBlockSparse(opts)
	assert.Error(t, err)
}
