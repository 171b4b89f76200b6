package attention

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Options is the block-sparse geometry fixed at model-construction time.
type Options struct {
	NumHeads  int
	BlockSize int

	// WindowSize must be odd; each query block attends WindowSize/2 key
	// blocks per side.
	WindowSize int

	// NumGlobalBlocks is split into ceil(G/2) front and floor(G/2) back
	// blocks; both splits must be non-empty, so the minimum is 2.
	NumGlobalBlocks int

	// NumRandBlocks enables the random-attention segment when positive.
	NumRandBlocks int
}

// BlockSparse is the BigBird attention decomposition. Query rows are
// computed in three groups and concatenated back in sequence order:
// front-global rows and back-global rows attend densely to every key, and
// the middle rows attend to an assembled band of front-global, window,
// back-global and (optionally) random key blocks.
//
// Window extraction near the first and last non-global blocks gathers a
// fixed-width window per query block by wrapping around the sequence
// boundary; the band mask zeroes the wrapped-in artifact columns rather
// than re-indexing, so the memory layout stays uniform across rows.
type BlockSparse struct {
	opts Options
}

// NewBlockSparse validates the geometry and returns the strategy.
func NewBlockSparse(opts Options) (*BlockSparse, error) {
	if opts.NumHeads <= 0 {
		return nil, errors.Errorf("num_heads must be positive, got %d", opts.NumHeads)
	}
	if opts.BlockSize <= 0 {
		return nil, errors.Errorf("block_size must be positive, got %d", opts.BlockSize)
	}
	if opts.WindowSize <= 0 || opts.WindowSize%2 == 0 {
		return nil, errors.Errorf("window_size must be a positive odd number, got %d", opts.WindowSize)
	}
	if opts.NumGlobalBlocks < 2 {
		return nil, errors.Errorf("num_global_blocks must be at least 2 (front and back segments), got %d",
			opts.NumGlobalBlocks)
	}
	if opts.NumRandBlocks < 0 {
		return nil, errors.Errorf("num_rand_blocks must be non-negative, got %d", opts.NumRandBlocks)
	}
	return &BlockSparse{opts: opts}, nil
}

// Forward computes the block-sparse attention output, [batch, heads,
// seq_len, head_dim]. Rows where QueryMask is 0 are zeroed.
func (a *BlockSparse) Forward(ctx *context.Context, in Inputs) *Node {
	batch, heads, seqLen, keyLen, headDim := checkQKV(in)
	opts := a.opts
	if heads != opts.NumHeads {
		panic(fmt.Sprintf("block-sparse attention built for %d heads, query has %d", opts.NumHeads, heads))
	}
	if keyLen != seqLen {
		panic(fmt.Sprintf("block-sparse attention is self-attention, query_len (%d) must equal key_len (%d)",
			seqLen, keyLen))
	}
	bs := opts.BlockSize
	if seqLen%bs != 0 {
		panic(fmt.Sprintf("seq_len (%d) must be a multiple of block_size (%d)", seqLen, bs))
	}
	numBlocks := seqLen / bs
	g := opts.NumGlobalBlocks
	gf, gb := g-g/2, g/2
	w := opts.WindowSize / 2
	if numBlocks-g-2*w < 0 {
		panic(fmt.Sprintf("window_size (%d) too large: need at least %d blocks of %d positions, got %d",
			opts.WindowSize, g+2*w, bs, numBlocks))
	}

	graph := in.Query.Graph()
	dtype := in.Query.DType()
	queryMask := in.QueryMask
	if queryMask == nil {
		queryMask = Ones(graph, shapes.Make(dtype, batch, 1, seqLen, 1))
	}
	keyMask := in.KeyMask
	if keyMask == nil {
		keyMask = Ones(graph, shapes.Make(dtype, batch, 1, 1, seqLen))
	}

	// Rows of the first gf and last gb blocks attend to every key.
	globalFront := a.globalRows(ctx, in, keyMask, headDim, 0, gf*bs)
	globalBack := a.globalRows(ctx, in, keyMask, headDim, seqLen-gb*bs, seqLen)

	parts := []*Node{globalFront}
	if numBlocks > g {
		parts = append(parts, a.middleRows(ctx, in, queryMask, keyMask, batch, heads, seqLen, headDim))
	}
	parts = append(parts, globalBack)

	out := Concatenate(parts, 2)
	return Mul(out, queryMask)
}

// globalRows computes dense attention of query rows [rowLo, rowHi) against
// all keys, masked only by the key padding mask.
func (a *BlockSparse) globalRows(ctx *context.Context, in Inputs, keyMask *Node, headDim, rowLo, rowHi int) *Node {
	query := Slice(in.Query, AxisRange(), AxisRange(), AxisRange(rowLo, rowHi), AxisRange())
	scores := Einsum("bhqd,bhkd->bhqk", query, in.Key)
	scores = scaleScores(scores, headDim)

	one := ConstAs(keyMask, 1.0)
	scores = Add(scores, Mul(Sub(one, keyMask), ConstAs(keyMask, maskPenalty)))

	weights := Softmax(scores, -1)
	weights = maybeDropout(ctx, weights, in.DropoutRate)
	return Einsum("bhqk,bhkd->bhqd", weights, in.Value)
}

// bandSegment is one contiguous run of key blocks in a band row, or (for
// the mask) a run of wraparound artifact columns to be zeroed.
type bandSegment struct {
	lo, hi   int // key-block range [lo, hi)
	artifact int // when > 0, a zero segment of this many blocks instead
}

// bandRowSegments returns the key-block layout of the band row for middle
// query block q: always gf front-global blocks, the window (wrapping around
// the boundary where it overruns), and gb back-global blocks, totalling
// g + windowSize blocks.
func (a *BlockSparse) bandRowSegments(q, numBlocks int) []bandSegment {
	g := a.opts.NumGlobalBlocks
	gf, gb := g-g/2, g/2
	w := a.opts.WindowSize / 2
	ws := a.opts.WindowSize
	switch {
	case q < gf+w:
		// Window overruns the front; pad with blocks wrapped from the tail.
		return []bandSegment{
			{lo: 0, hi: q + w + 1},
			{lo: numBlocks - (g + ws - (q + w + 1)), hi: numBlocks},
		}
	case q >= numBlocks-gb-w:
		// Window overruns the back; pad with blocks wrapped from the front.
		return []bandSegment{
			{lo: 0, hi: g + ws - (numBlocks - (q - w))},
			{lo: q - w, hi: numBlocks},
		}
	default:
		return []bandSegment{
			{lo: 0, hi: gf},
			{lo: q - w, hi: q + w + 1},
			{lo: numBlocks - gb, hi: numBlocks},
		}
	}
}

// bandRowMaskSegments returns the same layout as bandRowSegments but with
// the wrapped-in artifact blocks marked for zeroing, so that a fixed-width
// row never attends to keys outside its true neighborhood.
func (a *BlockSparse) bandRowMaskSegments(q, numBlocks int) []bandSegment {
	g := a.opts.NumGlobalBlocks
	gf, gb := g-g/2, g/2
	w := a.opts.WindowSize / 2
	ws := a.opts.WindowSize
	switch {
	case q < gf+w:
		return []bandSegment{
			{lo: 0, hi: q + w + 1},
			{artifact: gf + ws - (q + w + 1)},
			{lo: numBlocks - gb, hi: numBlocks},
		}
	case q >= numBlocks-gb-w:
		return []bandSegment{
			{lo: 0, hi: gf},
			{artifact: g + ws - (numBlocks - (q - w)) - gf},
			{lo: q - w, hi: numBlocks},
		}
	default:
		return []bandSegment{
			{lo: 0, hi: gf},
			{lo: q - w, hi: q + w + 1},
			{lo: numBlocks - gb, hi: numBlocks},
		}
	}
}

// middleRows computes attention for the non-global query blocks against
// their assembled band (plus random blocks when configured) and returns
// [batch, heads, (numBlocks-g)*blockSize, headDim].
func (a *BlockSparse) middleRows(ctx *context.Context, in Inputs, queryMask, keyMask *Node,
	batch, heads, seqLen, headDim int) *Node {
	opts := a.opts
	bs := opts.BlockSize
	numBlocks := seqLen / bs
	g := opts.NumGlobalBlocks
	gf, gb := g-g/2, g/2
	middle := numBlocks - g
	bandWidth := (g + opts.WindowSize) * bs

	blockedQuery := Reshape(in.Query, batch, heads, numBlocks, bs, headDim)
	blockedKey := Reshape(in.Key, batch, heads, numBlocks, bs, headDim)
	blockedValue := Reshape(in.Value, batch, heads, numBlocks, bs, headDim)
	blockedQueryMask := Reshape(queryMask, batch, numBlocks, bs)
	blockedKeyMask := Reshape(keyMask, batch, numBlocks, bs)

	// [batch, middle, bs] mask of the middle query blocks.
	midQueryMask := Slice(blockedQueryMask, AxisRange(), AxisRange(gf, numBlocks-gb), AxisRange())

	bandKeys := a.bandMatrix(blockedKey)
	bandValues := a.bandMatrix(blockedValue)

	// Outer product query-mask × assembled key-mask gives the band mask:
	// [batch, 1, middle, bs, bandWidth].
	bandKeyMask := a.bandKeyMask(blockedKeyMask, batch, bandWidth)
	bandMask := Mul(
		BroadcastToDims(Reshape(midQueryMask, batch, middle, bs, 1), batch, middle, bs, bandWidth),
		BroadcastToDims(Reshape(bandKeyMask, batch, middle, 1, bandWidth), batch, middle, bs, bandWidth))
	bandMask = InsertAxes(bandMask, 1)

	secondKeys, secondValues, secondMask := bandKeys, bandValues, bandMask
	if opts.NumRandBlocks > 0 {
		randIdx := a.checkRandIndex(in.RandIndex, heads, middle)
		randKeys := Reshape(gatherBlocks(blockedKey, randIdx),
			batch, heads, middle, opts.NumRandBlocks*bs, headDim)
		randValues := Reshape(gatherBlocks(blockedValue, randIdx),
			batch, heads, middle, opts.NumRandBlocks*bs, headDim)

		randWidth := opts.NumRandBlocks * bs
		perHeadKeyMask := BroadcastToDims(InsertAxes(blockedKeyMask, 1), batch, heads, numBlocks, bs)
		randKeyMask := Reshape(gatherBlocks(perHeadKeyMask, randIdx),
			batch, heads, middle, 1, randWidth)
		randMask := Mul(
			BroadcastToDims(Reshape(midQueryMask, batch, 1, middle, bs, 1),
				batch, heads, middle, bs, randWidth),
			BroadcastToDims(randKeyMask, batch, heads, middle, bs, randWidth))

		secondKeys = Concatenate([]*Node{bandKeys, randKeys}, 3)
		secondValues = Concatenate([]*Node{bandValues, randValues}, 3)
		bandMask = BroadcastToDims(bandMask, batch, heads, middle, bs, bandWidth)
		secondMask = Concatenate([]*Node{bandMask, randMask}, 4)
	}

	secondQuery := Slice(blockedQuery, AxisRange(), AxisRange(), AxisRange(gf, numBlocks-gb),
		AxisRange(), AxisRange())

	scores := Einsum("bhlqd,bhlkd->bhlqk", secondQuery, secondKeys)
	scores = scaleScores(scores, headDim)
	one := ConstAs(secondMask, 1.0)
	scores = Add(scores, Mul(Sub(one, secondMask), ConstAs(secondMask, maskPenalty)))

	weights := Softmax(scores, -1)
	weights = maybeDropout(ctx, weights, in.DropoutRate)
	out := Einsum("bhlqk,bhlkd->bhlqd", weights, secondValues)
	return Reshape(out, batch, heads, middle*bs, headDim)
}

// bandMatrix assembles, for every middle query block, its band of key (or
// value) blocks: [batch, heads, middle, (g+windowSize)*bs, headDim].
func (a *BlockSparse) bandMatrix(blocked *Node) *Node {
	dims := blocked.Shape().Dimensions
	batch, heads, numBlocks, bs, headDim := dims[0], dims[1], dims[2], dims[3], dims[4]
	g := a.opts.NumGlobalBlocks
	gf, gb := g-g/2, g/2
	bandWidth := (g + a.opts.WindowSize) * bs

	rows := make([]*Node, 0, numBlocks-g)
	for q := gf; q < numBlocks-gb; q++ {
		segs := a.bandRowSegments(q, numBlocks)
		parts := make([]*Node, 0, len(segs))
		for _, seg := range segs {
			parts = append(parts, Slice(blocked, AxisRange(), AxisRange(),
				AxisRange(seg.lo, seg.hi), AxisRange(), AxisRange()))
		}
		row := Concatenate(parts, 2)
		rows = append(rows, Reshape(row, batch, heads, 1, bandWidth, headDim))
	}
	return Concatenate(rows, 2)
}

// bandKeyMask assembles the key-side mask of each band row, with artifact
// columns zeroed: [batch, middle, bandWidth].
func (a *BlockSparse) bandKeyMask(blockedKeyMask *Node, batch, bandWidth int) *Node {
	graph := blockedKeyMask.Graph()
	dtype := blockedKeyMask.DType()
	dims := blockedKeyMask.Shape().Dimensions
	numBlocks, bs := dims[1], dims[2]
	g := a.opts.NumGlobalBlocks
	gf, gb := g-g/2, g/2

	rows := make([]*Node, 0, numBlocks-g)
	for q := gf; q < numBlocks-gb; q++ {
		segs := a.bandRowMaskSegments(q, numBlocks)
		parts := make([]*Node, 0, len(segs))
		for _, seg := range segs {
			if seg.artifact > 0 {
				parts = append(parts, Zeros(graph, shapes.Make(dtype, batch, 1, seg.artifact*bs)))
				continue
			}
			if seg.lo == seg.hi {
				continue
			}
			part := Slice(blockedKeyMask, AxisRange(), AxisRange(seg.lo, seg.hi), AxisRange())
			parts = append(parts, Reshape(part, batch, 1, (seg.hi-seg.lo)*bs))
		}
		rows = append(rows, Concatenate(parts, 2))
	}
	return Reshape(Concatenate(rows, 1), batch, numBlocks-g, bandWidth)
}

// checkRandIndex validates the (head, key_block) gather index tensor.
func (a *BlockSparse) checkRandIndex(randIdx *Node, heads, middle int) *Node {
	if randIdx == nil {
		panic(fmt.Sprintf("block-sparse attention built with num_rand_blocks=%d requires RandIndex",
			a.opts.NumRandBlocks))
	}
	want := heads * middle * a.opts.NumRandBlocks
	dims := randIdx.Shape().Dimensions
	if randIdx.Shape().Rank() != 2 || dims[1] != 2 || dims[0] != want {
		panic(fmt.Sprintf("RandIndex must have shape [%d, 2] "+
			"(heads × non-global query blocks × num_rand_blocks pairs), got %s; "+
			"an under-filled random selection cannot drive the block-sparse gather",
			want, randIdx.Shape()))
	}
	return randIdx
}

// gatherBlocks gathers key blocks per (head, block) index pair, batch entry
// by batch entry: blocked [batch, heads, numBlocks, ...] with index [n, 2]
// yields [batch, n, ...].
func gatherBlocks(blocked *Node, randIdx *Node) *Node {
	dims := blocked.Shape().Dimensions
	batch := dims[0]
	parts := make([]*Node, 0, batch)
	specs := make([]SliceAxisSpec, len(dims))
	for i := 1; i < len(dims); i++ {
		specs[i] = AxisRange()
	}
	for b := 0; b < batch; b++ {
		specs[0] = AxisElem(b)
		entry := Reshape(Slice(blocked, specs...), dims[1:]...)
		parts = append(parts, InsertAxes(Gather(entry, randIdx), 0))
	}
	return Concatenate(parts, 0)
}
