package attention

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Cache holds key/value state across incremental-decoding calls. It is a
// closed tagged union: *IncrementalCache, *StaticCache, or nil for no cache.
type Cache interface {
	isAttentionCache()
}

// IncrementalCache accumulates keys and values for autoregressive decoding:
// each forward concatenates the freshly projected K/V after the cached ones
// and returns the grown cache. A zero-value cache starts an empty prefix.
type IncrementalCache struct {
	K, V *Node // [batch, heads, cached_len, head_dim]
}

// StaticCache holds fixed keys/values for encoder-decoder cross-attention;
// the key/value arguments of Forward are ignored while it is set.
type StaticCache struct {
	K, V *Node // [batch, heads, source_len, head_dim]
}

func (*IncrementalCache) isAttentionCache() {}
func (*StaticCache) isAttentionCache()      {}

// MultiHead owns the query/key/value/output projections around an attention
// strategy. The three input projections are independent affine maps (no
// shared weights), stored as "weights"/"biases" variable pairs in the
// "query", "key", "value" and "output" scopes of the context passed to
// Forward — the same convention the weight-loading mapping targets.
type MultiHead struct {
	embedDim int
	numHeads int
	headDim  int
	dropout  float64
	strategy Strategy
}

// NewMultiHead validates the dimensions and returns the attention core.
// The strategy is injected here, fixed for the lifetime of the core.
func NewMultiHead(embedDim, numHeads int, dropout float64, strategy Strategy) (*MultiHead, error) {
	if embedDim <= 0 || numHeads <= 0 {
		return nil, errors.Errorf("embed_dim (%d) and num_heads (%d) must be positive", embedDim, numHeads)
	}
	if embedDim%numHeads != 0 {
		return nil, errors.Errorf("embed_dim (%d) must be divisible by num_heads (%d)", embedDim, numHeads)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, errors.Errorf("dropout must be in [0, 1), got %g", dropout)
	}
	if strategy == nil {
		return nil, errors.New("attention strategy must not be nil")
	}
	return &MultiHead{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		dropout:  dropout,
		strategy: strategy,
	}, nil
}

// ForwardOptions carries the optional inputs of one MultiHead call.
type ForwardOptions struct {
	// AttnMask, RandIndex, QueryMask, KeyMask are forwarded to the
	// strategy; see Inputs for shapes.
	AttnMask, RandIndex, QueryMask, KeyMask *Node

	// Cache enables incremental decoding or static cross-attention
	// keys/values. Nil recomputes K/V from the key/value arguments.
	Cache Cache
}

// Forward projects query/key/value ([batch, seq_len, embed_dim]), runs the
// configured strategy, recombines heads and applies the output projection.
// Returns [batch, seq_len, embed_dim] and the (possibly grown) cache.
// Nil key/value default to the query (self-attention).
func (m *MultiHead) Forward(ctx *context.Context, query, key, value *Node, opts ForwardOptions) (*Node, Cache) {
	if key == nil {
		key = query
	}
	if value == nil {
		value = query
	}
	q, k, v, cache := m.prepareQKV(ctx, query, key, value, opts.Cache)

	out := m.strategy.Forward(ctx, Inputs{
		Query:       q,
		Key:         k,
		Value:       v,
		AttnMask:    opts.AttnMask,
		RandIndex:   opts.RandIndex,
		QueryMask:   opts.QueryMask,
		KeyMask:     opts.KeyMask,
		DropoutRate: m.dropout,
	})

	// Combine heads: [batch, heads, seq, head_dim] -> [batch, seq, embed_dim].
	out = Transpose(out, 1, 2)
	dims := out.Shape().Dimensions
	out = Reshape(out, dims[0], dims[1], dims[2]*dims[3])

	out = denseWithBias(ctx.In("output"), out)
	return out, cache
}

// prepareQKV projects the inputs and resolves the cache variant.
func (m *MultiHead) prepareQKV(ctx *context.Context, query, key, value *Node, cache Cache) (q, k, v *Node, updated Cache) {
	q = m.project(ctx.In("query"), query)

	switch c := cache.(type) {
	case *StaticCache:
		// Cross-attention: keys/values were projected once up front.
		return q, c.K, c.V, c
	case *IncrementalCache:
		k = m.project(ctx.In("key"), key)
		v = m.project(ctx.In("value"), value)
		if c.K != nil {
			k = Concatenate([]*Node{c.K, k}, 2)
			v = Concatenate([]*Node{c.V, v}, 2)
		}
		return q, k, v, &IncrementalCache{K: k, V: v}
	case nil:
		k = m.project(ctx.In("key"), key)
		v = m.project(ctx.In("value"), value)
		return q, k, v, nil
	default:
		panic(fmt.Sprintf("unsupported attention cache type %T", cache))
	}
}

// project applies the scope's affine projection and splits heads:
// [batch, seq, embed_dim] -> [batch, heads, seq, head_dim].
func (m *MultiHead) project(ctx *context.Context, x *Node) *Node {
	x = denseWithBias(ctx, x)
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1], m.numHeads, m.headDim)
	return Transpose(x, 1, 2)
}

// GenStaticCache projects key/value once for reuse across decode steps
// (encoder-decoder attention).
func (m *MultiHead) GenStaticCache(ctx *context.Context, key, value *Node) *StaticCache {
	return &StaticCache{
		K: m.project(ctx.In("key"), key),
		V: m.project(ctx.In("value"), value),
	}
}

// GenCache starts an empty incremental-decoding cache.
func (m *MultiHead) GenCache() *IncrementalCache {
	return &IncrementalCache{}
}

// denseWithBias applies a dense layer using pre-loaded weights.
// Expects variables "weights" and "biases" in the context scope;
// weights follow the [out_features, in_features] checkpoint convention.
func denseWithBias(ctx *context.Context, x *Node) *Node {
	g := x.Graph()

	weightsVar := ctx.GetVariableByScopeAndName(ctx.Scope(), "weights")
	if weightsVar == nil {
		panic(fmt.Sprintf("denseWithBias: missing variable 'weights' in scope %q", ctx.Scope()))
	}
	weights := weightsVar.ValueGraph(g)

	biasesVar := ctx.GetVariableByScopeAndName(ctx.Scope(), "biases")
	if biasesVar == nil {
		panic(fmt.Sprintf("denseWithBias: missing variable 'biases' in scope %q", ctx.Scope()))
	}
	biases := biasesVar.ValueGraph(g)

	output := Einsum("bsi,oi->bso", x, weights)
	biases = Reshape(biases, 1, 1, biases.Shape().Dimensions[0])
	return Add(output, biases)
}
