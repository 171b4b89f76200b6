// Package attention implements the attention score computations of the
// BigBird core as GoMLX graph builders.
//
// Two strategies are provided: Dense, the standard scaled dot-product
// attention over the full score matrix, and BlockSparse, the BigBird
// global/window/random decomposition that never materializes the quadratic
// score matrix. Both consume query/key/value tensors already split per head
// ([batch, heads, seq_len, head_dim]); MultiHead owns the projections around
// them.
package attention

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// maskPenalty is the additive penalty for forbidden score positions, applied
// as (1 - mask) * maskPenalty before the softmax.
const maskPenalty = -1e6

// Inputs carries the tensors of one attention call.
type Inputs struct {
	// Query, Key, Value: [batch, heads, seq_len, head_dim].
	Query, Key, Value *Node

	// AttnMask is an optional additive mask, broadcastable to
	// [batch, heads, query_len, key_len] (e.g. [1, heads, query_len,
	// key_len] from sparsity.Mask.Float). Dense adds it to the scores;
	// BlockSparse ignores it, its sparsity pattern being structural.
	AttnMask *Node

	// RandIndex is the [num_selections, 2] int32 tensor of (head, key_block)
	// pairs produced by sparsity.Mask.RandIndexTensor. Only BlockSparse
	// uses it, and only when built with NumRandBlocks > 0.
	RandIndex *Node

	// QueryMask and KeyMask flag valid (non-padding) positions as {0,1}
	// float tensors of the Q/K/V dtype, shaped [batch, 1, query_len, 1]
	// and [batch, 1, 1, key_len]. Nil means all positions are valid.
	QueryMask, KeyMask *Node

	// DropoutRate applies to attention weights during training.
	DropoutRate float64
}

// Strategy computes attention outputs for projected Q/K/V tensors.
// Implementations are selected at model-construction time; there is no
// runtime registry. The returned tensor has the same shape as the query.
type Strategy interface {
	Forward(ctx *context.Context, in Inputs) *Node
}

// checkQKV validates the query/key/value shapes and returns
// (batch, heads, querySeq, keySeq, headDim). Graph-building code fails by
// panic, matching the substrate's error model.
func checkQKV(in Inputs) (batch, heads, querySeq, keySeq, headDim int) {
	for name, node := range map[string]*Node{"query": in.Query, "key": in.Key, "value": in.Value} {
		if node == nil {
			panic(fmt.Sprintf("attention: %s tensor is nil", name))
		}
		if node.Shape().Rank() != 4 {
			panic(fmt.Sprintf("attention: %s must be rank 4 [batch, heads, seq_len, head_dim], got %s",
				name, node.Shape()))
		}
	}
	q := in.Query.Shape().Dimensions
	k := in.Key.Shape().Dimensions
	v := in.Value.Shape().Dimensions
	if k[0] != q[0] || k[1] != q[1] || k[3] != q[3] {
		panic(fmt.Sprintf("attention: key shape %s incompatible with query shape %s, "+
			"want [%d, %d, key_len, %d]", in.Key.Shape(), in.Query.Shape(), q[0], q[1], q[3]))
	}
	if v[0] != k[0] || v[1] != k[1] || v[2] != k[2] || v[3] != k[3] {
		panic(fmt.Sprintf("attention: value shape %s must match key shape %s",
			in.Value.Shape(), in.Key.Shape()))
	}
	return q[0], q[1], q[2], k[2], q[3]
}

// scaleScores multiplies raw dot products by 1/sqrt(head_dim).
func scaleScores(scores *Node, headDim int) *Node {
	return Mul(scores, Sqrt(ConstAs(scores, 1.0/float64(headDim))))
}

// maybeDropout applies dropout to attention weights when a rate is set.
// It is a no-op outside training mode.
func maybeDropout(ctx *context.Context, weights *Node, rate float64) *Node {
	if ctx == nil || rate <= 0 {
		return weights
	}
	return layers.Dropout(ctx, weights, ConstAs(weights, rate))
}
