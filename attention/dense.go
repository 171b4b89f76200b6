package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Dense is the full scaled dot-product attention baseline. It materializes
// the complete [query_len, key_len] score matrix, so its cost is quadratic
// in sequence length; use it for validation and for sequences short enough
// that block-sparse bookkeeping is not worth it.
type Dense struct{}

// NewDense returns the dense attention strategy.
func NewDense() *Dense { return &Dense{} }

// Forward computes softmax(Q·Kᵀ/sqrt(d) + mask)·V.
func (*Dense) Forward(ctx *context.Context, in Inputs) *Node {
	_, _, _, _, headDim := checkQKV(in)

	scores := Einsum("bhqd,bhkd->bhqk", in.Query, in.Key)
	scores = scaleScores(scores, headDim)
	if in.AttnMask != nil {
		scores = Add(scores, in.AttnMask)
	}
	if in.KeyMask != nil {
		one := ConstAs(in.KeyMask, 1.0)
		scores = Add(scores, Mul(Sub(one, in.KeyMask), ConstAs(in.KeyMask, maskPenalty)))
	}

	weights := Softmax(scores, -1)
	weights = maybeDropout(ctx, weights, in.DropoutRate)
	out := Einsum("bhqk,bhkd->bhqd", weights, in.Value)
	if in.QueryMask != nil {
		out = Mul(out, in.QueryMask)
	}
	return out
}
