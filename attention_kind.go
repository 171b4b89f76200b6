package bigbird

import "github.com/pkg/errors"

// AttentionKind selects the attention score computation. It is a closed
// enumeration fixed at model-construction time; there is no runtime plugin
// registry.
type AttentionKind int

const (
	// AttentionDense is the full scaled dot-product baseline, used for
	// validation and for sequences short enough that block-sparse overhead
	// is not justified.
	AttentionDense AttentionKind = iota

	// AttentionBlockSparse is the BigBird global/window/random decomposition.
	AttentionBlockSparse
)

// ParseAttentionKind maps the config.json attention_type value to a kind.
func ParseAttentionKind(name string) (AttentionKind, error) {
	switch name {
	case AttentionTypeOriginalFull:
		return AttentionDense, nil
	case AttentionTypeBlockSparse:
		return AttentionBlockSparse, nil
	default:
		return 0, errors.Errorf("unsupported attention_type %q; supported types: %q, %q",
			name, AttentionTypeOriginalFull, AttentionTypeBlockSparse)
	}
}

// String returns the config.json name of the kind.
func (k AttentionKind) String() string {
	switch k {
	case AttentionDense:
		return AttentionTypeOriginalFull
	case AttentionBlockSparse:
		return AttentionTypeBlockSparse
	default:
		return "unknown"
	}
}
