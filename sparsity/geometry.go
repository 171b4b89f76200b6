// Package sparsity builds BigBird block-sparse attention masks.
//
// Positions are partitioned into fixed-size blocks, the atomic unit of
// sparsity decisions. Each query block may attend to three kinds of key
// blocks: global blocks (attend to and are attended by everything), window
// blocks (within a fixed radius along the sequence) and random blocks
// (sampled from a seeded generator, outside the window/global ranges).
//
// The package is pure host-side computation: it produces dense {0,1} masks
// and compact random-block index lists as plain slices and GoMLX tensors.
// It never touches global random state; every build owns its generator.
package sparsity

import "github.com/pkg/errors"

// Geometry describes the block structure of one attention call.
type Geometry struct {
	QueryLength int
	KeyLength   int
	NumHeads    int
	BlockSize   int

	// WindowSize is interpreted as a per-side radius of WindowSize/2 blocks.
	WindowSize int

	NumGlobalBlocks int
	NumRandBlocks   int
}

// NumQueryBlocks returns ceil(QueryLength / BlockSize).
func (g Geometry) NumQueryBlocks() int {
	return (g.QueryLength + g.BlockSize - 1) / g.BlockSize
}

// NumKeyBlocks returns ceil(KeyLength / BlockSize).
func (g Geometry) NumKeyBlocks() int {
	return (g.KeyLength + g.BlockSize - 1) / g.BlockSize
}

// NumWindowBlocks returns the half-window radius in blocks, per side.
func (g Geometry) NumWindowBlocks() int {
	return g.WindowSize / 2
}

// GlobalBlocksFront returns the number of global blocks at the start of the
// sequence: ceil(NumGlobalBlocks/2). The front gets the extra block when the
// count is odd.
func (g Geometry) GlobalBlocksFront() int {
	return g.NumGlobalBlocks - g.NumGlobalBlocks/2
}

// GlobalBlocksBack returns the number of global blocks at the end of the
// sequence: floor(NumGlobalBlocks/2).
func (g Geometry) GlobalBlocksBack() int {
	return g.NumGlobalBlocks / 2
}

// Validate fails fast on malformed geometry. Window sizes larger than the
// sequence are legal here (the window is clipped to the valid block range);
// the block-sparse kernel applies its own stricter band-layout checks.
func (g Geometry) Validate() error {
	if g.QueryLength <= 0 || g.KeyLength <= 0 {
		return errors.Errorf("query_length (%d) and key_length (%d) must be positive",
			g.QueryLength, g.KeyLength)
	}
	if g.NumHeads <= 0 {
		return errors.Errorf("num_heads must be positive, got %d", g.NumHeads)
	}
	if g.BlockSize <= 0 {
		return errors.Errorf("block_size must be positive, got %d", g.BlockSize)
	}
	if g.WindowSize <= 0 {
		return errors.Errorf("window_size must be positive, got %d", g.WindowSize)
	}
	if g.NumGlobalBlocks < 0 {
		return errors.Errorf("num_global_blocks must be non-negative, got %d", g.NumGlobalBlocks)
	}
	if g.NumRandBlocks < 0 {
		return errors.Errorf("num_rand_blocks must be non-negative, got %d", g.NumRandBlocks)
	}
	return nil
}

// windowRange returns the clipped [left, right] key-block range the given
// query block attends to through the sliding window.
func (g Geometry) windowRange(queryBlock int) (left, right int) {
	w := g.NumWindowBlocks()
	left = max(0, queryBlock-w)
	right = min(queryBlock+w, g.NumKeyBlocks()-1)
	return
}
