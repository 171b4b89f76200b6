package sparsity

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// NegativeInfinity is the additive-mask value for forbidden positions.
// Large enough to zero the softmax weight in float32 without overflowing.
const NegativeInfinity = float32(-1e9)

// Mask is the result of one block-sparse mask build: a dense per-head
// attention mask over positions plus the compact list of randomly sampled
// key blocks. Consumers treat it as immutable.
type Mask struct {
	Geometry Geometry

	// mask holds {0,1} values in [NumHeads, QueryLength, KeyLength]
	// row-major order. 1 means "attend".
	mask []float32

	// randBlocks[h][q] lists the key blocks sampled for head h and query
	// block q, at most NumRandBlocks each (fewer near boundaries when the
	// legal set runs out).
	randBlocks [][][]int32
}

// Build constructs the attention mask and random block selection for the
// given geometry. The mask is the elementwise maximum of three sub-masks
// (global, window, random), so a position attending via any path is never
// re-masked. Identical (geometry, seed) always produce identical results;
// the generator is owned by this invocation and no global state is touched.
func Build(geo Geometry, seed int64) (*Mask, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	m := &Mask{
		Geometry: geo,
		mask:     buildGlobalMask(geo),
	}
	applyWindowMask(geo, m.mask)

	randMask := make([]float32, len(m.mask))
	m.randBlocks = sampleRandomBlocks(geo, rng, randMask)

	// Final mask = max(random, global ∪ window).
	for i, v := range randMask {
		if v > m.mask[i] {
			m.mask[i] = v
		}
	}
	return m, nil
}

// buildGlobalMask marks the first NumGlobalBlocks*BlockSize rows and columns
// fully attended. Applied at position level, clipped to sequence bounds.
func buildGlobalMask(geo Geometry) []float32 {
	h, tq, tk := geo.NumHeads, geo.QueryLength, geo.KeyLength
	mask := make([]float32, h*tq*tk)
	globalLen := geo.NumGlobalBlocks * geo.BlockSize
	for head := 0; head < h; head++ {
		base := head * tq * tk
		for q := 0; q < tq; q++ {
			row := base + q*tk
			if q < globalLen {
				for k := 0; k < tk; k++ {
					mask[row+k] = 1
				}
				continue
			}
			for k := 0; k < min(globalLen, tk); k++ {
				mask[row+k] = 1
			}
		}
	}
	return mask
}

// applyWindowMask marks, for each query block, the key blocks within the
// half-window radius (clipped to the valid key-block range).
func applyWindowMask(geo Geometry, mask []float32) {
	tq, tk := geo.QueryLength, geo.KeyLength
	for qb := 0; qb < geo.NumQueryBlocks(); qb++ {
		left, right := geo.windowRange(qb)
		colLo := left * geo.BlockSize
		colHi := min((right+1)*geo.BlockSize, tk)
		rowLo := qb * geo.BlockSize
		rowHi := min((qb+1)*geo.BlockSize, tq)
		for head := 0; head < geo.NumHeads; head++ {
			base := head * tq * tk
			for q := rowLo; q < rowHi; q++ {
				row := base + q*tk
				for k := colLo; k < colHi; k++ {
					mask[row+k] = 1
				}
			}
		}
	}
}

// sampleRandomBlocks draws NumRandBlocks distinct key blocks per (query
// block, head) from outside the window and global ranges. Near the sequence
// boundaries the illegal set is extended by wrapping to the opposite
// boundary's global-adjacent blocks so the sample-space size stays constant
// across query positions. Selection order is determined solely by the
// permutation draws from rng. When fewer legal blocks exist than requested,
// the selection is silently shorter; callers must tolerate that.
func sampleRandomBlocks(geo Geometry, rng *rand.Rand, randMask []float32) [][][]int32 {
	tq, tk := geo.QueryLength, geo.KeyLength
	lq, lk := geo.NumQueryBlocks(), geo.NumKeyBlocks()
	g, w, r := geo.NumGlobalBlocks, geo.NumWindowBlocks(), geo.NumRandBlocks

	blocks := make([][][]int32, geo.NumHeads)
	for head := range blocks {
		blocks[head] = make([][]int32, lq)
	}
	if r == 0 {
		return blocks
	}

	for qb := 0; qb < lq; qb++ {
		illegal := make(map[int]bool)
		left, right := geo.windowRange(qb)
		for i := left; i <= right; i++ {
			illegal[i] = true
		}
		for i := 0; i < g; i++ {
			illegal[i] = true
		}
		// Substitute ranges near the boundaries keep the illegal-block
		// count constant for every query position.
		rawLeft, rawRight := qb-w, qb+w
		if g > rawLeft {
			fill := g - rawLeft
			for i := max(0, lk-fill); i < lk; i++ {
				illegal[i] = true
			}
		}
		if rawRight >= lk {
			fill := rawRight - lk + 1
			for i := g; i < min(g+fill, lk); i++ {
				illegal[i] = true
			}
		}

		rowLo := qb * geo.BlockSize
		rowHi := min((qb+1)*geo.BlockSize, tq)
		for head := 0; head < geo.NumHeads; head++ {
			var selected []int32
			for _, kb := range rng.Perm(lk) {
				if !illegal[kb] {
					selected = append(selected, int32(kb))
				}
				if len(selected) == r {
					break
				}
			}
			blocks[head][qb] = selected

			base := head * tq * tk
			for _, kb := range selected {
				colLo := int(kb) * geo.BlockSize
				colHi := min((int(kb)+1)*geo.BlockSize, tk)
				for q := rowLo; q < rowHi; q++ {
					row := base + q*tk
					for k := colLo; k < colHi; k++ {
						randMask[row+k] = 1
					}
				}
			}
		}
	}
	return blocks
}

// At reports whether head h allows query position q to attend key position k.
func (m *Mask) At(h, q, k int) bool {
	return m.mask[(h*m.Geometry.QueryLength+q)*m.Geometry.KeyLength+k] != 0
}

// Data returns the {0,1} mask in [NumHeads, QueryLength, KeyLength]
// row-major order. The returned slice is shared; treat it as read-only.
func (m *Mask) Data() []float32 {
	return m.mask
}

// Float returns the additive variant of the mask: 0 where attention is
// allowed, NegativeInfinity where it is forbidden.
func (m *Mask) Float() []float32 {
	out := make([]float32, len(m.mask))
	for i, v := range m.mask {
		if v != 1 {
			out[i] = NegativeInfinity
		}
	}
	return out
}

// Tensor returns the {0,1} mask as a [NumHeads, QueryLength, KeyLength] tensor.
func (m *Mask) Tensor() *tensors.Tensor {
	geo := m.Geometry
	return tensors.FromFlatDataAndDimensions(m.mask, geo.NumHeads, geo.QueryLength, geo.KeyLength)
}

// FloatTensor returns the additive mask as a [NumHeads, QueryLength, KeyLength] tensor.
func (m *Mask) FloatTensor() *tensors.Tensor {
	geo := m.Geometry
	return tensors.FromFlatDataAndDimensions(m.Float(), geo.NumHeads, geo.QueryLength, geo.KeyLength)
}

// RandBlocks returns the key blocks sampled for head h and query block qb.
func (m *Mask) RandBlocks(h, qb int) []int32 {
	return m.randBlocks[h][qb]
}

// RandIndexPairs returns the random selection as a flat list of
// (head, key_block) pairs in row-major (head, query_block, slot) order,
// covering the query blocks after the first NumGlobalBlocks. This exact
// ordering is what the block-sparse forward gathers expect; key-block
// indices are raw block numbers into the blocked key/value matrices.
func (m *Mask) RandIndexPairs() [][2]int32 {
	geo := m.Geometry
	var pairs [][2]int32
	for head := 0; head < geo.NumHeads; head++ {
		for qb := geo.NumGlobalBlocks; qb < geo.NumQueryBlocks(); qb++ {
			for _, kb := range m.randBlocks[head][qb] {
				pairs = append(pairs, [2]int32{int32(head), kb})
			}
		}
	}
	return pairs
}

// RandIndexTensor returns RandIndexPairs as a [num_selections, 2] int32
// tensor suitable for gather operations. Returns nil when nothing was
// sampled.
func (m *Mask) RandIndexTensor() *tensors.Tensor {
	pairs := m.RandIndexPairs()
	if len(pairs) == 0 {
		return nil
	}
	flat := make([]int32, 0, len(pairs)*2)
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	return tensors.FromFlatDataAndDimensions(flat, len(pairs), 2)
}
