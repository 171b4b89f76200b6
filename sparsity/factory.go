package sparsity

import "github.com/pkg/errors"

// BuildLayerMasks builds one mask/random-index pair per transformer layer.
// Layer i draws from seed+i so the random sampling decorrelates across
// depth while staying fully reproducible: identical (numLayers, geometry,
// seed) always yield the identical list.
func BuildLayerMasks(numLayers int, geo Geometry, seed int64) ([]*Mask, error) {
	if numLayers <= 0 {
		return nil, errors.Errorf("num_layers must be positive, got %d", numLayers)
	}
	masks := make([]*Mask, numLayers)
	for layer := range masks {
		m, err := Build(geo, seed+int64(layer))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build mask for layer %d", layer)
		}
		masks[layer] = m
	}
	return masks, nil
}
