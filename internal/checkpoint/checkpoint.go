// Package checkpoint loads the weights of a trained model from a PyTorch (or PyTorch
// Lightning) checkpoint, and matches them against the parameters a model expects.
//
// Lightning checkpoints hold the parameters under the "state_dict" entry, with every key
// prefixed by the name of the attribute holding the network in the training task
// (typically "model."). StripPrefix removes it before matching.
package checkpoint

import (
	"fmt"
	"github.com/cropseg/cropseg/internal/generics"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"strings"
)

// DefaultEntry is the checkpoint entry holding the parameters in Lightning checkpoints.
const DefaultEntry = "state_dict"

var (
	// ErrKeyMismatch is returned by Match when the parameter names don't line up.
	ErrKeyMismatch = errors.New("checkpoint parameter names don't match the model")

	// ErrShapeMismatch is returned by Match when a parameter has the wrong shape.
	ErrShapeMismatch = errors.New("checkpoint parameter shape doesn't match the model")
)

// WeightMapping maps parameter names (e.g.: "encoder.stages.0.conv1.weight") to their values.
type WeightMapping map[string]*tensors.Tensor

// Keys returns the sorted parameter names.
func (m WeightMapping) Keys() []string {
	return slices.Collect(generics.SortedKeys(m))
}

// StripPrefix returns a new mapping where prefix is removed from every key that starts with it.
// Other keys and all values are kept as they are.
//
// If stripping makes two keys collide, the value of the originally prefixed key is kept.
func StripPrefix(m WeightMapping, prefix string) WeightMapping {
	stripped := make(WeightMapping, len(m))
	if prefix == "" {
		for key, value := range m {
			stripped[key] = value
		}
		return stripped
	}
	for key, value := range m {
		if !strings.HasPrefix(key, prefix) {
			if _, found := stripped[key]; !found {
				stripped[key] = value
			}
			continue
		}
		newKey := strings.TrimPrefix(key, prefix)
		if _, found := m[newKey]; found {
			klog.Warningf("checkpoint: stripping %q from %q collides with existing key %q, using the prefixed value",
				prefix, key, newKey)
		}
		stripped[newKey] = value
	}
	return stripped
}

// Match verifies the mapping m against the expected parameter shapes of a model.
//
// If strict, the set of names must be exactly the expected one: any missing or unexpected
// name fails with ErrKeyMismatch. Otherwise unexpected names are ignored and missing ones allowed.
// In both modes, a parameter present in both with different dimensions fails with ErrShapeMismatch.
func Match(m WeightMapping, expected map[string]shapes.Shape, strict bool) error {
	have := generics.KeySet(m)
	want := generics.KeySet(expected)
	if strict && !have.Equal(want) {
		missing := generics.Sorted(want.Sub(have))
		unexpected := generics.Sorted(have.Sub(want))
		return errors.Wrapf(ErrKeyMismatch, "%s", describeKeys(missing, unexpected))
	}
	for name, wantShape := range generics.SortedKeysAndValues(expected) {
		value, found := m[name]
		if !found {
			continue
		}
		if !slices.Equal(value.Shape().Dimensions, wantShape.Dimensions) {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q: checkpoint has dimensions %v, model expects %v",
				name, value.Shape().Dimensions, wantShape.Dimensions)
		}
	}
	return nil
}

func describeKeys(missing, unexpected []string) string {
	const maxListed = 10
	list := func(keys []string) string {
		if len(keys) > maxListed {
			return fmt.Sprintf("%s, ... (%d more)", strings.Join(keys[:maxListed], ", "), len(keys)-maxListed)
		}
		return strings.Join(keys, ", ")
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing key(s) in checkpoint: [%s]", list(missing)))
	}
	if len(unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected key(s) in checkpoint: [%s]", list(unexpected)))
	}
	return strings.Join(parts, "; ")
}
