package checkpoint

import (
	"fmt"
	"github.com/cropseg/cropseg/internal/generics"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"strings"
)

// getter is implemented by the gopickle dictionary types.
type getter interface {
	Get(key interface{}) (interface{}, bool)
}

// keyed is implemented by gopickle dictionaries that can enumerate their keys.
type keyed interface {
	getter
	Keys() []interface{}
}

// Load reads the checkpoint at path (as saved by torch.save) and returns the parameters
// found under entry (DefaultEntry if empty), converted to float32 tensors.
//
// If the checkpoint has no such entry but is itself a mapping of tensors (a plain
// `torch.save(model.state_dict())`), that mapping is used. Otherwise the error lists the
// available entries.
func Load(path, entry string) (WeightMapping, error) {
	if entry == "" {
		entry = DefaultEntry
	}
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpickle checkpoint %q", path)
	}
	params := obj
	if dict, ok := obj.(getter); ok {
		if value, found := dict.Get(entry); found {
			params = value
		} else if keys := pickleKeys(obj); !allTensors(dict, keys) {
			return nil, errors.Errorf("checkpoint %q: entry %q not found (available: %s)",
				path, entry, strings.Join(generics.SliceMap(keys, func(k any) string { return fmt.Sprint(k) }), ", "))
		} else {
			klog.V(1).Infof("checkpoint %q has no %q entry, assuming it is the parameters mapping itself", path, entry)
		}
	}
	m, err := fromPickle(params)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	klog.V(1).Infof("loaded %d parameters from checkpoint %q", len(m), path)
	return m, nil
}

// pickleKeys returns the keys of an unpickled dictionary, in order.
func pickleKeys(obj interface{}) []interface{} {
	switch dict := obj.(type) {
	case *types.OrderedDict:
		keys := make([]interface{}, 0, dict.Len())
		for e := dict.List.Front(); e != nil; e = e.Next() {
			keys = append(keys, e.Value.(*types.OrderedDictEntry).Key)
		}
		return keys
	case keyed:
		return dict.Keys()
	}
	return nil
}

// allTensors returns whether all the values of dict for keys are tensors.
func allTensors(dict getter, keys []interface{}) bool {
	for _, key := range keys {
		if value, _ := dict.Get(key); !isTensor(value) {
			return false
		}
	}
	return true
}

func isTensor(value interface{}) bool {
	_, ok := value.(*pytorch.Tensor)
	return ok
}

// fromPickle converts an unpickled mapping of name to pytorch.Tensor.
func fromPickle(obj interface{}) (WeightMapping, error) {
	m := make(WeightMapping)
	add := func(key, value interface{}) error {
		name, ok := key.(string)
		if !ok {
			return errors.Errorf("parameter name %v is a %T, not a string", key, key)
		}
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			return errors.Errorf("parameter %q is a %T, not a tensor", name, value)
		}
		t, err := convertTensor(pt)
		if err != nil {
			return errors.WithMessagef(err, "parameter %q", name)
		}
		m[name] = t
		return nil
	}

	dict, ok := obj.(getter)
	if !ok {
		return nil, errors.Errorf("parameters are stored in a %T, expected a dictionary of tensors", obj)
	}
	for _, key := range pickleKeys(obj) {
		value, _ := dict.Get(key)
		if err := add(key, value); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// convertTensor copies the values of a pytorch.Tensor, following its offset and strides, into a
// new float32 tensor with the same dimensions.
func convertTensor(pt *pytorch.Tensor) (*tensors.Tensor, error) {
	var values []float32
	switch storage := pt.Source.(type) {
	case *pytorch.FloatStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.HalfStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.DoubleStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.LongStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.IntStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.BFloat16Storage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.ShortStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.CharStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.ByteStorage:
		values = gather(storage.Data, pt.StorageOffset, pt.Size, pt.Stride)
	case *pytorch.BoolStorage:
		values = gather(generics.SliceMap(storage.Data, boolToUint8), pt.StorageOffset, pt.Size, pt.Stride)
	default:
		return nil, errors.Errorf("unsupported tensor storage %T", pt.Source)
	}
	if values == nil {
		return nil, errors.Errorf("tensor with size %v and strides %v is out of its storage bounds", pt.Size, pt.Stride)
	}
	return tensors.FromFlatDataAndDimensions(values, pt.Size...), nil
}

type number interface {
	~float32 | ~float64 | ~int64 | ~int32 | ~int16 | ~int8 | ~uint8
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// gather reads the elements of a strided view over data in row-major order.
// It returns nil if the view reaches outside data.
func gather[T number](data []T, offset int, size, stride []int) []float32 {
	numElements := 1
	for _, dim := range size {
		numElements *= dim
	}
	if len(stride) != len(size) {
		stride = contiguousStrides(size)
	}
	values := make([]float32, numElements)
	index := make([]int, len(size))
	for ii := range numElements {
		pos := offset
		for axis, idx := range index {
			pos += idx * stride[axis]
		}
		if pos < 0 || pos >= len(data) {
			return nil
		}
		values[ii] = float32(data[pos])

		// Increment the multi-dimensional index, last axis first.
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < size[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return values
}

func contiguousStrides(size []int) []int {
	strides := make([]int, len(size))
	step := 1
	for axis := len(size) - 1; axis >= 0; axis-- {
		strides[axis] = step
		step *= size[axis]
	}
	return strides
}

// String returns a short description of the mapping, for logging.
func (m WeightMapping) String() string {
	var numValues int
	for _, t := range m {
		numValues += t.Shape().Size()
	}
	return fmt.Sprintf("WeightMapping{%d parameters, %d values}", len(m), numValues)
}
