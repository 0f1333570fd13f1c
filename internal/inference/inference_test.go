package inference

import (
	"context"
	"fmt"
	"github.com/chewxy/math32"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"iter"
	"testing"
)

func TestArgMaxClasses(t *testing.T) {
	// N=1, K=3, H=1, W=4.
	scores := tensors.FromFlatDataAndDimensions([]float32{
		0, 5, 1, math32.NaN(), // class 0
		1, 5, 1, -3, // class 1
		2, -1, 1, -4, // class 2
	}, 1, 3, 1, 4)
	predictions, err := ArgMaxClasses(scores)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4}, predictions.Shape().Dimensions)
	// Ties go to the lowest index, NaN is never picked.
	assert.Equal(t, []int32{2, 0, 0, 1}, tensors.CopyFlatData[int32](predictions))

	_, err = ArgMaxClasses(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	require.Error(t, err)
	_, err = ArgMaxClasses(tensors.FromFlatDataAndDimensions([]int32{1, 2}, 1, 2, 1, 1))
	require.Error(t, err)
}

// fakeSegmenter scores class (x % classes) highest for every pixel in column x.
type fakeSegmenter struct {
	classes int
	fail    bool
}

func (f *fakeSegmenter) Scores(images *tensors.Tensor) (*tensors.Tensor, error) {
	if f.fail {
		return nil, errors.New("device lost")
	}
	dims := images.Shape().Dimensions
	n, h, w := dims[0], dims[2], dims[3]
	scores := tensors.FromShape(shapes.Make(dtypes.Float32, n, f.classes, h, w))
	tensors.MutableFlatData(scores, func(flat []float32) {
		for example := range n {
			for class := range f.classes {
				for y := range h {
					for x := range w {
						if x%f.classes == class {
							flat[((example*f.classes+class)*h+y)*w+x] = 1
						}
					}
				}
			}
		}
	})
	return scores, nil
}

type fakeProvider struct {
	numBatches int
	err        error
}

func (p *fakeProvider) Batches(ctx context.Context) iter.Seq2[*samples.Batch, error] {
	return func(yield func(*samples.Batch, error) bool) {
		for ii := range p.numBatches {
			batch := &samples.Batch{
				Names:  []string{fmt.Sprintf("batch_%d", ii)},
				Images: tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 2, 3)),
				Masks:  tensors.FromShape(shapes.Make(dtypes.Int32, 1, 2, 3)),
			}
			if !yield(batch, nil) {
				return
			}
		}
		if p.err != nil {
			yield(nil, p.err)
		}
	}
}

func TestRunner(t *testing.T) {
	runner := &Runner{Segmenter: &fakeSegmenter{classes: 2}}
	var handled []string
	err := runner.Run(context.Background(), &fakeProvider{numBatches: 3}, func(batch *samples.Batch) error {
		handled = append(handled, batch.Names...)
		require.NotNil(t, batch.Predictions)
		assert.Equal(t, []int{1, 2, 3}, batch.Predictions.Shape().Dimensions)
		assert.Equal(t, []int32{0, 1, 0, 0, 1, 0}, tensors.CopyFlatData[int32](batch.Predictions))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_0", "batch_1", "batch_2"}, handled)
}

func TestRunnerErrors(t *testing.T) {
	ctx := context.Background()
	noop := func(*samples.Batch) error { return nil }

	// Provider error.
	providerErr := errors.New("corrupt raster")
	err := (&Runner{Segmenter: &fakeSegmenter{classes: 2}}).Run(ctx, &fakeProvider{numBatches: 1, err: providerErr}, noop)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providerErr))

	// Model error.
	err = (&Runner{Segmenter: &fakeSegmenter{fail: true}}).Run(ctx, &fakeProvider{numBatches: 1}, noop)
	require.Error(t, err)

	// Handler error stops the iteration.
	var calls int
	handlerErr := errors.New("viewer closed")
	err = (&Runner{Segmenter: &fakeSegmenter{classes: 2}}).Run(ctx, &fakeProvider{numBatches: 3}, func(*samples.Batch) error {
		calls++
		return handlerErr
	})
	assert.True(t, errors.Is(err, handlerErr))
	assert.Equal(t, 1, calls)
}
