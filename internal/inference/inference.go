// Package inference runs a segmentation model over the batches of a data provider and
// attaches the predicted class of each pixel to the batches.
package inference

import (
	"context"
	"github.com/chewxy/math32"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/cropseg/cropseg/internal/ui/spinning"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"iter"
	"k8s.io/klog/v2"
	"time"
)

// Segmenter computes per-class scores for each pixel.
type Segmenter interface {
	// Scores takes images shaped [N, C, H, W] and returns scores shaped [N, Classes, H, W].
	Scores(images *tensors.Tensor) (*tensors.Tensor, error)
}

// DataProvider yields batches of images and ground-truth masks.
type DataProvider interface {
	Batches(ctx context.Context) iter.Seq2[*samples.Batch, error]
}

// Runner of inference. The images are transferred to the Segmenter's backend when it runs,
// and the host copy is kept for visualization.
type Runner struct {
	Segmenter Segmenter

	// Spin shows a spinning symbol while the model is running.
	Spin bool
}

// Run the Segmenter on every batch of provider, sets its Predictions and calls handle with it.
// It stops at the first error, either from the provider, the model or handle.
func (r *Runner) Run(ctx context.Context, provider DataProvider, handle func(*samples.Batch) error) error {
	var batchIdx int
	for batch, err := range provider.Batches(ctx) {
		if err != nil {
			return errors.WithMessagef(err, "reading batch #%d", batchIdx)
		}
		if err := r.Predict(ctx, batch); err != nil {
			return errors.WithMessagef(err, "batch #%d", batchIdx)
		}
		if err := handle(batch); err != nil {
			return err
		}
		batchIdx++
	}
	klog.V(1).Infof("inference finished: %d batches", batchIdx)
	return nil
}

// Predict runs the Segmenter on the batch images and sets batch.Predictions.
func (r *Runner) Predict(ctx context.Context, batch *samples.Batch) error {
	var spinner *spinning.Spinning
	if r.Spin {
		spinner = spinning.New(ctx)
	}
	start := time.Now()
	scores, err := r.Segmenter.Scores(batch.Images)
	if spinner != nil {
		spinner.Done()
	}
	if err != nil {
		return err
	}
	predictions, err := ArgMaxClasses(scores)
	if err != nil {
		return err
	}
	batch.Predictions = predictions
	klog.V(1).Infof("prediction of %d chips finished in %s", batch.Size(), time.Since(start))
	return nil
}

// ArgMaxClasses takes scores shaped [N, K, H, W] and returns the index of the highest
// scoring class of each pixel, shaped [N, H, W] (int32).
// Ties resolve to the lowest class index, and NaN scores are never selected.
func ArgMaxClasses(scores *tensors.Tensor) (*tensors.Tensor, error) {
	dims := scores.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("scores must be shaped [N, K, H, W], got %s", scores.Shape())
	}
	if scores.DType() != dtypes.Float32 {
		return nil, errors.Errorf("scores must be float32, got %s", scores.DType())
	}
	n, k, h, w := dims[0], dims[1], dims[2], dims[3]
	if k == 0 {
		return nil, errors.Errorf("scores have no classes: %s", scores.Shape())
	}
	pixels := h * w
	predictions := tensors.FromShape(shapes.Make(dtypes.Int32, n, h, w))
	tensors.ConstFlatData(scores, func(flatScores []float32) {
		tensors.MutableFlatData(predictions, func(flatPredictions []int32) {
			for example := range n {
				exampleScores := flatScores[example*k*pixels : (example+1)*k*pixels]
				examplePredictions := flatPredictions[example*pixels : (example+1)*pixels]
				for pixel := range pixels {
					best, bestScore := int32(0), -math32.Inf(1)
					for class := range k {
						score := exampleScores[class*pixels+pixel]
						if score > bestScore {
							best, bestScore = int32(class), score
						}
					}
					examplePredictions[pixel] = best
				}
			}
		})
	})
	return predictions, nil
}
