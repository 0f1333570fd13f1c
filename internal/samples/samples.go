// Package samples defines the batches of image/mask chips that flow through inference and
// visualization, and how to split them into individual samples.
package samples

import (
	"fmt"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"slices"
)

// Batch of co-registered image and ground-truth chips.
type Batch struct {
	// Names identifies the source of each chip, for logging and output file names.
	Names []string

	// Images shaped [N, C, H, W], float32.
	Images *tensors.Tensor

	// Masks shaped [N, H, W], int32 class codes.
	Masks *tensors.Tensor

	// Predictions shaped [N, H, W], int32 class indices. Nil until inference runs.
	Predictions *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape().Dim(0)
}

// String implements fmt.Stringer.
func (b *Batch) String() string {
	if b == nil || b.Images == nil {
		return "Batch{}"
	}
	return fmt.Sprintf("Batch{images=%s, masks=%s, predicted=%v}", b.Images.Shape(), b.Masks.Shape(), b.Predictions != nil)
}

// Sample is one example of a batch, with its own copy of the data.
type Sample struct {
	Name                    string
	Channels, Height, Width int
	Image                   []float32 // [C, H, W]
	Mask                    []int32   // [H, W]
	Prediction              []int32   // [H, W], nil if the batch had no predictions.
}

// Contains returns whether the ground-truth mask has label anywhere.
func (s *Sample) Contains(label int32) bool {
	return slices.Contains(s.Mask, label)
}

// Unbind splits the batch into its samples.
func (b *Batch) Unbind() ([]Sample, error) {
	imgDims := b.Images.Shape().Dimensions
	if len(imgDims) != 4 {
		return nil, errors.Errorf("batch images must be shaped [N, C, H, W], got %s", b.Images.Shape())
	}
	n, c, h, w := imgDims[0], imgDims[1], imgDims[2], imgDims[3]
	if err := checkMaskDims("masks", b.Masks, n, h, w); err != nil {
		return nil, err
	}
	if b.Predictions != nil {
		if err := checkMaskDims("predictions", b.Predictions, n, h, w); err != nil {
			return nil, err
		}
	}
	if len(b.Names) != 0 && len(b.Names) != n {
		return nil, errors.Errorf("batch has %d names for %d examples", len(b.Names), n)
	}

	images := tensors.CopyFlatData[float32](b.Images)
	masks := tensors.CopyFlatData[int32](b.Masks)
	var predictions []int32
	if b.Predictions != nil {
		predictions = tensors.CopyFlatData[int32](b.Predictions)
	}
	imageSize, maskSize := c*h*w, h*w
	result := make([]Sample, n)
	for ii := range result {
		s := &result[ii]
		s.Channels, s.Height, s.Width = c, h, w
		if len(b.Names) > 0 {
			s.Name = b.Names[ii]
		} else {
			s.Name = fmt.Sprintf("sample_%d", ii)
		}
		// Clip capacity so appending to one sample never overwrites the next.
		s.Image = images[ii*imageSize : (ii+1)*imageSize : (ii+1)*imageSize]
		s.Mask = masks[ii*maskSize : (ii+1)*maskSize : (ii+1)*maskSize]
		if predictions != nil {
			s.Prediction = predictions[ii*maskSize : (ii+1)*maskSize : (ii+1)*maskSize]
		}
	}
	return result, nil
}

func checkMaskDims(what string, t *tensors.Tensor, n, h, w int) error {
	if t == nil {
		return errors.Errorf("batch has no %s", what)
	}
	if !slices.Equal(t.Shape().Dimensions, []int{n, h, w}) {
		return errors.Errorf("batch %s must be shaped [%d, %d, %d], got %s", what, n, h, w, t.Shape())
	}
	return nil
}
