package chips

import (
	"context"
	"github.com/cropseg/cropseg/internal/raster/rastertest"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

// writePairs writes two 4x4 RGB images ("a.tif" and "b.tif") and their masks.
// Band b of pixel (x, y) of image i is 100*i + 20*b + x + 4*y, and the mask of image i
// has label 10*i + x + 4*y.
func writePairs(t *testing.T) (imagesDir, masksDir string) {
	root := t.TempDir()
	imagesDir, masksDir = filepath.Join(root, "images"), filepath.Join(root, "masks")
	for ii, name := range []string{"a.tif", "b.tif"} {
		rastertest.WriteRGB(t, filepath.Join(imagesDir, name), 4, 4, func(band, x, y int) uint8 {
			return uint8(100*ii + 20*band + x + 4*y)
		})
		rows := make([][]uint8, 4)
		for y := range rows {
			rows[y] = make([]uint8, 4)
			for x := range rows[y] {
				rows[y][x] = uint8(10*ii + x + 4*y)
			}
		}
		rastertest.WriteLabels(t, filepath.Join(masksDir, name), rows)
	}
	return
}

func TestDatasetBatch(t *testing.T) {
	imagesDir, masksDir := writePairs(t)
	ds, err := New(Config{ImagesDir: imagesDir, MasksDir: masksDir, PatchSize: 2, BatchSize: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, ds.Len())
	assert.Equal(t, 4, ds.Channels()) // RGBA.

	batch, err := ds.Batch([]int{5, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 2, 2}, batch.Images.Shape().Dimensions)
	assert.Equal(t, []int{2, 2, 2}, batch.Masks.Shape().Dimensions)
	assert.Equal(t, []string{"b.tif@2,0", "a.tif@2,0"}, batch.Names)

	images := tensors.CopyFlatData[float32](batch.Images)
	masks := tensors.CopyFlatData[int32](batch.Masks)
	// First chip: image "b.tif", band 0, tile at x=2, y=0.
	assert.Equal(t, []float32{102, 103, 106, 107}, images[:4])
	// First chip, band 1.
	assert.Equal(t, []float32{122, 123, 126, 127}, images[4:8])
	// Alpha band.
	assert.Equal(t, []float32{255, 255, 255, 255}, images[12:16])
	assert.Equal(t, []int32{12, 13, 16, 17}, masks[:4])
	// Second chip: image "a.tif", band 0.
	assert.Equal(t, []float32{2, 3, 6, 7}, images[16:20])
	assert.Equal(t, []int32{2, 3, 6, 7}, masks[4:])

	_, err = ds.Batch([]int{8})
	require.Error(t, err)
}

func TestDatasetBatches(t *testing.T) {
	imagesDir, masksDir := writePairs(t)
	ds, err := New(Config{ImagesDir: imagesDir, MasksDir: masksDir, PatchSize: 2, BatchSize: 3}, nil)
	require.NoError(t, err)

	var sizes []int
	var names []string
	for batch, err := range ds.Batches(context.Background()) {
		require.NoError(t, err)
		sizes = append(sizes, batch.Size())
		names = append(names, batch.Names...)
	}
	assert.Equal(t, []int{3, 3, 2}, sizes)
	assert.Equal(t, []string{
		"a.tif@0,0", "a.tif@2,0", "a.tif@0,2", "a.tif@2,2",
		"b.tif@0,0", "b.tif@2,0", "b.tif@0,2", "b.tif@2,2",
	}, names)

	// Batches split cleanly into samples.
	for batch, err := range ds.Batches(context.Background()) {
		require.NoError(t, err)
		var all []samples.Sample
		all, err = batch.Unbind()
		require.NoError(t, err)
		assert.Len(t, all, 3)
		break
	}

	// Cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var gotErr error
	for _, err := range ds.Batches(ctx) {
		gotErr = err
	}
	require.Error(t, gotErr)
}

func TestDatasetWholeRasters(t *testing.T) {
	imagesDir, masksDir := writePairs(t)
	ds, err := New(Config{ImagesDir: imagesDir, MasksDir: masksDir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	batch, err := ds.Batch([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 4}, batch.Images.Shape().Dimensions)
}

func TestDatasetErrors(t *testing.T) {
	imagesDir, masksDir := writePairs(t)

	// Patch larger than the rasters: everything skipped.
	ds, err := New(Config{ImagesDir: imagesDir, MasksDir: masksDir, PatchSize: 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Len())

	// Missing mask.
	rastertest.WriteRGB(t, filepath.Join(imagesDir, "c.tif"), 4, 4, func(_, _, _ int) uint8 { return 0 })
	_, err = New(Config{ImagesDir: imagesDir, MasksDir: masksDir, PatchSize: 2}, nil)
	require.Error(t, err)

	// Mask of a different size.
	rastertest.WriteLabels(t, filepath.Join(masksDir, "c.tif"), rastertest.Constant(2, 2, 1))
	_, err = New(Config{ImagesDir: imagesDir, MasksDir: masksDir, PatchSize: 2}, nil)
	require.Error(t, err)

	// No images.
	_, err = New(Config{ImagesDir: t.TempDir(), MasksDir: masksDir, PatchSize: 2}, nil)
	require.Error(t, err)
}
