// Package chips provides batches of co-registered image and mask chips read from two
// directory trees of rasters.
//
// Each image under Config.ImagesDir is paired with the mask at the same relative path under
// Config.MasksDir. Pairs are cut into non-overlapping PatchSize x PatchSize tiles (borders that
// don't fit a full tile are dropped), and tiles are indexed globally across all files.
//
// Rasters are only read when a batch needs them: indexing only opens the files to get their sizes.
package chips

import (
	"context"
	"fmt"
	"github.com/cropseg/cropseg/internal/files"
	"github.com/cropseg/cropseg/internal/generics"
	"github.com/cropseg/cropseg/internal/raster"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"iter"
	"k8s.io/klog/v2"
	"path/filepath"
	"slices"
	"sort"
)

// Config of a chips Dataset.
type Config struct {
	ImagesDir, MasksDir string

	// Suffix of the raster file names. Defaults to ".tif".
	Suffix string

	// PatchSize of the square tiles. If 0, each raster is a single chip (they must all have the same size).
	PatchSize int

	// BatchSize used by Batches. Defaults to 64.
	BatchSize int

	// MaskBand (1-based) of the mask rasters holding the class codes. Defaults to 1.
	MaskBand int
}

type pair struct {
	name                 string // Relative path.
	imagePath, maskPath  string
	width, height, bands int
	cols, rows           int // Number of tiles.
}

// Dataset of image/mask chips.
type Dataset struct {
	cfg    Config
	reader raster.Reader
	pairs  []pair

	// cumCounts[i] is the number of tiles in pairs[:i].
	cumCounts []int
}

// New indexes the image/mask pairs found in cfg.ImagesDir and cfg.MasksDir.
func New(cfg Config, reader raster.Reader) (*Dataset, error) {
	if cfg.Suffix == "" {
		cfg.Suffix = ".tif"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaskBand == 0 {
		cfg.MaskBand = 1
	}
	if cfg.PatchSize < 0 {
		return nil, errors.Errorf("invalid patch size %d", cfg.PatchSize)
	}
	if reader == nil {
		reader = raster.TIFFReader{}
	}
	imagePaths, err := files.Collect(files.Walk(cfg.ImagesDir, files.HasSuffix(cfg.Suffix)))
	if err != nil {
		return nil, errors.WithMessage(err, "listing images")
	}
	if len(imagePaths) == 0 {
		return nil, errors.Errorf("no %q images found in %q", cfg.Suffix, cfg.ImagesDir)
	}
	slices.Sort(imagePaths)
	absImagesDir, err := filepath.Abs(cfg.ImagesDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", cfg.ImagesDir)
	}

	ds := &Dataset{cfg: cfg, reader: reader, cumCounts: []int{0}}
	for _, imagePath := range imagePaths {
		rel, err := filepath.Rel(absImagesDir, imagePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to find relative path of %q", imagePath)
		}
		p, err := ds.indexPair(rel, imagePath, filepath.Join(cfg.MasksDir, rel))
		if err != nil {
			return nil, err
		}
		if p.cols*p.rows == 0 {
			klog.Warningf("chips: %q (%dx%d) is smaller than the patch size %d, skipping", rel, p.width, p.height, cfg.PatchSize)
			continue
		}
		ds.pairs = append(ds.pairs, p)
		ds.cumCounts = append(ds.cumCounts, ds.cumCounts[len(ds.cumCounts)-1]+p.cols*p.rows)
	}
	if len(ds.pairs) == 0 {
		klog.Warningf("chips: no chips found in %q", cfg.ImagesDir)
		return ds, nil
	}
	if cfg.PatchSize == 0 {
		for _, p := range ds.pairs[1:] {
			if p.width != ds.pairs[0].width || p.height != ds.pairs[0].height {
				return nil, errors.Errorf("without patch size all rasters must have the same size: %q is %dx%d, %q is %dx%d",
					ds.pairs[0].name, ds.pairs[0].width, ds.pairs[0].height, p.name, p.width, p.height)
			}
		}
	}
	for _, p := range ds.pairs[1:] {
		if p.bands != ds.pairs[0].bands {
			return nil, errors.Errorf("images must have the same number of bands: %q has %d, %q has %d",
				ds.pairs[0].name, ds.pairs[0].bands, p.name, p.bands)
		}
	}
	klog.V(1).Infof("chips: %d image/mask pairs, %d chips", len(ds.pairs), ds.Len())
	if klog.V(2).Enabled() {
		klog.Infof("chips: pairs %v", generics.SliceMap(ds.pairs, func(p pair) string { return p.name }))
	}
	return ds, nil
}

func (ds *Dataset) indexPair(name, imagePath, maskPath string) (pair, error) {
	p := pair{name: name, imagePath: imagePath, maskPath: maskPath}
	img, err := ds.reader.Open(imagePath)
	if err != nil {
		return p, err
	}
	p.width, p.height, p.bands = img.Width(), img.Height(), img.NumBands()
	if err := img.Close(); err != nil {
		return p, errors.Wrapf(err, "closing %q", imagePath)
	}
	mask, err := ds.reader.Open(maskPath)
	if err != nil {
		return p, errors.WithMessagef(err, "mask for image %q", name)
	}
	maskW, maskH, maskBands := mask.Width(), mask.Height(), mask.NumBands()
	if err := mask.Close(); err != nil {
		return p, errors.Wrapf(err, "closing %q", maskPath)
	}
	if maskW != p.width || maskH != p.height {
		return p, errors.Errorf("image %q is %dx%d but its mask is %dx%d", name, p.width, p.height, maskW, maskH)
	}
	if ds.cfg.MaskBand > maskBands {
		return p, errors.Wrapf(raster.ErrBandOutOfRange, "mask %q has %d band(s), band %d requested", maskPath, maskBands, ds.cfg.MaskBand)
	}
	if ds.cfg.PatchSize == 0 {
		p.cols, p.rows = 1, 1
	} else {
		p.cols, p.rows = p.width/ds.cfg.PatchSize, p.height/ds.cfg.PatchSize
	}
	return p, nil
}

// Len returns the total number of chips.
func (ds *Dataset) Len() int {
	return ds.cumCounts[len(ds.cumCounts)-1]
}

// Channels returns the number of bands of the images.
func (ds *Dataset) Channels() int {
	if len(ds.pairs) == 0 {
		return 0
	}
	return ds.pairs[0].bands
}

// chipSize returns the height and width of the chips.
func (ds *Dataset) chipSize() (int, int) {
	if ds.cfg.PatchSize > 0 {
		return ds.cfg.PatchSize, ds.cfg.PatchSize
	}
	return ds.pairs[0].height, ds.pairs[0].width
}

// locate maps a global chip index to its pair index and the tile's top-left pixel.
func (ds *Dataset) locate(idx int) (pairIdx, x0, y0 int) {
	pairIdx = sort.SearchInts(ds.cumCounts[1:], idx+1)
	local := idx - ds.cumCounts[pairIdx]
	p := ds.pairs[pairIdx]
	h, w := ds.chipSize()
	return pairIdx, (local % p.cols) * w, (local / p.cols) * h
}

// Batch reads the chips with the given global indices.
// Each raster is read at most once per batch.
func (ds *Dataset) Batch(indices []int) (*samples.Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch requested")
	}
	n, c := len(indices), ds.Channels()
	h, w := ds.chipSize()
	images := tensors.FromShape(shapes.Make(dtypes.Float32, n, c, h, w))
	masks := tensors.FromShape(shapes.Make(dtypes.Int32, n, h, w))
	names := make([]string, n)

	// Group batch positions by pair, so each file is read once.
	byPair := make(map[int][]int)
	for pos, idx := range indices {
		if idx < 0 || idx >= ds.Len() {
			return nil, errors.Errorf("chip index %d out of range [0, %d)", idx, ds.Len())
		}
		pairIdx, _, _ := ds.locate(idx)
		byPair[pairIdx] = append(byPair[pairIdx], pos)
	}

	var err error
	tensors.MutableFlatData(images, func(imagesFlat []float32) {
		tensors.MutableFlatData(masks, func(masksFlat []int32) {
			for pairIdx, positions := range byPair {
				err = ds.readPair(pairIdx, positions, indices, names, imagesFlat, masksFlat)
				if err != nil {
					return
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return &samples.Batch{Names: names, Images: images, Masks: masks}, nil
}

// readPair reads the image and mask of the pair and copies the tiles at the given batch positions.
func (ds *Dataset) readPair(pairIdx int, positions, indices []int, names []string, imagesFlat []float32, masksFlat []int32) error {
	p := ds.pairs[pairIdx]
	h, w := ds.chipSize()
	c := p.bands

	img, err := ds.reader.Open(p.imagePath)
	if err != nil {
		return err
	}
	bands := make([]*raster.Band, c)
	for b := range c {
		bands[b], err = img.ReadBand(b + 1)
		if err != nil {
			_ = img.Close()
			return errors.WithMessagef(err, "image %q", p.name)
		}
	}
	if err := img.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", p.imagePath)
	}
	mask, err := raster.ReadFileLabels(ds.reader, p.maskPath, ds.cfg.MaskBand)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		_, x0, y0 := ds.locate(indices[pos])
		names[pos] = fmt.Sprintf("%s@%d,%d", p.name, x0, y0)
		for b, band := range bands {
			dst := imagesFlat[((pos*c+b)*h)*w:]
			for y := range h {
				copy(dst[y*w:(y+1)*w], band.Values[(y0+y)*p.width+x0:])
			}
		}
		dst := masksFlat[pos*h*w:]
		for y := range h {
			copy(dst[y*w:(y+1)*w], mask.Labels[(y0+y)*p.width+x0:])
		}
	}
	return nil
}

// Batches iterates over all chips in index order, in batches of Config.BatchSize.
// The last batch may be smaller. Iteration stops at the first error, which is yielded.
func (ds *Dataset) Batches(ctx context.Context) iter.Seq2[*samples.Batch, error] {
	return func(yield func(*samples.Batch, error) bool) {
		total := ds.Len()
		for start := 0; start < total; start += ds.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Wrap(err, "chips iteration interrupted"))
				return
			}
			end := min(start+ds.cfg.BatchSize, total)
			indices := make([]int, end-start)
			for ii := range indices {
				indices[ii] = start + ii
			}
			batch, err := ds.Batch(indices)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}
