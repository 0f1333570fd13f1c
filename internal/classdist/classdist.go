// Package classdist aggregates the class distribution of a tree of label rasters.
//
// Every file under Config.Root whose name ends with Config.Suffix is read, the class codes
// of one band are counted, and the counts are merged into a single histogram.
package classdist

import (
	"context"
	"github.com/cropseg/cropseg/internal/files"
	"github.com/cropseg/cropseg/internal/histogram"
	"github.com/cropseg/cropseg/internal/raster"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Config of a class distribution run.
type Config struct {
	// Root directory searched recursively.
	Root string

	// Suffix of the file names to include. Defaults to ".tif".
	Suffix string

	// Band (1-based) holding the class codes. Defaults to 1.
	Band int

	// Workers is the number of files decoded concurrently. Defaults to 1 (sequential).
	// Merges into the histogram are always serial.
	Workers int

	// Reader used to open the rasters. Defaults to raster.TIFFReader.
	Reader raster.Reader
}

// Stats about a run.
type Stats struct {
	Files  int
	Pixels uint64
}

func (cfg *Config) setDefaults() {
	if cfg.Suffix == "" {
		cfg.Suffix = ".tif"
	}
	if cfg.Band == 0 {
		cfg.Band = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Reader == nil {
		cfg.Reader = raster.TIFFReader{}
	}
}

type fileCounts struct {
	path   string
	codes  []int32
	counts []uint64
	pixels uint64
}

func countFile(cfg Config, path string) (*fileCounts, error) {
	grid, err := raster.ReadFileLabels(cfg.Reader, path, cfg.Band)
	if err != nil {
		return nil, err
	}
	fc := &fileCounts{path: path, pixels: uint64(grid.Width) * uint64(grid.Height)}
	fc.codes, fc.counts = histogram.Count(grid.Labels)
	return fc, nil
}

// Run walks cfg.Root and returns the aggregated histogram.
//
// Any error (listing a directory, decoding a file) aborts the run: no partial histogram is returned.
func Run(ctx context.Context, cfg Config) (histogram.Histogram, Stats, error) {
	cfg.setDefaults()
	if cfg.Root == "" {
		return nil, Stats{}, errors.New("classdist: root directory not specified")
	}
	if cfg.Workers == 1 {
		return runSequential(ctx, cfg)
	}
	return runParallel(ctx, cfg)
}

func runSequential(ctx context.Context, cfg Config) (histogram.Histogram, Stats, error) {
	h := histogram.New()
	var stats Stats
	for path, err := range files.Walk(cfg.Root, files.HasSuffix(cfg.Suffix)) {
		if err != nil {
			return nil, Stats{}, err
		}
		if err := ctx.Err(); err != nil {
			return nil, Stats{}, errors.Wrap(err, "classdist interrupted")
		}
		fc, err := countFile(cfg, path)
		if err != nil {
			return nil, Stats{}, err
		}
		if err := merge(h, &stats, fc); err != nil {
			return nil, Stats{}, err
		}
	}
	return h, stats, nil
}

func merge(h histogram.Histogram, stats *Stats, fc *fileCounts) error {
	if err := h.Merge(fc.codes, fc.counts); err != nil {
		return errors.WithMessagef(err, "merging counts of %q", fc.path)
	}
	stats.Files++
	stats.Pixels += fc.pixels
	klog.V(2).Infof("%s: %d pixels, %d classes", fc.path, fc.pixels, len(fc.codes))
	return nil
}

// runParallel decodes files in cfg.Workers goroutines, and merges the results in the calling goroutine.
func runParallel(ctx context.Context, cfg Config) (histogram.Histogram, Stats, error) {
	g, gCtx := errgroup.WithContext(ctx)
	results := make(chan *fileCounts, cfg.Workers)
	g.Go(func() error {
		defer close(results)
		readers, readersCtx := errgroup.WithContext(gCtx)
		readers.SetLimit(cfg.Workers)
		var walkErr error
		for path, err := range files.Walk(cfg.Root, files.HasSuffix(cfg.Suffix)) {
			if err != nil {
				walkErr = err
				break
			}
			if readersCtx.Err() != nil {
				break
			}
			readers.Go(func() error {
				fc, err := countFile(cfg, path)
				if err != nil {
					return err
				}
				select {
				case results <- fc:
					return nil
				case <-readersCtx.Done():
					return readersCtx.Err()
				}
			})
		}
		if err := readers.Wait(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		return gCtx.Err()
	})

	h := histogram.New()
	var stats Stats
	var mergeErr error
	for fc := range results {
		if mergeErr != nil {
			continue // Drain.
		}
		mergeErr = merge(h, &stats, fc)
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, Stats{}, errors.Wrap(err, "classdist interrupted")
		}
		return nil, Stats{}, err
	}
	if mergeErr != nil {
		return nil, Stats{}, mergeErr
	}
	return h, stats, nil
}
