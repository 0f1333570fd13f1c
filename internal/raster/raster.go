// Package raster reads georeferenced raster files into plain grids of values.
//
// The georeferencing itself (CRS, transforms) is ignored: only the pixel grid of each band
// is used. Bands are numbered from 1, following the GDAL convention.
//
// Readers are registered by name (see Register), the pure-Go "tiff" reader is always
// available, the "gdal" one only when built with the `gdal` build tag.
package raster

import (
	"github.com/pkg/errors"
	"slices"
	"sync"
)

var (
	// ErrUnsupportedImage is returned when a file decodes to a pixel layout the reader can't map to bands.
	ErrUnsupportedImage = errors.New("unsupported raster pixel layout")

	// ErrBandOutOfRange is returned when a band number is not in [1, NumBands()].
	ErrBandOutOfRange = errors.New("band out of range")
)

// Reader opens raster files.
type Reader interface {
	Open(path string) (Dataset, error)
}

// Dataset is an opened raster file.
type Dataset interface {
	Width() int
	Height() int
	NumBands() int

	// ReadLabels reads the given band (1-based) as integer class codes.
	ReadLabels(band int) (*LabelGrid, error)

	// ReadBand reads the given band (1-based) as float32 values.
	ReadBand(band int) (*Band, error)

	Close() error
}

// LabelGrid holds one band of integer class codes, in row-major order.
type LabelGrid struct {
	Width, Height int
	Labels        []int32
}

// At returns the label at column x, row y.
func (g *LabelGrid) At(x, y int) int32 {
	return g.Labels[y*g.Width+x]
}

// Band holds the values of one band, in row-major order.
type Band struct {
	Width, Height int
	Values        []float32
}

// ReadFileLabels is a convenience that opens path, reads the labels of band and closes it.
func ReadFileLabels(reader Reader, path string, band int) (*LabelGrid, error) {
	ds, err := reader.Open(path)
	if err != nil {
		return nil, err
	}
	grid, err := ds.ReadLabels(band)
	closeErr := ds.Close()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading band %d of %q", band, path)
	}
	if closeErr != nil {
		return nil, errors.Wrapf(closeErr, "closing %q", path)
	}
	return grid, nil
}

func checkBand(band, numBands int) error {
	if band < 1 || band > numBands {
		return errors.Wrapf(ErrBandOutOfRange, "band %d requested, raster has %d band(s)", band, numBands)
	}
	return nil
}

// Factory creates a Reader.
type Factory func() Reader

var (
	muRegistry sync.Mutex
	registry   = map[string]Factory{
		"tiff": func() Reader { return TIFFReader{} },
	}
)

// Register a reader factory under the given name. Registering a name twice replaces the previous one.
func Register(name string, factory Factory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = factory
}

// New creates the reader registered under name.
func New(name string) (Reader, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	factory, found := registry[name]
	if !found {
		names := make([]string, 0, len(registry))
		for n := range registry {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown raster reader %q, available readers: %v", name, names)
	}
	return factory(), nil
}
