//go:build gdal

package raster

// GDAL backed reader: it requires the GDAL C library, so it is only built with `-tags gdal`.

import (
	"github.com/lukeroth/gdal"
	"github.com/pkg/errors"
)

func init() {
	gdal.AllRegister()
	Register("gdal", func() Reader { return GDALReader{} })
}

// GDALReader reads any raster format supported by GDAL, with any number of bands.
type GDALReader struct{}

var _ Reader = GDALReader{}

// Open implements Reader.
func (GDALReader) Open(path string) (Dataset, error) {
	ds, err := gdal.Open(path, gdal.ReadOnly)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open raster %q with GDAL", path)
	}
	return &gdalDataset{ds: ds, path: path}, nil
}

type gdalDataset struct {
	ds   gdal.Dataset
	path string
}

func (d *gdalDataset) Width() int    { return d.ds.RasterXSize() }
func (d *gdalDataset) Height() int   { return d.ds.RasterYSize() }
func (d *gdalDataset) NumBands() int { return d.ds.RasterCount() }

func (d *gdalDataset) Close() error {
	d.ds.Close()
	return nil
}

// ReadLabels implements Dataset.
func (d *gdalDataset) ReadLabels(band int) (*LabelGrid, error) {
	if err := checkBand(band, d.NumBands()); err != nil {
		return nil, errors.WithMessagef(err, "raster %q", d.path)
	}
	w, h := d.Width(), d.Height()
	grid := &LabelGrid{Width: w, Height: h, Labels: make([]int32, w*h)}
	rb := d.ds.RasterBand(band)
	if err := rb.IO(gdal.Read, 0, 0, w, h, grid.Labels, w, h, 0, 0); err != nil {
		return nil, errors.Wrapf(err, "failed to read band %d of %q", band, d.path)
	}
	return grid, nil
}

// ReadBand implements Dataset.
func (d *gdalDataset) ReadBand(band int) (*Band, error) {
	if err := checkBand(band, d.NumBands()); err != nil {
		return nil, errors.WithMessagef(err, "raster %q", d.path)
	}
	w, h := d.Width(), d.Height()
	values := &Band{Width: w, Height: h, Values: make([]float32, w*h)}
	rb := d.ds.RasterBand(band)
	if err := rb.IO(gdal.Read, 0, 0, w, h, values.Values, w, h, 0, 0); err != nil {
		return nil, errors.Wrapf(err, "failed to read band %d of %q", band, d.path)
	}
	return values, nil
}
