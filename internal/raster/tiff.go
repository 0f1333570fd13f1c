package raster

import (
	"bytes"
	"encoding/binary"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
	"image"
	"os"
)

// TIFFReader decodes (Geo)TIFF files in pure Go.
//
// Supported layouts: 8 and 16 bits grayscale (1 band), paletted (1 band with the palette
// indices, the usual encoding of class maps) and RGB(A) (4 bands, alpha is 255 when absent).
// Multi-band float rasters, like 13-band Sentinel-2 chips, need the GDAL reader.
//
// WhiteIsZero grayscale files are rejected: they decode inverted, which would change the class codes.
type TIFFReader struct{}

var _ Reader = TIFFReader{}

// Open implements Reader. The whole file is decoded at once.
func (TIFFReader) Open(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read raster %q", path)
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode raster %q", path)
	}
	if value, found := photometricInterpretation(data); found && value == photometricWhiteIsZero {
		return nil, errors.Wrapf(ErrUnsupportedImage, "%q is a WhiteIsZero grayscale image", path)
	}
	ds := &tiffDataset{img: img, path: path}
	switch img.(type) {
	case *image.Gray, *image.Gray16, *image.Paletted:
		ds.numBands = 1
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		ds.numBands = 4
	default:
		return nil, errors.Wrapf(ErrUnsupportedImage, "%q decodes to %T", path, img)
	}
	return ds, nil
}

type tiffDataset struct {
	img      image.Image
	path     string
	numBands int
}

func (ds *tiffDataset) Width() int    { return ds.img.Bounds().Dx() }
func (ds *tiffDataset) Height() int   { return ds.img.Bounds().Dy() }
func (ds *tiffDataset) NumBands() int { return ds.numBands }
func (ds *tiffDataset) Close() error  { return nil }

// sample returns the raw value of band (0-based) at the pixel (x, y) relative to the image origin.
func (ds *tiffDataset) sample(band, x, y int) uint32 {
	b := ds.img.Bounds()
	x, y = x+b.Min.X, y+b.Min.Y
	switch img := ds.img.(type) {
	case *image.Gray:
		return uint32(img.GrayAt(x, y).Y)
	case *image.Gray16:
		return uint32(img.Gray16At(x, y).Y)
	case *image.Paletted:
		return uint32(img.ColorIndexAt(x, y))
	case *image.RGBA:
		return uint32(img.Pix[img.PixOffset(x, y)+band])
	case *image.NRGBA:
		return uint32(img.Pix[img.PixOffset(x, y)+band])
	case *image.RGBA64:
		off := img.PixOffset(x, y) + 2*band
		return uint32(img.Pix[off])<<8 | uint32(img.Pix[off+1])
	case *image.NRGBA64:
		off := img.PixOffset(x, y) + 2*band
		return uint32(img.Pix[off])<<8 | uint32(img.Pix[off+1])
	}
	return 0
}

// ReadLabels implements Dataset.
func (ds *tiffDataset) ReadLabels(band int) (*LabelGrid, error) {
	if err := checkBand(band, ds.numBands); err != nil {
		return nil, errors.WithMessagef(err, "raster %q", ds.path)
	}
	w, h := ds.Width(), ds.Height()
	grid := &LabelGrid{Width: w, Height: h, Labels: make([]int32, w*h)}
	for y := range h {
		for x := range w {
			grid.Labels[y*w+x] = int32(ds.sample(band-1, x, y))
		}
	}
	return grid, nil
}

// ReadBand implements Dataset.
func (ds *tiffDataset) ReadBand(band int) (*Band, error) {
	if err := checkBand(band, ds.numBands); err != nil {
		return nil, errors.WithMessagef(err, "raster %q", ds.path)
	}
	w, h := ds.Width(), ds.Height()
	values := &Band{Width: w, Height: h, Values: make([]float32, w*h)}
	for y := range h {
		for x := range w {
			values.Values[y*w+x] = float32(ds.sample(band-1, x, y))
		}
	}
	return values, nil
}

const (
	tagPhotometricInterpretation = 262
	photometricWhiteIsZero       = 0
)

// photometricInterpretation returns the PhotometricInterpretation tag of the first image
// of the TIFF file contents in data, if present.
func photometricInterpretation(data []byte) (value uint16, found bool) {
	if len(data) < 8 {
		return
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return
	}
	ifd := int(order.Uint32(data[4:8]))
	if ifd < 8 || ifd+2 > len(data) {
		return
	}
	numEntries := int(order.Uint16(data[ifd:]))
	for ii := range numEntries {
		entry := ifd + 2 + 12*ii
		if entry+12 > len(data) {
			return
		}
		if order.Uint16(data[entry:]) == tagPhotometricInterpretation {
			// SHORT value, stored in the first bytes of the value field.
			return order.Uint16(data[entry+8:]), true
		}
	}
	return
}
