package visualize

import (
	"github.com/chewxy/math32"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"image"
	"image/color"
	"os"
	"path/filepath"
)

// NoDataColor is used for the no-data label in the class maps.
var NoDataColor color.Color = color.Black

// classPalette is the categorical palette used for the class maps: class i gets
// classPalette[i % len(classPalette)].
var classPalette = func() []color.Color {
	var palette []color.Color
	palette = append(palette, plotutil.DefaultColors...)
	palette = append(palette, plotutil.SoftColors...)
	palette = append(palette, plotutil.DarkColors...)
	return palette
}()

// ClassColor returns the color used for label in the class maps.
func ClassColor(label, noData int32) color.Color {
	if label == noData {
		return NoDataColor
	}
	if label < 0 {
		label = -label
	}
	return classPalette[int(label)%len(classPalette)]
}

// TileSize is the size of each of the 3 plots of the triptych.
var TileSize = 10 * vg.Centimeter

// RenderTriptych saves to path a PNG with 3 side-by-side plots of the sample: the image
// (RGB composite of cfg.RGBBands, or grayscale), the ground-truth mask and the prediction.
func RenderTriptych(sample *samples.Sample, cfg Config, path string) error {
	if sample.Prediction == nil {
		return errors.Errorf("sample %q has no prediction to plot", sample.Name)
	}
	composite, err := Composite(sample, cfg.RGBBands)
	if err != nil {
		return err
	}
	panels := []struct {
		title string
		img   image.Image
	}{
		{"Image", composite},
		{"Ground Truth", ClassMap(sample.Mask, sample.Width, sample.Height, cfg.NoData)},
		{"Prediction", ClassMap(sample.Prediction, sample.Width, sample.Height, cfg.NoData)},
	}
	plots := [][]*plot.Plot{make([]*plot.Plot, len(panels))}
	for ii, panel := range panels {
		p := plot.New()
		p.Title.Text = panel.title
		p.HideAxes()
		p.Add(plotter.NewImage(panel.img, 0, 0, float64(sample.Width), float64(sample.Height)))
		plots[0][ii] = p
	}

	tiles := draw.Tiles{
		Rows: 1, Cols: len(panels),
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Millimeter, PadBottom: vg.Millimeter,
		PadLeft: vg.Millimeter, PadRight: vg.Millimeter,
	}
	canvas := vgimg.New(TileSize*vg.Length(len(panels)), TileSize)
	dc := draw.New(canvas)
	canvases := plot.Align(plots, tiles, dc)
	for ii := range panels {
		plots[0][ii].Draw(canvases[0][ii])
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", path)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// Composite builds a displayable image from the sample bands.
//
// With one channel the image is grayscale. Otherwise rgbBands (1-based) select the red, green and
// blue bands. Each band is linearly stretched from its own min/max to [0, 255].
func Composite(sample *samples.Sample, rgbBands [3]int) (image.Image, error) {
	w, h := sample.Width, sample.Height
	planeSize := w * h
	if sample.Channels == 1 {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		copy(gray.Pix, stretch(sample.Image[:planeSize]))
		return gray, nil
	}
	var channels [3][]uint8
	for ii, band := range rgbBands {
		if band < 1 || band > sample.Channels {
			return nil, errors.Errorf("RGB band %d out of range for sample %q with %d channels", band, sample.Name, sample.Channels)
		}
		channels[ii] = stretch(sample.Image[(band-1)*planeSize : band*planeSize])
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for pixel := range planeSize {
		img.Pix[4*pixel] = channels[0][pixel]
		img.Pix[4*pixel+1] = channels[1][pixel]
		img.Pix[4*pixel+2] = channels[2][pixel]
		img.Pix[4*pixel+3] = 255
	}
	return img, nil
}

// stretch maps values linearly from [min, max] to [0, 255]. Constant bands and NaNs map to 0.
func stretch(values []float32) []uint8 {
	result := make([]uint8, len(values))
	if len(values) == 0 {
		return result
	}
	lo, hi := math32.Inf(1), math32.Inf(-1)
	for _, v := range values {
		if math32.IsNaN(v) {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return result
	}
	scale := 255 / (hi - lo)
	for ii, v := range values {
		if math32.IsNaN(v) {
			continue
		}
		result[ii] = uint8((v-lo)*scale + 0.5)
	}
	return result
}

// ClassMap paints labels (row-major, width x height) with ClassColor.
func ClassMap(labels []int32, width, height int, noData int32) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, ClassColor(labels[y*width+x], noData))
		}
	}
	return img
}
