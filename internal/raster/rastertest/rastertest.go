// Package rastertest writes small synthetic rasters for tests.
package rastertest

import (
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

// WriteLabels writes a grayscale 8-bit TIFF with the given rows of class codes to path,
// creating the parent directories.
func WriteLabels(t testing.TB, path string, rows [][]uint8) {
	t.Helper()
	h := len(rows)
	w := 0
	if h > 0 {
		w = len(rows[0])
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y, row := range rows {
		require.Len(t, row, w, "all rows must have the same width")
		for x, v := range row {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	write(t, path, img)
}

// WritePalettedLabels writes a paletted TIFF, the usual encoding of class maps.
func WritePalettedLabels(t testing.TB, path string, rows [][]uint8) {
	t.Helper()
	palette := make(color.Palette, 256)
	for ii := range palette {
		palette[ii] = color.RGBA{R: uint8(ii), G: uint8(255 - ii), B: uint8(ii / 2), A: 255}
	}
	img := image.NewPaletted(image.Rect(0, 0, len(rows[0]), len(rows)), palette)
	for y, row := range rows {
		for x, v := range row {
			img.SetColorIndex(x, y, v)
		}
	}
	write(t, path, img)
}

// WriteRGB writes a 4-band (RGBA) TIFF where band b of pixel (x, y) is fn(b, x, y).
func WriteRGB(t testing.TB, path string, w, h int, fn func(band, x, y int) uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{R: fn(0, x, y), G: fn(1, x, y), B: fn(2, x, y), A: 255})
		}
	}
	write(t, path, img)
}

// Constant returns rows×cols rows filled with value.
func Constant(rows, cols int, value uint8) [][]uint8 {
	grid := make([][]uint8, rows)
	for y := range grid {
		grid[y] = make([]uint8, cols)
		for x := range grid[y] {
			grid[y][x] = value
		}
	}
	return grid
}

func write(t testing.TB, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, img, nil))
	require.NoError(t, f.Close())
}
