// Package visualize filters the samples of predicted batches and renders, for each kept sample,
// a triptych with the image, its ground-truth mask and the model prediction.
//
// Samples whose ground-truth mask contains the no-data label are skipped: they are usually
// at the border of the scene, and the comparison would be misleading.
package visualize

import (
	"context"
	"fmt"
	"github.com/cropseg/cropseg/internal/generics"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"path/filepath"
	"strings"
)

// Config of the visualization.
type Config struct {
	// NoData is the mask label for pixels without ground truth.
	NoData int32

	// RGBBands are the 1-based bands used as red, green and blue for multi-band images.
	RGBBands [3]int

	// OutDir where the PNG files are saved.
	OutDir string
}

// Keep returns whether the sample should be rendered: only if its ground-truth mask has no
// pixel with the noData label.
func Keep(sample *samples.Sample, noData int32) bool {
	return !sample.Contains(noData)
}

// Stats of a Presenter.
type Stats struct {
	Rendered, Skipped int
}

// Add the counts of other.
func (s *Stats) Add(other Stats) {
	s.Rendered += other.Rendered
	s.Skipped += other.Skipped
}

// Presenter renders the kept samples of batches, and shows them to the user.
type Presenter struct {
	Config Config
	Viewer Viewer

	// usedPaths are the plot paths (without extension) already returned by PlotPath.
	usedPaths generics.Set[string]
}

// PlotPath returns the path of the PNG file for the sample named name ("<file>@<x>,<y>" for chips):
// "<file>_<x>_<y>.png" without the raster extension, in the same sub-directory of Config.OutDir
// as the raster is in the input tree.
//
// Each call reserves the path returned: a name mapping to an already used path gets a numeric
// suffix, so plots never overwrite each other.
func (p *Presenter) PlotPath(name string) string {
	base, location, found := strings.Cut(name, "@")
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if found {
		base += "_" + strings.ReplaceAll(location, ",", "_")
	}
	path := filepath.Join(p.Config.OutDir, filepath.FromSlash(base))
	if p.usedPaths == nil {
		p.usedPaths = generics.MakeSet[string]()
	}
	candidate := path
	for n := 2; p.usedPaths.Has(candidate); n++ {
		candidate = fmt.Sprintf("%s_%d", path, n)
	}
	p.usedPaths.Insert(candidate)
	return candidate + ".png"
}

// Present renders and shows, one at a time, the samples of batch that pass Keep.
// It returns the counts of rendered and skipped samples.
func (p *Presenter) Present(ctx context.Context, batch *samples.Batch) (stats Stats, err error) {
	all, err := batch.Unbind()
	if err != nil {
		return
	}
	viewer := p.Viewer
	if viewer == nil {
		viewer = NoViewer{}
	}
	for ii := range all {
		sample := &all[ii]
		if err = ctx.Err(); err != nil {
			err = errors.Wrap(err, "presentation interrupted")
			return
		}
		if !Keep(sample, p.Config.NoData) {
			klog.V(2).Infof("skipping %q: mask has no-data (%d) pixels", sample.Name, p.Config.NoData)
			stats.Skipped++
			continue
		}
		path := p.PlotPath(sample.Name)
		if err = RenderTriptych(sample, p.Config, path); err != nil {
			err = errors.WithMessagef(err, "rendering %q", sample.Name)
			return
		}
		stats.Rendered++
		klog.V(1).Infof("%q plotted to %s", sample.Name, path)
		if err = viewer.Show(ctx, path, sample.Name); err != nil {
			err = errors.WithMessagef(err, "showing %q", sample.Name)
			return
		}
	}
	return
}
