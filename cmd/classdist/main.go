// classdist prints the distribution of class codes over all the label rasters found
// (recursively) under a directory.
//
// Example:
//
//	classdist --root=data/masks --summary
package main

import (
	"context"
	"flag"
	"github.com/cropseg/cropseg/internal/classdist"
	"github.com/cropseg/cropseg/internal/histogram"
	"github.com/cropseg/cropseg/internal/profilers"
	"github.com/cropseg/cropseg/internal/raster"
	"github.com/cropseg/cropseg/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"golang.org/x/term"
	"k8s.io/klog/v2"
	"os"
	"runtime"
	"time"
)

var (
	flagRoot    = flag.String("root", "", "Root directory searched recursively for label rasters.")
	flagSuffix  = flag.String("suffix", ".tif", "Suffix of the raster file names to include.")
	flagBand    = flag.Int("band", 1, "Band (1-based) holding the class codes.")
	flagWorkers = flag.Int("workers", 1, "Number of rasters decoded in parallel. "+
		"If 0, it uses the number of CPUs.")
	flagReader  = flag.String("reader", "tiff", "Raster reader: \"tiff\" (pure Go) or \"gdal\" (requires the gdal build tag).")
	flagSummary = flag.Bool("summary", false, "Also print the total number of pixels and the percentage of each class.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRoot == "" {
		klog.Exitf("Please set --root to the directory with the label rasters.")
	}
	workers := *flagWorkers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	// Capture Control+C
	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 3*time.Second)
	defer cancel()
	profilers.Setup(ctx)
	defer profilers.OnQuit()

	cfg := classdist.Config{
		Root:    *flagRoot,
		Suffix:  *flagSuffix,
		Band:    *flagBand,
		Workers: workers,
		Reader:  must.M1(raster.New(*flagReader)),
	}
	start := time.Now()
	s := spinning.New(ctx)
	hist, stats, err := classdist.Run(ctx, cfg)
	s.Done()
	if err != nil {
		klog.Exitf("Failed to compute class distribution: %+v", err)
	}
	klog.V(1).Infof("%d files, %d pixels counted in %s", stats.Files, stats.Pixels, time.Since(start))

	err = histogram.WriteReport(os.Stdout, hist, histogram.ReportOptions{
		Summary: *flagSummary,
		Styled:  term.IsTerminal(int(os.Stdout.Fd())),
	})
	if err != nil {
		klog.Exitf("Failed to write report: %+v", err)
	}
}
