// segviz runs a UNet segmentation model, trained with PyTorch, over image/mask chips and plots
// the image, the ground truth and the prediction of every chip without no-data pixels.
//
// Example:
//
//	segviz --checkpoint=epoch=9.ckpt --images=data/images --masks=data/masks --viewer=prompt
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/cropseg/cropseg/internal/checkpoint"
	"github.com/cropseg/cropseg/internal/chips"
	"github.com/cropseg/cropseg/internal/inference"
	"github.com/cropseg/cropseg/internal/parameters"
	"github.com/cropseg/cropseg/internal/profilers"
	"github.com/cropseg/cropseg/internal/raster"
	"github.com/cropseg/cropseg/internal/samples"
	"github.com/cropseg/cropseg/internal/segmentation"
	"github.com/cropseg/cropseg/internal/ui/spinning"
	"github.com/cropseg/cropseg/internal/visualize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"time"
)

var (
	flagCheckpoint   = flag.String("checkpoint", "", "PyTorch checkpoint file (saved with torch.save) with the model weights.")
	flagStateDictKey = flag.String("state_dict_key", checkpoint.DefaultEntry, "Entry of the checkpoint holding the model parameters.")
	flagStripPrefix  = flag.String("strip_prefix", "model.", "Prefix removed from the checkpoint parameter names.")
	flagStrict       = flag.Bool("strict", true, "Require the checkpoint parameters to match exactly the model ones.")
	flagModel        = flag.String("model", "", "Model configuration, e.g.: \"encoder=resnet34,classes=9\". Encoders: resnet18 (default), resnet34, plain.")
	flagBackend      = flag.String("backend", "", "GoMLX backend configuration, e.g.: \"xla:cuda\". Defaults to GoMLX's default.")

	flagImages    = flag.String("images", "", "Directory with the image rasters.")
	flagMasks     = flag.String("masks", "", "Directory with the mask rasters, with the same relative names as the images.")
	flagSuffix    = flag.String("suffix", ".tif", "Suffix of the raster file names.")
	flagReader    = flag.String("reader", "tiff", "Raster reader: \"tiff\" (pure Go) or \"gdal\" (requires the gdal build tag).")
	flagPatchSize = flag.Int("patch_size", 256, "Size of the square chips cut from the rasters. If 0, the whole rasters are used.")
	flagBatchSize = flag.Int("batch_size", 64, "Number of chips per inference batch.")

	flagNoData = flag.Int("nodata", 0, "Mask label of pixels without ground truth: chips with any of them are not plotted.")
	flagRGB    = flag.String("rgb", "3,2,1", "Bands (1-based) used as red, green and blue in the image plot.")
	flagOut    = flag.String("out", "plots", "Directory where the plots are saved.")
	flagViewer = flag.String("viewer", "none", "How to show the plots: \"none\" (only save them), \"prompt\" "+
		"(wait for <Enter> after each one), \"gtk\" (requires the gtk build tag) or a command line, e.g. \"eog\".")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	for name, value := range map[string]string{"checkpoint": *flagCheckpoint, "images": *flagImages, "masks": *flagMasks} {
		if value == "" {
			klog.Exitf("Please set --%s, see --help.", name)
		}
	}

	// Capture Control+C
	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 3*time.Second)
	defer cancel()
	profilers.Setup(ctx)
	defer profilers.OnQuit()

	if err := run(ctx); err != nil {
		klog.Exitf("segviz failed: %+v", err)
	}
}

func run(ctx context.Context) error {
	visCfg, err := visualizeConfig()
	if err != nil {
		return err
	}
	viewer, err := visualize.NewViewer(*flagViewer)
	if err != nil {
		return err
	}
	model, err := createModel()
	if err != nil {
		return err
	}

	reader := must.M1(raster.New(*flagReader))
	ds, err := chips.New(chips.Config{
		ImagesDir: *flagImages,
		MasksDir:  *flagMasks,
		Suffix:    *flagSuffix,
		PatchSize: *flagPatchSize,
		BatchSize: *flagBatchSize,
	}, reader)
	if err != nil {
		return err
	}
	if ds.Len() == 0 {
		fmt.Println("No chips to plot.")
		return nil
	}
	if ds.Channels() != model.Config().InChannels {
		return errors.Errorf("images have %d bands, but the model expects %d: see --model", ds.Channels(), model.Config().InChannels)
	}

	presenter := &visualize.Presenter{Config: visCfg, Viewer: viewer}
	runner := &inference.Runner{Segmenter: model, Spin: spinning.IsTerminal()}
	var total visualize.Stats
	err = runner.Run(ctx, ds, func(batch *samples.Batch) error {
		stats, err := presenter.Present(ctx, batch)
		total.Add(stats)
		return err
	})
	fmt.Printf("%d chips plotted to %s, %d skipped for having no-data (%d) pixels.\n",
		total.Rendered, visCfg.OutDir, total.Skipped, visCfg.NoData)
	return err
}

func visualizeConfig() (visualize.Config, error) {
	cfg := visualize.Config{NoData: int32(*flagNoData), OutDir: *flagOut}
	bands, err := parameters.ParseIntList(*flagRGB)
	if err != nil {
		return cfg, errors.WithMessage(err, "parsing --rgb")
	}
	if len(bands) != 3 {
		return cfg, errors.Errorf("--rgb requires 3 bands, got %q", *flagRGB)
	}
	copy(cfg.RGBBands[:], bands)
	return cfg, nil
}

// createModel creates the UNet and loads its weights from the checkpoint.
func createModel() (*segmentation.UNet, error) {
	modelCfg, err := segmentation.ConfigFromParams(parameters.NewFromConfigString(*flagModel))
	if err != nil {
		return nil, errors.WithMessage(err, "parsing --model")
	}

	var backend backends.Backend
	err = exceptions.TryCatch[error](func() {
		if *flagBackend == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(*flagBackend)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating GoMLX backend")
	}
	klog.V(1).Infof("backend: %s", backend.Name())
	if err := segmentation.CheckBackend(backend); err != nil {
		return nil, err
	}

	weights, err := checkpoint.Load(*flagCheckpoint, *flagStateDictKey)
	if err != nil {
		return nil, err
	}
	weights = checkpoint.StripPrefix(weights, *flagStripPrefix)
	klog.V(1).Infof("checkpoint %s: %s", *flagCheckpoint, weights)

	model, err := segmentation.New(backend, modelCfg)
	if err != nil {
		return nil, err
	}
	if err := model.LoadWeights(weights, *flagStrict); err != nil {
		return nil, errors.WithMessagef(err, "loading %q into %s", *flagCheckpoint, model)
	}
	return model, nil
}
