// Package segmentation implements UNet semantic segmentation models in GoMLX, with
// parameters named after the PyTorch state_dict they are loaded from.
//
// The default encoder is a ResNet (resnet18 or resnet34) laid out as in
// segmentation_models_pytorch's Unet: convolutions without bias followed by BatchNorm (using
// the running statistics), 5 decoder blocks of two Conv+BatchNorm+ReLU over the upsampled
// features concatenated with the encoder skip connections, and a 3x3 segmentation head.
// A "plain" UNet encoder is also available.
//
// Convolution weights use the PyTorch layout [out_channels, in_channels, kh, kw] and are
// transposed inside the graph.
package segmentation

import (
	"fmt"
	"github.com/cropseg/cropseg/internal/checkpoint"
	"github.com/cropseg/cropseg/internal/parameters"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"sync"
)

// paramDType of all parameters: checkpoints are converted to float32 when loaded.
const paramDType = dtypes.Float32

// PlainEncoder selects the plain UNet encoder, configured by Config.Depth and Config.Filters.
const PlainEncoder = "plain"

// SupportedBackends lists the GoMLX backends implementing the convolutions and window
// reductions the models need.
var SupportedBackends = []string{"xla"}

// Config of the UNet architecture.
type Config struct {
	// Encoder is "resnet18", "resnet34" or PlainEncoder.
	Encoder string

	// InChannels is the number of bands of the input images.
	InChannels int

	// Classes is the number of output classes.
	Classes int

	// Depth is the number of down-sampling steps of the plain encoder.
	Depth int

	// Filters is the number of channels of the first plain encoder stage, doubled at every stage.
	Filters int
}

// DefaultConfig matches the 13-band Sentinel-2 crop classification models.
var DefaultConfig = Config{Encoder: "resnet18", InChannels: 13, Classes: 9, Depth: 4, Filters: 32}

// ConfigFromParams returns DefaultConfig overwritten by the keys "encoder", "in_channels",
// "classes", "depth" and "filters" of params. Any other key is an error.
func ConfigFromParams(params parameters.Params) (cfg Config, err error) {
	cfg = DefaultConfig
	cfg.Encoder, err = parameters.PopParamOr(params, "encoder", cfg.Encoder)
	if err != nil {
		return
	}
	for key, ptr := range map[string]*int{
		"in_channels": &cfg.InChannels,
		"classes":     &cfg.Classes,
		"depth":       &cfg.Depth,
		"filters":     &cfg.Filters,
	} {
		*ptr, err = parameters.PopParamOr(params, key, *ptr)
		if err != nil {
			return
		}
	}
	err = parameters.CheckAllConsumed(params, "model")
	return
}

func (cfg Config) validate() error {
	if _, found := resnetBlocks[cfg.Encoder]; !found && cfg.Encoder != PlainEncoder {
		return errors.Errorf("unknown encoder %q, valid values are resnet18, resnet34 and %s", cfg.Encoder, PlainEncoder)
	}
	if cfg.InChannels <= 0 || cfg.Classes <= 0 {
		return errors.Errorf("invalid model configuration %+v", cfg)
	}
	if cfg.Encoder == PlainEncoder && (cfg.Filters <= 0 || cfg.Depth < 0) {
		return errors.Errorf("invalid plain encoder configuration %+v", cfg)
	}
	return nil
}

// sizeMultiple is the number image height and width must be divisible by.
func (cfg Config) sizeMultiple() int {
	if cfg.Encoder == PlainEncoder {
		return 1 << cfg.Depth
	}
	return resnetSizeMultiple
}

// CheckBackend returns an error if backend can't run the models.
func CheckBackend(backend backends.Backend) error {
	if !slices.Contains(SupportedBackends, backend.Name()) {
		return errors.Errorf("GoMLX backend %q doesn't implement convolutions, use one of %v", backend.Name(), SupportedBackends)
	}
	return nil
}

// UNet model. Create it with New, and load its parameters with LoadWeights before calling Scores.
type UNet struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context

	// vars maps the PyTorch parameter names to the context variables.
	vars map[string]*context.Variable

	muExec    sync.Mutex
	scoreExec *context.Exec
}

// New creates a UNet for the given backend, without any parameters loaded.
// backend can be nil if the model is only used to list its parameters.
func New(backend backends.Backend, cfg Config) (*UNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if backend != nil {
		if err := CheckBackend(backend); err != nil {
			return nil, err
		}
	}
	u := &UNet{
		cfg:     cfg,
		backend: backend,
		ctx:     context.New(),
		vars:    make(map[string]*context.Variable),
	}
	return u, nil
}

// Config returns the architecture configuration.
func (u *UNet) Config() Config {
	return u.cfg
}

// String implements fmt.Stringer.
func (u *UNet) String() string {
	if u.cfg.Encoder == PlainEncoder {
		return fmt.Sprintf("UNet(encoder=plain, in_channels=%d, classes=%d, depth=%d, filters=%d)",
			u.cfg.InChannels, u.cfg.Classes, u.cfg.Depth, u.cfg.Filters)
	}
	return fmt.Sprintf("UNet(encoder=%s, in_channels=%d, classes=%d)", u.cfg.Encoder, u.cfg.InChannels, u.cfg.Classes)
}

// ExpectedParams returns the names and shapes of all the model parameters, including the
// BatchNorm buffers stored in the state_dict.
func (u *UNet) ExpectedParams() map[string]shapes.Shape {
	if u.cfg.Encoder == PlainEncoder {
		return u.cfg.plainParams()
	}
	return u.cfg.resnetParams()
}

// LoadWeights sets the model parameters from m.
//
// If strict, m must hold exactly the model parameters. Otherwise unknown parameters are ignored
// and missing ones are randomly initialized, but at least one parameter must be found.
// Parameters with the wrong shape are always an error.
func (u *UNet) LoadWeights(m checkpoint.WeightMapping, strict bool) error {
	expected := u.ExpectedParams()
	if err := checkpoint.Match(m, expected, strict); err != nil {
		return err
	}
	var numMissing int
	for name := range expected {
		if _, found := m[name]; !found {
			numMissing++
		}
	}
	if numMissing == len(expected) {
		return errors.Wrapf(checkpoint.ErrKeyMismatch, "none of the %d parameters of %s found in checkpoint with %d parameters",
			len(expected), u, len(m))
	}
	if numMissing > len(expected)/2 {
		klog.Warningf("%s: %d of %d parameters not in checkpoint, predictions will be mostly random", u, numMissing, len(expected))
	}
	u.muExec.Lock()
	defer u.muExec.Unlock()

	// Start from a fresh context: a new set of weights requires a new program anyway.
	u.ctx = context.New()
	u.vars = make(map[string]*context.Variable, len(expected))
	u.scoreExec = nil
	ctx := u.ctx.In("unet")
	err := exceptions.TryCatch[error](func() {
		for name, shape := range expected {
			if value, found := m[name]; found {
				u.vars[name] = ctx.VariableWithValue(name, value)
			} else {
				klog.Warningf("segmentation: parameter %q not in checkpoint, using random initialization", name)
				u.vars[name] = ctx.VariableWithShape(name, shape)
			}
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "creating %s variables", u)
	}
	if !strict {
		for name := range m {
			if _, found := expected[name]; !found {
				klog.V(1).Infof("segmentation: ignoring unexpected checkpoint parameter %q", name)
			}
		}
	}
	klog.V(1).Infof("%s: loaded %d parameters (%d missing)", u, len(expected)-numMissing, numMissing)
	return nil
}

// Scores runs the forward pass on images shaped [N, InChannels, H, W] and returns the
// scores (logits) shaped [N, Classes, H, W]. H and W must be divisible by 32 (2^Depth for the
// plain encoder).
func (u *UNet) Scores(images *tensors.Tensor) (*tensors.Tensor, error) {
	dims := images.Shape().Dimensions
	if len(dims) != 4 || dims[1] != u.cfg.InChannels {
		return nil, errors.Errorf("%s expects images shaped [N, %d, H, W], got %s", u, u.cfg.InChannels, images.Shape())
	}
	if multiple := u.cfg.sizeMultiple(); dims[2]%multiple != 0 || dims[3]%multiple != 0 {
		return nil, errors.Errorf("%s requires image height and width divisible by %d, got %dx%d", u, multiple, dims[2], dims[3])
	}

	u.muExec.Lock()
	defer u.muExec.Unlock()
	if len(u.vars) == 0 {
		return nil, errors.Errorf("%s has no parameters loaded", u)
	}
	if u.scoreExec == nil {
		u.scoreExec = context.NewExec(u.backend, u.ctx, func(ctx *context.Context, images *Node) *Node {
			return u.forwardGraph(images)
		})
	}
	var scores *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		scores = u.scoreExec.Call(images)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "running %s on images %s", u, images.Shape())
	}
	return scores, nil
}

// forwardGraph builds the model graph: images [N, C, H, W] to scores [N, Classes, H, W].
func (u *UNet) forwardGraph(images *Node) *Node {
	// Convolutions work channels-last.
	x := TransposeAllDims(images, 0, 2, 3, 1)
	if u.cfg.Encoder == PlainEncoder {
		x = u.plainForward(x)
	} else {
		x = u.resnetForward(x)
	}
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// param returns the value of the parameter name in graph g.
func (u *UNet) param(g *Graph, name string) *Node {
	v, found := u.vars[name]
	if !found {
		exceptions.Panicf("%s has no parameter %q", u, name)
	}
	return v.ValueGraph(g)
}

// batchNorm applies the BatchNorm2d layer named prefix to x.
func (u *UNet) batchNorm(prefix string, x *Node) *Node {
	g := x.Graph()
	return batchNorm(x, u.param(g, prefix+".weight"), u.param(g, prefix+".bias"),
		u.param(g, prefix+".running_mean"), u.param(g, prefix+".running_var"))
}
