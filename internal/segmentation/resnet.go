package segmentation

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// resnetBlocks is the number of BasicBlocks in each of the 4 layers of the supported ResNet encoders.
var resnetBlocks = map[string][4]int{
	"resnet18": {2, 2, 2, 2},
	"resnet34": {3, 4, 6, 3},
}

// resnetFeatureChannels are the channels of the encoder features, from the stem (1/2 resolution)
// to layer4 (1/32 resolution).
var resnetFeatureChannels = [5]int{64, 64, 128, 256, 512}

// resnetDecoderChannels are the output channels of the 5 decoder blocks.
var resnetDecoderChannels = [5]int{256, 128, 64, 32, 16}

// resnetSizeMultiple: the encoder down-samples 5 times.
const resnetSizeMultiple = 32

// hasDownsample returns whether the block has a 1x1 projection of its input: the first block
// of layers 2 to 4, which halve the resolution and double the channels.
func hasDownsample(layer, block int) bool {
	return layer > 0 && block == 0
}

// paramShapes collects the expected parameters of a model.
type paramShapes map[string]shapes.Shape

func (ps paramShapes) conv(name string, in, out, kernel int, bias bool) {
	ps[name+".weight"] = shapes.Make(paramDType, out, in, kernel, kernel)
	if bias {
		ps[name+".bias"] = shapes.Make(paramDType, out)
	}
}

// batchNorm adds the parameters and buffers of a BatchNorm2d, as they appear in a state_dict.
func (ps paramShapes) batchNorm(name string, channels int) {
	for _, suffix := range []string{".weight", ".bias", ".running_mean", ".running_var"} {
		ps[name+suffix] = shapes.Make(paramDType, channels)
	}
	ps[name+".num_batches_tracked"] = shapes.Make(paramDType)
}

// resnetParams returns the parameters of a UNet with a ResNet encoder, named as in
// segmentation_models_pytorch's Unet.
func (cfg Config) resnetParams() paramShapes {
	ps := make(paramShapes)
	ps.conv("encoder.conv1", cfg.InChannels, resnetFeatureChannels[0], 7, false)
	ps.batchNorm("encoder.bn1", resnetFeatureChannels[0])
	in := resnetFeatureChannels[0]
	for layer, numBlocks := range resnetBlocks[cfg.Encoder] {
		out := resnetFeatureChannels[layer+1]
		for block := range numBlocks {
			prefix := fmt.Sprintf("encoder.layer%d.%d", layer+1, block)
			ps.conv(prefix+".conv1", in, out, 3, false)
			ps.batchNorm(prefix+".bn1", out)
			ps.conv(prefix+".conv2", out, out, 3, false)
			ps.batchNorm(prefix+".bn2", out)
			if hasDownsample(layer, block) {
				ps.conv(prefix+".downsample.0", in, out, 1, false)
				ps.batchNorm(prefix+".downsample.1", out)
			}
			in = out
		}
	}
	for ii, out := range resnetDecoderChannels {
		prefix := fmt.Sprintf("decoder.blocks.%d", ii)
		var skip int
		if ii < len(resnetFeatureChannels)-1 {
			skip = resnetFeatureChannels[len(resnetFeatureChannels)-2-ii]
		}
		ps.conv(prefix+".conv1.0", in+skip, out, 3, false)
		ps.batchNorm(prefix+".conv1.1", out)
		ps.conv(prefix+".conv2.0", out, out, 3, false)
		ps.batchNorm(prefix+".conv2.1", out)
		in = out
	}
	ps.conv("segmentation_head.0", in, cfg.Classes, 3, true)
	return ps
}

// resnetForward builds the ResNet UNet on x, shaped [N, H, W, C], and returns the scores
// shaped [N, H, W, Classes].
func (u *UNet) resnetForward(x *Node) *Node {
	g := x.Graph()

	// Encoder: stem, then the 4 ResNet layers.
	x = conv2d(x, u.param(g, "encoder.conv1.weight"), nil, 2, 3)
	x = activations.Relu(u.batchNorm("encoder.bn1", x))
	features := []*Node{x}
	x = maxPool3x3Stride2(x)
	for layer, numBlocks := range resnetBlocks[u.cfg.Encoder] {
		for block := range numBlocks {
			stride := 1
			if hasDownsample(layer, block) {
				stride = 2
			}
			x = u.basicBlock(fmt.Sprintf("encoder.layer%d.%d", layer+1, block), x, stride, hasDownsample(layer, block))
		}
		features = append(features, x)
	}

	// Decoder: starts from the deepest feature, the others are the skip connections.
	for ii := range resnetDecoderChannels {
		x = upsample2x2(x)
		if skipIdx := len(features) - 2 - ii; skipIdx >= 0 {
			x = Concatenate([]*Node{x, features[skipIdx]}, -1)
		}
		prefix := fmt.Sprintf("decoder.blocks.%d", ii)
		x = conv2d(x, u.param(g, prefix+".conv1.0.weight"), nil, 1, 1)
		x = activations.Relu(u.batchNorm(prefix+".conv1.1", x))
		x = conv2d(x, u.param(g, prefix+".conv2.0.weight"), nil, 1, 1)
		x = activations.Relu(u.batchNorm(prefix+".conv2.1", x))
	}
	return conv2d(x, u.param(g, "segmentation_head.0.weight"), u.param(g, "segmentation_head.0.bias"), 1, 1)
}

// basicBlock is the ResNet BasicBlock: two 3x3 convolutions with a residual connection.
func (u *UNet) basicBlock(prefix string, x *Node, stride int, downsample bool) *Node {
	g := x.Graph()
	out := conv2d(x, u.param(g, prefix+".conv1.weight"), nil, stride, 1)
	out = activations.Relu(u.batchNorm(prefix+".bn1", out))
	out = conv2d(out, u.param(g, prefix+".conv2.weight"), nil, 1, 1)
	out = u.batchNorm(prefix+".bn2", out)
	identity := x
	if downsample {
		identity = conv2d(x, u.param(g, prefix+".downsample.0.weight"), nil, stride, 0)
		identity = u.batchNorm(prefix+".downsample.1", identity)
	}
	return activations.Relu(Add(out, identity))
}
