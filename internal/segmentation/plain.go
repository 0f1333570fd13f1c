package segmentation

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// The "plain" encoder: Depth+1 stages of two 3x3 convolutions (with bias and ReLU), separated
// by 2x2 max-pooling. Its decoder blocks upsample, concatenate the skip connection and apply two
// 3x3 convolutions; a 1x1 convolution produces the scores.

// plainStageChannels returns the number of channels output by encoder stage i.
func (cfg Config) plainStageChannels(i int) int {
	return cfg.Filters << i
}

func (cfg Config) plainParams() paramShapes {
	ps := make(paramShapes)
	in := cfg.InChannels
	for i := 0; i <= cfg.Depth; i++ {
		out := cfg.plainStageChannels(i)
		ps.conv(fmt.Sprintf("encoder.stages.%d.conv1", i), in, out, 3, true)
		ps.conv(fmt.Sprintf("encoder.stages.%d.conv2", i), out, out, 3, true)
		in = out
	}
	for j := range cfg.Depth {
		skip := cfg.plainStageChannels(cfg.Depth - 1 - j)
		ps.conv(fmt.Sprintf("decoder.blocks.%d.conv1", j), in+skip, skip, 3, true)
		ps.conv(fmt.Sprintf("decoder.blocks.%d.conv2", j), skip, skip, 3, true)
		in = skip
	}
	ps.conv("segmentation_head", in, cfg.Classes, 1, true)
	return ps
}

// plainForward builds the plain UNet on x, shaped [N, H, W, C], and returns the scores
// shaped [N, H, W, Classes].
func (u *UNet) plainForward(x *Node) *Node {
	skips := make([]*Node, 0, u.cfg.Depth)
	for i := 0; i <= u.cfg.Depth; i++ {
		if i > 0 {
			x = maxPool2x2(x)
		}
		x = u.plainConv(fmt.Sprintf("encoder.stages.%d.conv1", i), x, true)
		x = u.plainConv(fmt.Sprintf("encoder.stages.%d.conv2", i), x, true)
		if i < u.cfg.Depth {
			skips = append(skips, x)
		}
	}
	for j := range u.cfg.Depth {
		x = upsample2x2(x)
		x = Concatenate([]*Node{x, skips[u.cfg.Depth-1-j]}, -1)
		x = u.plainConv(fmt.Sprintf("decoder.blocks.%d.conv1", j), x, true)
		x = u.plainConv(fmt.Sprintf("decoder.blocks.%d.conv2", j), x, true)
	}
	return u.plainConv("segmentation_head", x, false)
}

// plainConv applies the convolution named name, with "same" padding, to x.
func (u *UNet) plainConv(name string, x *Node, relu bool) *Node {
	g := x.Graph()
	kernel := u.param(g, name+".weight")
	padding := kernel.Shape().Dim(-1) / 2
	x = conv2d(x, kernel, u.param(g, name+".bias"), 1, padding)
	if relu {
		x = activations.Relu(x)
	}
	return x
}
