package segmentation

import (
	. "github.com/gomlx/gomlx/graph"
)

// batchNormEpsilon is the PyTorch BatchNorm2d default.
const batchNormEpsilon = 1e-5

// perChannel broadcasts the vector v, shaped [C], to the shape of x, shaped [N, H, W, C].
func perChannel(v, x *Node) *Node {
	v = Reshape(v, 1, 1, 1, v.Shape().Dim(0))
	return BroadcastToDims(v, x.Shape().Dimensions...)
}

// conv2d convolves x, shaped [N, H, W, C], with kernel in the PyTorch layout
// [out_channels, in_channels, kh, kw], using the given stride and zero padding on every side.
// bias may be nil.
func conv2d(x, kernel, bias *Node, stride, padding int) *Node {
	// [out, in, kh, kw] -> [kh, kw, in, out]
	kernel = TransposeAllDims(kernel, 2, 3, 1, 0)
	x = Convolve(x, kernel).
		Strides(stride).
		PaddingPerDim([][2]int{{padding, padding}, {padding, padding}}).
		Done()
	if bias != nil {
		x = Add(x, perChannel(bias, x))
	}
	return x
}

// batchNorm normalizes x, shaped [N, H, W, C], with the running statistics of a trained
// BatchNorm2d layer (inference mode).
func batchNorm(x, weight, bias, mean, variance *Node) *Node {
	scale := Mul(weight, Rsqrt(AddScalar(variance, batchNormEpsilon)))
	shift := Sub(bias, Mul(mean, scale))
	return Add(Mul(x, perChannel(scale, x)), perChannel(shift, x))
}

// maxPool2x2 halves the spatial dimensions of x, shaped [N, H, W, C].
func maxPool2x2(x *Node) *Node {
	dims := x.Shape().Dimensions
	n, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, n, h/2, 2, w/2, 2, c)
	return ReduceMax(x, 2, 4)
}

// maxPool3x3Stride2 is PyTorch's MaxPool2d(kernel_size=3, stride=2, padding=1) on x, shaped [N, H, W, C].
func maxPool3x3Stride2(x *Node) *Node {
	return MaxPool(x).Window(3).Strides(2).PaddingPerDim([][2]int{{1, 1}, {1, 1}}).Done()
}

// upsample2x2 doubles the spatial dimensions of x, shaped [N, H, W, C], repeating each value
// (nearest neighbor interpolation).
func upsample2x2(x *Node) *Node {
	dims := x.Shape().Dimensions
	n, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, n, h, 1, w, 1, c)
	x = BroadcastToDims(x, n, h, 2, w, 2, c)
	return Reshape(x, n, 2*h, 2*w, c)
}
