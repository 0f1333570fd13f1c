package segmentation

import (
	"github.com/cropseg/cropseg/internal/checkpoint"
	"github.com/cropseg/cropseg/internal/parameters"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// zeroWeights returns all the parameters of u set to zero.
func zeroWeights(u *UNet) checkpoint.WeightMapping {
	m := make(checkpoint.WeightMapping)
	for name, shape := range u.ExpectedParams() {
		m[name] = tensors.FromShape(shape)
	}
	return m
}

func TestConfigFromParams(t *testing.T) {
	cfg, err := ConfigFromParams(parameters.NewFromConfigString("classes=4, depth=2"))
	require.NoError(t, err)
	assert.Equal(t, Config{Encoder: "resnet18", InChannels: 13, Classes: 4, Depth: 2, Filters: 32}, cfg)

	cfg, err = ConfigFromParams(parameters.NewFromConfigString("encoder=plain"))
	require.NoError(t, err)
	assert.Equal(t, PlainEncoder, cfg.Encoder)

	_, err = ConfigFromParams(parameters.NewFromConfigString("clases=4"))
	require.Error(t, err)
	_, err = ConfigFromParams(parameters.NewFromConfigString("depth=two"))
	require.Error(t, err)
}

func TestPlainExpectedParams(t *testing.T) {
	u, err := New(nil, Config{Encoder: PlainEncoder, InChannels: 13, Classes: 9, Depth: 2, Filters: 8})
	require.NoError(t, err)
	params := u.ExpectedParams()
	// 3 encoder stages + 2 decoder blocks, with 2 convolutions each, plus the head; weight and bias for each.
	assert.Len(t, params, 2*(2*3+2*2+1))
	assert.Equal(t, []int{8, 13, 3, 3}, params["encoder.stages.0.conv1.weight"].Dimensions)
	assert.Equal(t, []int{32, 16, 3, 3}, params["encoder.stages.2.conv1.weight"].Dimensions)
	// First decoder block: 32 upsampled channels + 16 from the skip connection.
	assert.Equal(t, []int{16, 48, 3, 3}, params["decoder.blocks.0.conv1.weight"].Dimensions)
	assert.Equal(t, []int{8, 24, 3, 3}, params["decoder.blocks.1.conv1.weight"].Dimensions)
	assert.Equal(t, []int{9, 8, 1, 1}, params["segmentation_head.weight"].Dimensions)
	assert.Equal(t, []int{9}, params["segmentation_head.bias"].Dimensions)

	_, err = New(nil, Config{Encoder: PlainEncoder, InChannels: 0, Classes: 9, Depth: 2, Filters: 8})
	require.Error(t, err)
	_, err = New(nil, Config{Encoder: "vgg16", InChannels: 13, Classes: 9})
	require.Error(t, err)
}

func TestResNetExpectedParams(t *testing.T) {
	u, err := New(nil, DefaultConfig)
	require.NoError(t, err)
	params := u.ExpectedParams()
	// Encoder: stem (conv + BatchNorm) 6, 8 blocks of 12, 3 downsamples of 6.
	// Decoder: 5 blocks of 12. Head: 2.
	assert.Len(t, params, 6+8*12+3*6+5*12+2)
	for name, dims := range map[string][]int{
		"encoder.conv1.weight":                       {64, 13, 7, 7},
		"encoder.bn1.running_var":                    {64},
		"encoder.layer1.1.conv2.weight":              {64, 64, 3, 3},
		"encoder.layer2.0.conv1.weight":              {128, 64, 3, 3},
		"encoder.layer2.0.downsample.0.weight":       {128, 64, 1, 1},
		"encoder.layer4.1.bn2.bias":                  {512},
		"decoder.blocks.0.conv1.0.weight":            {256, 512 + 256, 3, 3},
		"decoder.blocks.3.conv1.0.weight":            {32, 64 + 64, 3, 3},
		"decoder.blocks.4.conv1.0.weight":            {16, 32, 3, 3},
		"decoder.blocks.4.conv2.1.running_mean":      {16},
		"segmentation_head.0.weight":                 {9, 16, 3, 3},
		"segmentation_head.0.bias":                   {9},
		"encoder.layer3.0.downsample.1.running_mean": {256},
	} {
		require.Contains(t, params, name)
		assert.Equal(t, dims, params[name].Dimensions, name)
	}
	assert.Equal(t, 0, params["encoder.bn1.num_batches_tracked"].Rank())
	assert.NotContains(t, params, "encoder.layer1.0.downsample.0.weight")
	assert.NotContains(t, params, "encoder.conv1.bias")
	assert.NotContains(t, params, "encoder.fc.weight")

	cfg := DefaultConfig
	cfg.Encoder = "resnet34"
	u, err = New(nil, cfg)
	require.NoError(t, err)
	assert.Len(t, u.ExpectedParams(), 6+16*12+3*6+5*12+2)
}

// namedBackend overrides the name of a backend.
type namedBackend struct {
	backends.Backend
	name string
}

func (b namedBackend) Name() string { return b.name }

func TestCheckBackend(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	require.NoError(t, CheckBackend(backend))
	_, err := New(namedBackend{Backend: backend, name: "go"}, DefaultConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"go"`)
}

func TestPlainScores(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	u, err := New(backend, Config{Encoder: PlainEncoder, InChannels: 2, Classes: 3, Depth: 2, Filters: 2})
	require.NoError(t, err)

	// No weights loaded yet.
	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*2*8*4), 2, 2, 8, 4)
	_, err = u.Scores(images)
	require.Error(t, err)

	weights := zeroWeights(u)
	weights["segmentation_head.bias"] = tensors.FromFlatDataAndDimensions([]float32{0.5, 2, -1}, 3)
	require.NoError(t, u.LoadWeights(weights, true))

	scores, err := u.Scores(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 8, 4}, scores.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](scores)
	// With zero weights, the scores of each class are its head bias.
	for ii, v := range flat {
		class := (ii / (8 * 4)) % 3
		require.Equal(t, []float32{0.5, 2, -1}[class], v, "score #%d", ii)
	}

	// Spatial dimensions must be divisible by 4.
	_, err = u.Scores(tensors.FromFlatDataAndDimensions(make([]float32, 2*6*4), 1, 2, 6, 4))
	require.Error(t, err)
	// Wrong number of channels.
	_, err = u.Scores(tensors.FromFlatDataAndDimensions(make([]float32, 3*8*4), 1, 3, 8, 4))
	require.Error(t, err)
}

func TestConvolutionLayout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	u, err := New(backend, Config{Encoder: PlainEncoder, InChannels: 1, Classes: 1, Depth: 0, Filters: 1})
	require.NoError(t, err)
	weights := zeroWeights(u)

	// conv1 picks the right neighbor: out(y, x) = in(y, x+1). PyTorch layout is [out, in, kh, kw].
	shift := make([]float32, 9)
	shift[1*3+2] = 1
	weights["encoder.stages.0.conv1.weight"] = tensors.FromFlatDataAndDimensions(shift, 1, 1, 3, 3)
	identity := make([]float32, 9)
	identity[1*3+1] = 1
	weights["encoder.stages.0.conv2.weight"] = tensors.FromFlatDataAndDimensions(identity, 1, 1, 3, 3)
	weights["segmentation_head.weight"] = tensors.FromFlatDataAndDimensions([]float32{2}, 1, 1, 1, 1)
	weights["segmentation_head.bias"] = tensors.FromFlatDataAndDimensions([]float32{-1}, 1)
	require.NoError(t, u.LoadWeights(weights, true))

	images := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 1, 1, 2, 3)
	scores, err := u.Scores(images)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 5, -1, 9, 11, -1}, tensors.CopyFlatData[float32](scores))
}

func TestLoadWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	u, err := New(backend, Config{Encoder: PlainEncoder, InChannels: 1, Classes: 2, Depth: 1, Filters: 2})
	require.NoError(t, err)

	weights := zeroWeights(u)
	delete(weights, "decoder.blocks.0.conv2.bias")
	weights["aux_head.weight"] = tensors.FromFlatDataAndDimensions([]float32{1}, 1)

	err = u.LoadWeights(weights, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrKeyMismatch))

	// Non-strict: the missing parameter is initialized, the unknown one ignored.
	require.NoError(t, u.LoadWeights(weights, false))
	scores, err := u.Scores(tensors.FromFlatDataAndDimensions(make([]float32, 4*4), 1, 1, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 4}, scores.Shape().Dimensions)

	// Wrong shape fails even if not strict.
	weights = zeroWeights(u)
	weights["segmentation_head.bias"] = tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	err = u.LoadWeights(weights, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrShapeMismatch))
}

func TestLoadWeightsNoneFound(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	u, err := New(backend, Config{Encoder: PlainEncoder, InChannels: 1, Classes: 2, Depth: 1, Filters: 2})
	require.NoError(t, err)

	// Checkpoint of a different architecture: nothing matches, even if not strict.
	other, err := New(nil, Config{Encoder: "resnet18", InChannels: 1, Classes: 2})
	require.NoError(t, err)
	weights := make(checkpoint.WeightMapping)
	for name, shape := range other.ExpectedParams() {
		if len(weights) < 5 {
			weights[name] = tensors.FromShape(shape)
		}
	}
	err = u.LoadWeights(weights, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrKeyMismatch))
	_, err = u.Scores(tensors.FromFlatDataAndDimensions(make([]float32, 4*4), 1, 1, 4, 4))
	require.Error(t, err, "no weights should have been loaded")
}

func TestResNetScores(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	u, err := New(backend, Config{Encoder: "resnet18", InChannels: 2, Classes: 3})
	require.NoError(t, err)
	weights := zeroWeights(u)
	weights["segmentation_head.0.bias"] = tensors.FromFlatDataAndDimensions([]float32{-1, 0.25, 3}, 3)
	require.NoError(t, u.LoadWeights(weights, true))

	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*2*32*64), 2, 2, 32, 64)
	scores, err := u.Scores(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 32, 64}, scores.Shape().Dimensions)
	// With zero weights, the scores of each class are its head bias.
	for ii, v := range tensors.CopyFlatData[float32](scores) {
		class := (ii / (32 * 64)) % 3
		require.Equal(t, []float32{-1, 0.25, 3}[class], v, "score #%d", ii)
	}

	// Spatial dimensions must be divisible by 32.
	_, err = u.Scores(tensors.FromFlatDataAndDimensions(make([]float32, 2*16*32), 1, 2, 16, 32))
	require.Error(t, err)
}
