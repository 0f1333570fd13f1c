package histogram

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"
)

func TestCount(t *testing.T) {
	codes, counts := Count([]uint8{1, 1, 2, 0})
	assert.Equal(t, []int32{0, 1, 2}, codes)
	assert.Equal(t, []uint64{1, 2, 1}, counts)

	codes, counts = Count([]int32{})
	assert.Empty(t, codes)
	assert.Empty(t, counts)
}

func TestMergeExample(t *testing.T) {
	// One all-zero 2x2 grid and [[1,1],[2,0]].
	h := New()
	require.NoError(t, h.Merge(Count([]int32{0, 0, 0, 0})))
	require.NoError(t, h.Merge(Count([]int32{1, 1, 2, 0})))
	assert.Equal(t, Histogram{0: 5, 1: 2, 2: 1}, h)
	assert.Equal(t, uint64(8), h.Total())
	assert.Equal(t, []int32{0, 1, 2}, h.Codes())
}

func TestMergeMismatch(t *testing.T) {
	h := New()
	require.Error(t, h.Merge([]int32{1, 2}, []uint64{3}))
	assert.Empty(t, h)
}

func TestMergeOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	grids := make([][]int32, 20)
	var totalPixels uint64
	for ii := range grids {
		grids[ii] = make([]int32, 1+rng.IntN(50))
		for jj := range grids[ii] {
			grids[ii][jj] = int32(rng.IntN(10))
		}
		totalPixels += uint64(len(grids[ii]))
	}

	reference := New()
	for _, grid := range grids {
		require.NoError(t, reference.Merge(Count(grid)))
	}
	assert.Equal(t, totalPixels, reference.Total())

	for range 10 {
		rng.Shuffle(len(grids), func(i, j int) { grids[i], grids[j] = grids[j], grids[i] })
		h := New()
		for _, grid := range grids {
			require.NoError(t, h.Merge(Count(grid)))
		}
		assert.True(t, reference.Equal(h))
	}

	merged := New()
	merged.MergeHistogram(reference)
	merged.MergeHistogram(reference)
	assert.Equal(t, 2*totalPixels, merged.Total())
}

func TestWriteReport(t *testing.T) {
	h := Histogram{2: 1, 0: 5, 1: 2}
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, h, ReportOptions{}))
	assert.Equal(t, "Aggregated Class Distribution:\nClass 0: 5\nClass 1: 2\nClass 2: 1\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteReport(&buf, Histogram{0: 3000, 1: 1000}, ReportOptions{Summary: true}))
	assert.Equal(t, "Aggregated Class Distribution:\n"+
		"Class 0: 3000\n"+
		"Class 1: 1000\n"+
		"Total pixels: 4,000 in 2 classes\n"+
		"  class   0:  75.00% (3,000)\n"+
		"  class   1:  25.00% (1,000)\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteReport(&buf, New(), ReportOptions{}))
	assert.Equal(t, "Aggregated Class Distribution:\n", buf.String())
}
