// Package histogram accumulates per-class pixel counts over many label rasters.
package histogram

import (
	"github.com/cropseg/cropseg/internal/generics"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"slices"
)

// Histogram maps a class code to its cumulative pixel count.
//
// It is only ever mutated by additive merges, so the final result doesn't depend on the
// order in which files (or labels within a file) are merged.
type Histogram map[int32]uint64

// New returns an empty Histogram.
func New() Histogram {
	return make(Histogram)
}

// Count returns the distinct codes found in labels, in increasing order, and the number
// of times each one appears.
func Count[T constraints.Integer](labels []T) (codes []int32, counts []uint64) {
	perCode := make(map[int32]uint64)
	for _, label := range labels {
		perCode[int32(label)]++
	}
	codes = make([]int32, 0, len(perCode))
	counts = make([]uint64, 0, len(perCode))
	for code, count := range generics.SortedKeysAndValues(perCode) {
		codes = append(codes, code)
		counts = append(counts, count)
	}
	return
}

// Merge adds counts[i] to the running total of codes[i], creating entries for codes not seen before.
func (h Histogram) Merge(codes []int32, counts []uint64) error {
	if len(codes) != len(counts) {
		return errors.Errorf("histogram merge: %d codes but %d counts", len(codes), len(counts))
	}
	for ii, code := range codes {
		h[code] += counts[ii]
	}
	return nil
}

// MergeHistogram adds all the counts of other into h.
func (h Histogram) MergeHistogram(other Histogram) {
	for code, count := range other {
		h[code] += count
	}
}

// Total returns the sum of all counts.
func (h Histogram) Total() uint64 {
	var total uint64
	for _, count := range h {
		total += count
	}
	return total
}

// Codes returns the class codes present, in increasing order.
func (h Histogram) Codes() []int32 {
	codes := make([]int32, 0, len(h))
	for code := range h {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// Equal returns whether both histograms have exactly the same entries.
func (h Histogram) Equal(other Histogram) bool {
	if len(h) != len(other) {
		return false
	}
	for code, count := range h {
		if otherCount, found := other[code]; !found || otherCount != count {
			return false
		}
	}
	return true
}
