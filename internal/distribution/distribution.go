// Package distribution builds the per-region value density view used to
// compare a few selected regions.
package distribution

import (
	"errors"
	"log"
	"math"
	"sort"
	"strconv"

	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/pkg/colormap"
)

const (
	// MaxSelected caps the number of compared regions.
	MaxSelected = 5
	// DefaultBinCount is used when the feature has no global histogram.
	DefaultBinCount = 50
	// DefaultSigma is the gaussian kernel width, in bins.
	DefaultSigma = 1.0
)

var ErrEmpty = errors.New("no selected region has a histogram")

// Range is the shared histogram domain.
type Range struct {
	Min      float64
	Max      float64
	BinCount int
}

// RangeFor derives the histogram domain of a feature: its global histogram
// when present, else the summary of the statistic.
func RangeFor(feature *atlas.Feature, data *atlas.FeatureData, stat string) (Range, bool) {
	if h := feature.Histogram; h != nil && h.VMax > h.VMin {
		n := len(h.Counts)
		if n == 0 {
			n = DefaultBinCount
		}
		return Range{Min: h.VMin, Max: h.VMax, BinCount: n}, true
	}
	if s, ok := data.Summary(stat); ok && s.Max > s.Min {
		return Range{Min: s.Min, Max: s.Max, BinCount: DefaultBinCount}, true
	}
	return Range{}, false
}

// kernel returns the gaussian weights over [-radius, radius].
func kernel(sigma float64) ([]float64, int) {
	radius := max(1, int(math.Ceil(3*sigma)))
	k := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		k[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	return k, radius
}

// GaussianSmooth convolves values with a normalized gaussian kernel. Bins
// beyond the edges contribute nothing.
func GaussianSmooth(values []float64, sigma float64) []float64 {
	k, radius := kernel(sigma)
	norm := 0.0
	for _, w := range k {
		norm += w
	}

	out := make([]float64, len(values))
	for i := range values {
		acc := 0.0
		for j := -radius; j <= radius; j++ {
			pos := i + j
			if pos < 0 || pos >= len(values) {
				continue
			}
			acc += values[pos] * k[j+radius]
		}
		if norm > 0 {
			acc /= norm
		}
		out[i] = acc
	}
	return out
}

// Smooth is GaussianSmooth rescaled so that the curve keeps the raw total.
// A zero smoothed total is returned as is.
func Smooth(values []float64, sigma float64) []float64 {
	smoothed := GaussianSmooth(values, sigma)
	raw, sum := 0.0, 0.0
	for i := range values {
		raw += values[i]
		sum += smoothed[i]
	}
	if sum == 0 {
		return smoothed
	}
	for i := range smoothed {
		smoothed[i] *= raw / sum
	}
	return smoothed
}

// Series is the density curve of one region.
type Series struct {
	Region  int       `json:"region"`
	Acronym string    `json:"acronym"`
	Color   string    `json:"color"`
	Total   float64   `json:"total"`
	Density []float64 `json:"density"`
}

// Table compares the scalar statistics of the shown regions. Cells[i][j] is
// statistic Keys[i] of Series[j]; nil when absent or null.
type Table struct {
	Keys  []string     `json:"keys"`
	Cells [][]*float64 `json:"cells"`
}

// View is the full distribution view.
type View struct {
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	BinCenters []float64 `json:"bin_centers"`
	Series     []Series  `json:"series"`
	Table      Table     `json:"table"`
}

// MaxDensity returns the largest density over all series.
func (v *View) MaxDensity() float64 {
	m := 0.0
	for _, s := range v.Series {
		for _, d := range s.Density {
			m = math.Max(m, d)
		}
	}
	return m
}

// regionHistogram returns the counts inside the shared domain, the total
// count of the region and how many of its bins fall past the domain. Those
// bins still count toward the total.
func regionHistogram(values atlas.RegionValues, binCount int) ([]float64, float64, int) {
	counts := make([]float64, binCount)
	total := 0.0
	for i, c := range values.Histogram {
		total += c
		if i < binCount {
			counts[i] = c
		}
	}
	return counts, total, max(0, len(values.Histogram)-binCount)
}

// Build computes the view for the selected regions. At most MaxSelected
// regions, taken in ascending index order, are considered; those without
// histogram counts are left out. Series colors follow the position in the
// capped selection.
func Build(selected []int, data *atlas.FeatureData, regions atlas.RegionCatalog, r Range, sigma float64) (*View, error) {
	if data == nil || r.BinCount <= 0 || !(r.Min < r.Max) {
		return nil, ErrEmpty
	}
	if sigma <= 0 {
		sigma = DefaultSigma
	}

	sel := append([]int(nil), selected...)
	sort.Ints(sel)
	if len(sel) > MaxSelected {
		sel = sel[:MaxSelected]
	}

	width := (r.Max - r.Min) / float64(r.BinCount)
	view := &View{Min: r.Min, Max: r.Max, BinCenters: make([]float64, r.BinCount)}
	for i := range view.BinCenters {
		view.BinCenters[i] = r.Min + (float64(i)+0.5)*width
	}

	for i, idx := range sel {
		values, ok := data.Data[idx]
		if !ok {
			continue
		}
		counts, total, extra := regionHistogram(values, r.BinCount)
		if extra > 0 {
			log.Printf("[Distribution] Region %d has %d bins past the %d of the range", idx, extra, r.BinCount)
		}
		if total <= 0 {
			continue
		}
		density := Smooth(counts, sigma)
		for j := range density {
			density[j] /= total
		}

		acronym := strconv.Itoa(idx)
		if reg, ok := regions[idx]; ok && reg.Acronym != "" {
			acronym = reg.Acronym
		}
		view.Series = append(view.Series, Series{
			Region:  idx,
			Acronym: acronym,
			Color:   colormap.Set1.Hex(i % len(colormap.Set1)),
			Total:   total,
			Density: density,
		})
	}
	if len(view.Series) == 0 {
		return nil, ErrEmpty
	}

	view.Table = buildTable(view.Series, data)
	return view, nil
}

func buildTable(series []Series, data *atlas.FeatureData) Table {
	keys := make(map[string]struct{})
	for _, s := range series {
		for k := range data.Data[s.Region].Stats {
			keys[k] = struct{}{}
		}
	}
	t := Table{Keys: make([]string, 0, len(keys))}
	for k := range keys {
		t.Keys = append(t.Keys, k)
	}
	sort.Strings(t.Keys)

	t.Cells = make([][]*float64, len(t.Keys))
	for i, k := range t.Keys {
		row := make([]*float64, len(series))
		for j, s := range series {
			if v, ok := data.Data[s.Region].Stat(k); ok {
				row[j] = &v
			}
		}
		t.Cells[i] = row
	}
	return t
}
