// Package coloring maps region statistics to colormap swatches.
package coloring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/internal/state"
	"github.com/ephys-atlas/server/pkg/colormap"
)

const (
	// White marks a catalog region without a value in a hemisphere that has data.
	White = "#ffffff"
	// Grey marks a region whose selected statistic is null, zero or missing.
	Grey = "#d3d3d3"

	// HemisphereIndexThreshold separates right (below or equal) from left
	// (above) for feature keys the catalog does not name.
	HemisphereIndexThreshold = 1327

	// ColorbarItems is the number of legend swatches.
	ColorbarItems = 50
	// DefaultBinCount is used when a feature carries no global histogram.
	DefaultBinCount = 50
)

var (
	ErrNoData              = errors.New("no region carries data in either hemisphere")
	ErrInvalidRange        = errors.New("empty or inverted value range")
	ErrLogScaleNonPositive = errors.New("log scale requires a strictly positive minimum")
)

// Hemisphere is left or right.
type Hemisphere int

const (
	Right Hemisphere = iota
	Left
)

func (h Hemisphere) String() string {
	if h == Left {
		return "left"
	}
	return "right"
}

// HemisphereOf returns the hemisphere of a region index. Catalog names are
// authoritative; unknown indices fall back to HemisphereIndexThreshold.
func HemisphereOf(idx int, regions atlas.RegionCatalog) Hemisphere {
	if r, ok := regions[idx]; ok {
		if r.IsLeft() {
			return Left
		}
		return Right
	}
	if idx > HemisphereIndexThreshold {
		return Left
	}
	return Right
}

// Result is one coloring pass.
type Result struct {
	Mapping string `json:"mapping"`
	// Colors holds a hex color per region index. Regions left unset take
	// the caller's neutral color.
	Colors map[int]string `json:"colors"`
	// Values holds the raw statistic of every region that has one.
	Values map[int]float64 `json:"values"`
	// Bars holds the 0..100 bar width of every region with a value.
	Bars map[int]float64 `json:"bars"`
	// Range is the global [min, max] of the statistic.
	Range atlas.StatSummary `json:"range"`
	// Diagnostics lists the precondition violations the pass degraded on.
	Diagnostics []error `json:"-"`
}

// DiagnosticMessages returns the diagnostics as strings.
func (r *Result) DiagnosticMessages() []string {
	out := make([]string, 0, len(r.Diagnostics))
	for _, err := range r.Diagnostics {
		out = append(out, err.Error())
	}
	return out
}

// Normalize maps v into a 0..99 colormap bucket over [vmin, vmax).
func Normalize(v, vmin, vmax float64) (int, error) {
	if !(vmin < vmax) {
		return 0, fmt.Errorf("%w: [%g, %g]", ErrInvalidRange, vmin, vmax)
	}
	n := math.Floor(100 * (v - vmin) / (vmax - vmin))
	return int(math.Max(0, math.Min(99, n))), nil
}

func summaryOf(data *atlas.FeatureData, stat string) (atlas.StatSummary, bool) {
	if s, ok := data.Summary(stat); ok {
		return s, true
	}
	first := true
	var s atlas.StatSummary
	for _, v := range data.Data {
		x, ok := v.Stat(stat)
		if !ok || math.IsNaN(x) {
			continue
		}
		if first {
			s = atlas.StatSummary{Min: x, Max: x}
			first = false
			continue
		}
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	return s, !first
}

// ComputeRegionColors colors every catalog region of the selected mapping.
// It fails only with ErrNoData; range and log-scale problems are reported in
// Result.Diagnostics.
func ComputeRegionColors(f state.Fields, data *atlas.FeatureData, regions atlas.RegionCatalog, cmap colormap.Swatches) (*Result, error) {
	res := &Result{
		Mapping: f.Mapping,
		Colors:  make(map[int]string),
		Values:  make(map[int]float64),
		Bars:    make(map[int]float64),
	}
	if data == nil || len(data.Data) == 0 {
		return res, ErrNoData
	}

	var hasData [2]bool
	for idx := range data.Data {
		hasData[HemisphereOf(idx, regions)] = true
	}

	summary, ok := summaryOf(data, f.Stat)
	if !ok {
		res.Diagnostics = append(res.Diagnostics, fmt.Errorf("%w: statistic %q has no values", ErrInvalidRange, f.Stat))
	}
	res.Range = summary

	transform := func(v float64) float64 { return v }
	vmin, vmax := summary.Min, summary.Max
	if f.LogScale {
		if vmin > 0 {
			transform = math.Log
			vmin, vmax = math.Log(vmin), math.Log(vmax)
		} else {
			res.Diagnostics = append(res.Diagnostics, fmt.Errorf("%w: min is %g", ErrLogScaleNonPositive, vmin))
		}
	}

	diff := vmax - vmin
	effMin := vmin + diff*float64(f.CmapMin)/100
	effMax := vmin + diff*float64(f.CmapMax)/100
	rangeOK := ok && effMin < effMax
	if ok && !rangeOK {
		res.Diagnostics = append(res.Diagnostics, fmt.Errorf("%w: [%g, %g]", ErrInvalidRange, effMin, effMax))
	}

	for idx := range regions {
		values, present := data.Data[idx]
		if !present {
			if hasData[HemisphereOf(idx, regions)] {
				res.Colors[idx] = White
			}
			continue
		}

		v, ok := values.Stat(f.Stat)
		if !ok || v == 0 || math.IsNaN(v) {
			res.Colors[idx] = Grey
			continue
		}
		res.Values[idx] = v
		if summary.Max > summary.Min {
			res.Bars[idx] = math.Max(0, math.Min(100, 100*(v-summary.Min)/(summary.Max-summary.Min)))
		}

		if !rangeOK {
			res.Colors[idx] = Grey
			continue
		}
		tv := transform(v)
		if math.IsNaN(tv) || math.IsInf(tv, 0) {
			res.Colors[idx] = Grey
			continue
		}
		bucket, err := Normalize(tv, effMin, effMax)
		if err != nil {
			res.Colors[idx] = Grey
			continue
		}
		res.Colors[idx] = cmap.Hex(bucket)
	}
	return res, nil
}

// Stylesheet renders the full paint surface of a pass, one rule per colored
// region, replacing whatever was painted before.
func Stylesheet(res *Result) string {
	if res == nil {
		return ""
	}
	idx := make([]int, 0, len(res.Colors))
	for i := range res.Colors {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var b strings.Builder
	for _, i := range idx {
		fmt.Fprintf(&b, "svg path.%s_region_%d { fill: %s; }\n", res.Mapping, i, res.Colors[i])
	}
	return b.String()
}

// Colorbar returns n legend swatches for the cmin..cmax slider range.
func Colorbar(cmap colormap.Swatches, cmin, cmax, n int) ([]string, error) {
	if cmax <= cmin {
		return nil, fmt.Errorf("%w: colormap range [%d, %d]", ErrInvalidRange, cmin, cmax)
	}
	if len(cmap) == 0 {
		return nil, fmt.Errorf("empty colormap")
	}
	out := make([]string, n)
	for i := range out {
		x := float64(i) * 100 / float64(n)
		x = (x - float64(cmin)) / float64(cmax-cmin)
		x = math.Max(0, math.Min(0.9999, x))
		out[i] = cmap[int(math.Floor(x*float64(len(cmap))))]
	}
	return out, nil
}

// ComputeHistogram bins values into binCount equal-width buckets over
// [vmin, vmax). Out-of-range values are discarded.
func ComputeHistogram(binCount int, vmin, vmax float64, values []float64) ([]int, error) {
	if binCount <= 0 {
		return nil, fmt.Errorf("invalid bin count: %d", binCount)
	}
	if !(vmin < vmax) {
		return nil, fmt.Errorf("%w: [%g, %g]", ErrInvalidRange, vmin, vmax)
	}
	counts := make([]int, binCount)
	width := (vmax - vmin) / float64(binCount)
	for _, v := range values {
		if math.IsNaN(v) || v < vmin || v >= vmax {
			continue
		}
		bin := min(int((v-vmin)/width), binCount-1)
		counts[bin]++
	}
	return counts, nil
}

// Histogram is the legend histogram of a feature.
type Histogram struct {
	Counts []float64 `json:"counts"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
}

// LegendHistogram returns the feature's global histogram when it has one,
// else bins the selected statistic of every region over its summary range.
func LegendHistogram(feature *atlas.Feature, mapping, stat string) (*Histogram, error) {
	if feature == nil {
		return nil, ErrNoData
	}
	if h := feature.Histogram; h != nil && len(h.Counts) > 0 {
		return &Histogram{Counts: append([]float64(nil), h.Counts...), Min: h.VMin, Max: h.VMax}, nil
	}

	data := feature.ForMapping(mapping)
	if data == nil {
		return nil, ErrNoData
	}
	summary, ok := summaryOf(data, stat)
	if !ok {
		return nil, ErrNoData
	}

	values := make([]float64, 0, len(data.Data))
	for _, v := range data.Data {
		if x, ok := v.Stat(stat); ok {
			values = append(values, x)
		}
	}
	counts, err := ComputeHistogram(DefaultBinCount, summary.Min, summary.Max, values)
	if err != nil {
		return nil, err
	}
	out := &Histogram{Counts: make([]float64, len(counts)), Min: summary.Min, Max: summary.Max}
	for i, c := range counts {
		out.Counts[i] = float64(c)
	}
	return out, nil
}
