package coloring

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/internal/state"
	"github.com/ephys-atlas/server/pkg/colormap"
)

func f64(v float64) *float64 { return &v }

func values(stats map[string]*float64) atlas.RegionValues {
	return atlas.RegionValues{Stats: stats}
}

// ramp returns 100 distinct swatches so that bucket i maps to swatch i.
func ramp() colormap.Swatches {
	s := make(colormap.Swatches, 100)
	for i := range s {
		s[i] = fmt.Sprintf("#%02x%02x%02x", i, i, i)
	}
	return s
}

func catalog() atlas.RegionCatalog {
	return atlas.RegionCatalog{
		1: {Idx: 1, Name: "Alpha (left)", Acronym: "A"},
		2: {Idx: 2, Name: "Beta (left)", Acronym: "B"},
		3: {Idx: 3, Name: "Gamma (left)", Acronym: "G"},
		4: {Idx: 4, Name: "Delta (left)", Acronym: "D"},
		5: {Idx: 5, Name: "Epsilon (left)", Acronym: "E"},
		6: {Idx: 6, Name: "Alpha (right)", Acronym: "A"},
	}
}

func TestComputeHistogram(t *testing.T) {
	got, err := ComputeHistogram(10, 0, 100, []float64{5, 15, 25, 95, 99})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 1, 1, 0, 0, 0, 0, 0, 0, 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, _ = ComputeHistogram(2, 0, 10, []float64{-1, 10, 11, 4.9})
	if !reflect.DeepEqual(got, []int{1, 0}) {
		t.Fatalf("out-of-range values must be discarded, got %v", got)
	}

	if _, err := ComputeHistogram(10, 5, 5, nil); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestComputeRegionColors(t *testing.T) {
	data := &atlas.FeatureData{
		Data: map[int]atlas.RegionValues{
			1: values(map[string]*float64{"mean": f64(-5)}),  // below effective min
			2: values(map[string]*float64{"mean": f64(100)}), // at effective max
			3: values(map[string]*float64{"mean": nil}),
			4: values(map[string]*float64{"mean": f64(50)}),
		},
		Statistics: map[string]atlas.StatSummary{"mean": {Min: 0, Max: 100}},
	}
	f := state.Defaults()
	cmap := ramp()

	res, err := ComputeRegionColors(f, data, catalog(), cmap)
	if err != nil {
		t.Fatalf("ComputeRegionColors: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics)
	}

	tests := []struct {
		idx  int
		want string
	}{
		{1, cmap[0]},
		{2, cmap[99]},
		{3, Grey},
		{4, cmap[50]},
		{5, White},
	}
	for _, tt := range tests {
		if got := res.Colors[tt.idx]; got != tt.want {
			t.Errorf("region %d: got %q, want %q", tt.idx, got, tt.want)
		}
	}
	if _, ok := res.Colors[6]; ok {
		t.Errorf("right hemisphere without data should stay unset")
	}
	if res.Bars[4] != 50 {
		t.Errorf("bar for region 4 = %v", res.Bars[4])
	}
}

func TestComputeRegionColorsSliders(t *testing.T) {
	data := &atlas.FeatureData{
		Data: map[int]atlas.RegionValues{
			1: values(map[string]*float64{"mean": f64(30)}),
			2: values(map[string]*float64{"mean": f64(60)}),
		},
		Statistics: map[string]atlas.StatSummary{"mean": {Min: 0, Max: 100}},
	}
	f := state.Defaults()
	f.CmapMin, f.CmapMax = 20, 60
	cmap := ramp()

	res, err := ComputeRegionColors(f, data, catalog(), cmap)
	if err != nil {
		t.Fatal(err)
	}
	if res.Colors[1] != cmap[25] {
		t.Fatalf("region 1 = %q, want bucket 25", res.Colors[1])
	}
	if res.Colors[2] != cmap[99] {
		t.Fatalf("region 2 = %q, want bucket 99", res.Colors[2])
	}

	f.CmapMin, f.CmapMax = 70, 70
	res, err = ComputeRegionColors(f, data, catalog(), cmap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 1 || !errors.Is(res.Diagnostics[0], ErrInvalidRange) {
		t.Fatalf("expected an invalid range diagnostic, got %v", res.Diagnostics)
	}
	if res.Colors[1] != Grey {
		t.Fatalf("empty range should degrade to grey, got %q", res.Colors[1])
	}
}

func TestComputeRegionColorsLogScale(t *testing.T) {
	data := &atlas.FeatureData{
		Data: map[int]atlas.RegionValues{
			1: values(map[string]*float64{"mean": f64(10)}),
		},
		Statistics: map[string]atlas.StatSummary{"mean": {Min: 1, Max: 1000}},
	}
	f := state.Defaults()
	f.LogScale = true
	cmap := ramp()

	res, err := ComputeRegionColors(f, data, catalog(), cmap)
	if err != nil {
		t.Fatal(err)
	}
	if res.Colors[1] != cmap[33] {
		t.Fatalf("log-scaled 10 in [1, 1000] should be bucket 33, got %q", res.Colors[1])
	}

	data.Statistics["mean"] = atlas.StatSummary{Min: -1, Max: 1000}
	res, err = ComputeRegionColors(f, data, catalog(), cmap)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 1 || !errors.Is(res.Diagnostics[0], ErrLogScaleNonPositive) {
		t.Fatalf("expected a log scale diagnostic, got %v", res.Diagnostics)
	}
	if res.Colors[1] != cmap[1] {
		t.Fatalf("log scale should be skipped, got %q", res.Colors[1])
	}
}

func TestComputeRegionColorsNoData(t *testing.T) {
	_, err := ComputeRegionColors(state.Defaults(), &atlas.FeatureData{}, catalog(), ramp())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestComputeRegionColorsMissingSummary(t *testing.T) {
	data := &atlas.FeatureData{
		Data: map[int]atlas.RegionValues{
			1: values(map[string]*float64{"std": f64(2)}),
			2: values(map[string]*float64{"std": f64(4)}),
		},
	}
	f := state.Defaults()
	f.Stat = "std"
	cmap := ramp()
	res, err := ComputeRegionColors(f, data, catalog(), cmap)
	if err != nil {
		t.Fatal(err)
	}
	if res.Range != (atlas.StatSummary{Min: 2, Max: 4}) {
		t.Fatalf("range = %+v", res.Range)
	}
	if res.Colors[1] != cmap[0] || res.Colors[2] != cmap[99] {
		t.Fatalf("unexpected colors %v", res.Colors)
	}
}

func TestHemisphereOf(t *testing.T) {
	regions := catalog()
	if HemisphereOf(1, regions) != Left || HemisphereOf(6, regions) != Right {
		t.Fatalf("catalog names should decide the hemisphere")
	}
	if HemisphereOf(HemisphereIndexThreshold+1, regions) != Left {
		t.Fatalf("unknown index above the threshold should be left")
	}
	if HemisphereOf(HemisphereIndexThreshold, regions) != Right {
		t.Fatalf("unknown index at the threshold should be right")
	}
}

func TestStylesheet(t *testing.T) {
	res := &Result{Mapping: "allen", Colors: map[int]string{7: "#000000", 2: White}}
	got := Stylesheet(res)
	want := "svg path.allen_region_2 { fill: #ffffff; }\nsvg path.allen_region_7 { fill: #000000; }\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if strings.Contains(Stylesheet(&Result{Mapping: "allen"}), "fill") {
		t.Fatalf("empty result should produce an empty stylesheet")
	}
}

func TestColorbar(t *testing.T) {
	cmap := ramp()
	bar, err := Colorbar(cmap, 0, 100, ColorbarItems)
	if err != nil {
		t.Fatal(err)
	}
	if len(bar) != 50 || bar[0] != cmap[0] || bar[25] != cmap[50] {
		t.Fatalf("unexpected colorbar %q %q", bar[0], bar[25])
	}

	bar, _ = Colorbar(cmap, 50, 100, ColorbarItems)
	if bar[10] != cmap[0] {
		t.Fatalf("values below cmin should use the first swatch")
	}

	if _, err := Colorbar(cmap, 40, 40, ColorbarItems); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestLegendHistogram(t *testing.T) {
	feature := &atlas.Feature{
		Mappings: map[string]*atlas.FeatureData{
			"allen": {
				Data: map[int]atlas.RegionValues{
					1: values(map[string]*float64{"mean": f64(0)}),
					2: values(map[string]*float64{"mean": f64(9.9)}),
				},
				Statistics: map[string]atlas.StatSummary{"mean": {Min: 0, Max: 10}},
			},
		},
	}
	h, err := LegendHistogram(feature, "allen", "mean")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Counts) != DefaultBinCount || h.Counts[0] != 1 || h.Counts[DefaultBinCount-1] != 1 {
		t.Fatalf("unexpected counts %v", h.Counts)
	}

	feature.Histogram = &atlas.GlobalHistogram{Counts: []float64{3, 4}, VMin: -1, VMax: 1}
	h, err = LegendHistogram(feature, "allen", "mean")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(h.Counts, []float64{3, 4}) || h.Min != -1 {
		t.Fatalf("global histogram should win, got %+v", h)
	}
}
