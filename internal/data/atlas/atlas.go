// Package atlas defines the brain atlas data model (regions, features, volumes)
// and the sources they are downloaded from.
package atlas

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned by sources and stores when a resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrShapeMismatch is returned when a volume buffer does not match its declared shape.
	ErrShapeMismatch = errors.New("volume data length does not match shape")
)

// Region is one entry of a mapping's region catalog.
type Region struct {
	Idx     int    `json:"idx"`
	Name    string `json:"name"`
	Acronym string `json:"acronym"`
	AtlasID int    `json:"atlas_id,omitempty"`
}

// IsLeft reports whether the region belongs to the left hemisphere.
// Hemisphere membership is derived from the name only.
func (r Region) IsLeft() bool {
	return strings.Contains(r.Name, "left")
}

// RegionCatalog maps a mapping-local region index to its region.
type RegionCatalog map[int]Region

// Indices returns the catalog keys in ascending order.
func (c RegionCatalog) Indices() []int {
	out := make([]int, 0, len(c))
	for idx := range c {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// UnmarshalJSON accepts an object keyed by index (the region's own "idx"
// wins when present) or a plain array of regions.
func (c *RegionCatalog) UnmarshalJSON(data []byte) error {
	out := make(RegionCatalog)

	var list []Region
	if err := json.Unmarshal(data, &list); err == nil {
		for _, r := range list {
			out[r.Idx] = r
		}
		*c = out
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid region catalog: %w", err)
	}
	for key, msg := range raw {
		var r Region
		if err := json.Unmarshal(msg, &r); err != nil {
			return fmt.Errorf("invalid region %q: %w", key, err)
		}
		if !strings.Contains(string(msg), `"idx"`) {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("invalid region index %q", key)
			}
			r.Idx = idx
		}
		out[r.Idx] = r
	}
	*c = out
	return nil
}

// RegionValues holds the statistics of one region for one feature.
//
// Stats maps a statistic name to its value; a nil pointer means the statistic
// is present but null. Histogram holds the h_0..h_N bin counts and is nil when
// the payload carries none.
type RegionValues struct {
	Stats     map[string]*float64
	Histogram []float64
}

// Stat returns the named statistic and whether it is present and non-null.
func (v RegionValues) Stat(name string) (float64, bool) {
	p, ok := v.Stats[name]
	if !ok || p == nil {
		return 0, false
	}
	return *p, true
}

// HasHistogram reports whether per-bin counts were supplied.
func (v RegionValues) HasHistogram() bool {
	return len(v.Histogram) > 0
}

// StatNames returns the scalar statistic names in lexical order.
func (v RegionValues) StatNames() []string {
	out := make([]string, 0, len(v.Stats))
	for k := range v.Stats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func histogramBin(key string) (int, bool) {
	if !strings.HasPrefix(key, "h_") {
		return 0, false
	}
	n, err := strconv.Atoi(key[2:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// UnmarshalJSON splits h_<i> keys into Histogram; every other numeric or null
// key becomes a statistic. Non-numeric values are ignored.
func (v *RegionValues) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	stats := make(map[string]*float64, len(raw))
	bins := make(map[int]float64)
	maxBin := -1
	for key, msg := range raw {
		var f *float64
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		if bin, ok := histogramBin(key); ok {
			if f != nil {
				bins[bin] = *f
			}
			if bin > maxBin {
				maxBin = bin
			}
			continue
		}
		stats[key] = f
	}

	v.Stats = stats
	v.Histogram = nil
	if maxBin >= 0 {
		v.Histogram = make([]float64, maxBin+1)
		for bin, count := range bins {
			v.Histogram[bin] = count
		}
	}
	return nil
}

// MarshalJSON writes the flat wire form back out.
func (v RegionValues) MarshalJSON() ([]byte, error) {
	out := make(map[string]*float64, len(v.Stats)+len(v.Histogram))
	for k, p := range v.Stats {
		out[k] = p
	}
	for i, count := range v.Histogram {
		c := count
		out["h_"+strconv.Itoa(i)] = &c
	}
	return json.Marshal(out)
}

// StatSummary is the global range of one statistic across all regions.
type StatSummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// FeatureData is the per-mapping payload of one feature.
type FeatureData struct {
	Data       map[int]RegionValues   `json:"data"`
	Statistics map[string]StatSummary `json:"statistics"`
}

// Summary returns the global range for a statistic.
func (f *FeatureData) Summary(stat string) (StatSummary, bool) {
	if f == nil {
		return StatSummary{}, false
	}
	s, ok := f.Statistics[stat]
	return s, ok
}

// GlobalHistogram describes the shared histogram range of a feature.
type GlobalHistogram struct {
	Counts []float64 `json:"counts,omitempty"`
	VMin   float64   `json:"vmin"`
	VMax   float64   `json:"vmax"`
}

// Feature is a named dataset with one FeatureData per mapping.
type Feature struct {
	Name      string                  `json:"fname,omitempty"`
	Mappings  map[string]*FeatureData `json:"mappings"`
	Histogram *GlobalHistogram        `json:"histogram,omitempty"`
}

// ForMapping returns the data of one mapping or nil.
func (f *Feature) ForMapping(mapping string) *FeatureData {
	if f == nil {
		return nil
	}
	return f.Mappings[mapping]
}

// FeaturePayload is the bucket feature endpoint response envelope.
type FeaturePayload struct {
	FeatureData *Feature `json:"feature_data"`
}

// FeatureInfo describes one feature listed in a bucket.
type FeatureInfo struct {
	ShortDesc string `json:"short_desc,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Volume    bool   `json:"volume,omitempty"`
}

// BucketMetadata is the descriptive part of a bucket.
type BucketMetadata struct {
	UUID        string `json:"uuid,omitempty"`
	Alias       string `json:"alias,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Bucket is a named collection of features.
type Bucket struct {
	Metadata BucketMetadata         `json:"metadata"`
	Features map[string]FeatureInfo `json:"features"`
}

// FeatureNames returns the bucket's feature names sorted.
func (b *Bucket) FeatureNames() []string {
	out := make([]string, 0, len(b.Features))
	for name := range b.Features {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// VolumeArray is a raw 3D array of unknown axis order.
type VolumeArray struct {
	Shape        [3]int
	Data         []float32
	FortranOrder bool
	Bounds       [2]float64
}

type volumeWire struct {
	Shape        []int           `json:"shape"`
	Data         json.RawMessage `json:"data"`
	FortranOrder bool            `json:"fortran_order"`
	Bounds       []float64       `json:"bounds"`
}

// UnmarshalJSON decodes {shape, data, fortran_order, bounds}. data is either a
// numeric array or a base64 string of uint8 voxels.
func (a *VolumeArray) UnmarshalJSON(data []byte) error {
	var w volumeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Shape) != 3 {
		return fmt.Errorf("volume shape must have 3 dimensions, got %v", w.Shape)
	}
	n := 1
	for i, d := range w.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid volume dimension %d: %d", i, d)
		}
		a.Shape[i] = d
		n *= d
	}

	var values []float32
	if len(w.Data) > 0 && w.Data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(w.Data, &encoded); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("invalid volume data encoding: %w", err)
		}
		values = make([]float32, len(raw))
		for i, b := range raw {
			values[i] = float32(b)
		}
	} else if err := json.Unmarshal(w.Data, &values); err != nil {
		return fmt.Errorf("invalid volume data: %w", err)
	}
	if len(values) != n {
		return fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(values), w.Shape)
	}

	a.Data = values
	a.FortranOrder = w.FortranOrder
	a.Bounds = [2]float64{}
	if len(w.Bounds) == 2 {
		a.Bounds = [2]float64{w.Bounds[0], w.Bounds[1]}
	}
	return nil
}

// MarshalJSON writes the numeric-array wire form.
func (a VolumeArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Shape        []int      `json:"shape"`
		Data         []float32  `json:"data"`
		FortranOrder bool       `json:"fortran_order"`
		Bounds       [2]float64 `json:"bounds"`
	}{a.Shape[:], a.Data, a.FortranOrder, a.Bounds})
}
