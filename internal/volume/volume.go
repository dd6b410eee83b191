// Package volume maps raw 3D feature arrays onto the canonical atlas axes and
// rasterizes their slices.
package volume

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/pkg/colormap"
)

// MaxDeviation is the largest distance from an integer a per-axis ratio may
// have for a permutation to be accepted.
const MaxDeviation = 0.25

// DisplayScale converts a 0..100 slider percentage to the 0..255 voxel range.
const DisplayScale = 2.55

var (
	ErrNoFit        = errors.New("no axis permutation fits the canonical sizes")
	ErrInvalidRange = errors.New("empty or inverted display range")
	ErrOutOfBounds  = errors.New("slice index out of bounds")
)

// Sizes holds one size per canonical axis (coronal, horizontal, sagittal).
type Sizes [3]int

// DefaultCanonical is the voxel size of the reference volume.
var DefaultCanonical = Sizes{528, 320, 456}

// SliderSizes are the slider maxima the UI positions are expressed in.
var SliderSizes = Sizes{atlas.Coronal.Max(), atlas.Horizontal.Max(), atlas.Sagittal.Max()}

// permutations lists every assignment of raw dimensions to canonical axes,
// identity first.
var permutations = [6][3]int{
	{0, 1, 2},
	{0, 2, 1},
	{1, 0, 2},
	{1, 2, 0},
	{2, 0, 1},
	{2, 1, 0},
}

// Mapping is a resolved axis assignment. Perm[d] is the raw dimension that
// holds canonical axis d; Factors[d] is canonical/raw along that axis.
type Mapping struct {
	Perm       [3]int
	Factors    [3]float64
	TotalError float64
	MaxError   float64
}

// IsIdentity reports whether the raw order already is the canonical one.
func (m Mapping) IsIdentity() bool {
	return m.Perm == [3]int{0, 1, 2}
}

func score(shape [3]int, canonical Sizes, perm [3]int) (Mapping, bool) {
	m := Mapping{Perm: perm}
	for d := 0; d < 3; d++ {
		ratio := float64(canonical[d]) / float64(shape[perm[d]])
		if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
			return m, false
		}
		dev := math.Abs(ratio - math.Round(ratio))
		m.Factors[d] = ratio
		m.TotalError += dev
		m.MaxError = math.Max(m.MaxError, dev)
	}
	return m, true
}

// ResolveAxisMapping picks the permutation of shape whose canonical/raw
// ratios are closest to integers: minimum total deviation, then minimum max
// deviation, then enumeration order. When no permutation stays within
// MaxDeviation the identity is returned along with ErrNoFit, which callers
// treat as a warning.
func ResolveAxisMapping(shape [3]int, canonical Sizes) (Mapping, error) {
	var best Mapping
	found := false
	for _, perm := range permutations {
		m, ok := score(shape, canonical, perm)
		if !ok || m.MaxError > MaxDeviation {
			continue
		}
		if !found || m.TotalError < best.TotalError ||
			(m.TotalError == best.TotalError && m.MaxError < best.MaxError) {
			best, found = m, true
		}
	}
	if found {
		return best, nil
	}

	identity := Mapping{Perm: permutations[0]}
	for d := 0; d < 3; d++ {
		if shape[d] > 0 {
			identity.Factors[d] = float64(canonical[d]) / float64(shape[d])
		} else {
			identity.Factors[d] = 1
		}
	}
	return identity, fmt.Errorf("%w: shape %v, canonical %v", ErrNoFit, shape, canonical)
}

// Resolver addresses a raw volume in canonical axis space.
type Resolver struct {
	Shape        [3]int
	FortranOrder bool
	Canonical    Sizes
	Mapping      Mapping
	// Warning is set when the mapping fell back to identity.
	Warning error
	Bounds  [2]float64

	data []float32
}

// NewResolver resolves the axis mapping of a volume.
func NewResolver(arr *atlas.VolumeArray, canonical Sizes) *Resolver {
	m, warn := ResolveAxisMapping(arr.Shape, canonical)
	return &Resolver{
		Shape:        arr.Shape,
		FortranOrder: arr.FortranOrder,
		Canonical:    canonical,
		Mapping:      m,
		Warning:      warn,
		Bounds:       arr.Bounds,
		data:         arr.Data,
	}
}

// RawSize returns the raw extent of a canonical dimension.
func (r *Resolver) RawSize(dim int) int {
	return r.Shape[r.Mapping.Perm[dim]]
}

// Offset returns the linear buffer offset of canonical coordinates (c0, c1, c2).
func (r *Resolver) Offset(c0, c1, c2 int) int {
	var raw [3]int
	raw[r.Mapping.Perm[0]] = c0
	raw[r.Mapping.Perm[1]] = c1
	raw[r.Mapping.Perm[2]] = c2
	if r.FortranOrder {
		return raw[0] + r.Shape[0]*(raw[1]+r.Shape[1]*raw[2])
	}
	return (raw[0]*r.Shape[1]+raw[1])*r.Shape[2] + raw[2]
}

// At returns the voxel at canonical coordinates.
func (r *Resolver) At(c0, c1, c2 int) float32 {
	return r.data[r.Offset(c0, c1, c2)]
}

// SliceIndexFor maps a slider position to a raw slice index along axis,
// clamped to the raw range.
func (r *Resolver) SliceIndexFor(axis atlas.Axis, idx int) (int, error) {
	dim := axis.Dim()
	if dim < 0 {
		return 0, fmt.Errorf("axis %s has no volume slices", axis)
	}
	canonicalIdx := float64(idx) * float64(r.Canonical[dim]) / float64(SliderSizes[dim])
	raw := int(math.Floor(canonicalIdx / r.Mapping.Factors[dim]))
	return max(0, min(raw, r.RawSize(dim)-1)), nil
}

// inPlane returns the canonical (row, column) dimensions of an axis' slices.
func inPlane(axis atlas.Axis) (rows, cols int) {
	switch axis {
	case atlas.Coronal:
		return atlas.Horizontal.Dim(), atlas.Sagittal.Dim()
	case atlas.Horizontal:
		return atlas.Coronal.Dim(), atlas.Sagittal.Dim()
	default:
		return atlas.Horizontal.Dim(), atlas.Coronal.Dim()
	}
}

// DisplayRange converts slider percentages into the voxel value range.
func DisplayRange(cmin, cmax int) (float64, float64) {
	return float64(cmin) * DisplayScale, float64(cmax) * DisplayScale
}

// RasterizeSlice paints one raw slice with the colormap. Values are
// normalized into [rangeMin, rangeMax) and clamped to [0, .9999] before
// the swatch lookup. Every pixel is opaque.
func (r *Resolver) RasterizeSlice(axis atlas.Axis, rawIndex int, cmap colormap.Swatches, rangeMin, rangeMax float64) (*image.RGBA, error) {
	dim := axis.Dim()
	if dim < 0 {
		return nil, fmt.Errorf("axis %s has no volume slices", axis)
	}
	if !(rangeMin < rangeMax) {
		return nil, fmt.Errorf("%w: [%g, %g]", ErrInvalidRange, rangeMin, rangeMax)
	}
	if rawIndex < 0 || rawIndex >= r.RawSize(dim) {
		return nil, fmt.Errorf("%w: %s %d", ErrOutOfBounds, axis, rawIndex)
	}
	if len(cmap) == 0 {
		return nil, fmt.Errorf("empty colormap")
	}

	palette := make([]color.RGBA, len(cmap))
	for i, h := range cmap {
		palette[i], _ = colormap.ParseHex(h)
	}

	rowDim, colDim := inPlane(axis)
	height, width := r.RawSize(rowDim), r.RawSize(colDim)
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	var c [3]int
	c[dim] = rawIndex
	n := float64(len(palette))
	for y := 0; y < height; y++ {
		c[rowDim] = y
		for x := 0; x < width; x++ {
			c[colDim] = x
			v := (float64(r.At(c[0], c[1], c[2])) - rangeMin) / (rangeMax - rangeMin)
			if math.IsNaN(v) {
				v = 0
			}
			v = math.Max(0, math.Min(0.9999, v))
			p := palette[int(math.Floor(v*n))]
			i := img.PixOffset(x, y)
			img.Pix[i+0] = p.R
			img.Pix[i+1] = p.G
			img.Pix[i+2] = p.B
			img.Pix[i+3] = 255
		}
	}
	return img, nil
}
