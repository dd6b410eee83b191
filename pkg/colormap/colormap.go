// Package colormap provides color schemes for visualization.
package colormap

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Size is the number of discrete swatches a region colormap carries.
const Size = 100

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.colors)-1)
	return interpolate(c.colors[lower], c.colors[upper], idx-float64(lower))
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Swatches samples the colormap into n evenly spaced hex colors.
func (c LinearColormap) Swatches(n int) Swatches {
	out := make(Swatches, n)
	for i := range out {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		out[i] = Hex(c.At(t))
	}
	return out
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Swatches is a discrete colormap as stored by the atlas: an ordered list of
// "#rrggbb" strings indexed by normalized bucket.
type Swatches []string

// Hex returns the swatch at index i clamped into range, or "" when empty.
func (s Swatches) Hex(i int) string {
	if len(s) == 0 {
		return ""
	}
	return s[max(0, min(i, len(s)-1))]
}

// At returns the swatch color at position t (0-1), clamped.
func (s Swatches) At(t float64) color.Color {
	if len(s) == 0 {
		return color.RGBA{A: 255}
	}
	c, _ := ParseHex(s.Hex(int(t * float64(len(s)))))
	return c
}

// AtIndex returns the swatch color at index i (wraps around).
func (s Swatches) AtIndex(i int) color.Color {
	if len(s) == 0 {
		return color.RGBA{A: 255}
	}
	c, _ := ParseHex(s[i%len(s)])
	return c
}

// Validate checks every swatch parses.
func (s Swatches) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("empty colormap")
	}
	for i, h := range s {
		if _, err := ParseHex(h); err != nil {
			return fmt.Errorf("swatch %d: %w", i, err)
		}
	}
	return nil
}

// ParseHex parses "#rgb" or "#rrggbb".
func ParseHex(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.RGBA{A: 255}, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{A: 255}, fmt.Errorf("invalid hex color %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Hex formats a color as "#rrggbb".
func Hex(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
}

// Builtins are the fallback colormaps used when the atlas store has none.
var Builtins = map[string]LinearColormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
}

// Builtin returns a fallback colormap sampled to Size swatches.
func Builtin(name string) (Swatches, bool) {
	c, ok := Builtins[name]
	if !ok {
		return nil, false
	}
	return c.Swatches(Size), true
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Set1 is the categorical palette for overlaid distribution series.
var Set1 = Swatches{"#e41a1c", "#377eb8", "#4daf4a", "#984ea3", "#ff7f00"}
