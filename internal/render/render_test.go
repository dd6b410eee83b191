package render

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/ephys-atlas/server/internal/distribution"
)

func testRenderer() *Renderer {
	return NewRenderer(Config{ColorbarWidth: 100, ColorbarHeight: 10, PlotWidth: 300, PlotHeight: 200})
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("invalid png: %v", err)
	}
	return img
}

func TestRenderColorbar(t *testing.T) {
	r := testRenderer()
	data, err := r.RenderColorbar([]string{"#ff0000", "#0000ff"})
	if err != nil {
		t.Fatal(err)
	}
	img := decode(t, data)
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 10 {
		t.Fatalf("bounds = %v", b)
	}
	if r, _, b, _ := img.At(10, 5).RGBA(); r>>8 != 255 || b>>8 != 0 {
		t.Fatalf("left half should be red")
	}
	if r, _, b, _ := img.At(90, 5).RGBA(); r>>8 != 0 || b>>8 != 255 {
		t.Fatalf("right half should be blue")
	}

	if _, err := r.RenderColorbar([]string{"nope"}); err == nil {
		t.Fatalf("expected an error for an invalid swatch")
	}
}

func TestRenderDistribution(t *testing.T) {
	r := testRenderer()
	view := &distribution.View{
		Min:        0,
		Max:        1,
		BinCenters: []float64{0.25, 0.75},
		Series: []distribution.Series{
			{Region: 1, Acronym: "CA1", Color: "#e41a1c", Density: []float64{0.2, 0.8}},
		},
	}
	data, err := r.RenderDistribution(view)
	if err != nil {
		t.Fatal(err)
	}
	if b := decode(t, data).Bounds(); b.Dx() != 300 || b.Dy() != 200 {
		t.Fatalf("bounds = %v", b)
	}

	if _, err := r.RenderDistribution(nil); err != nil {
		t.Fatalf("empty view should render a blank plot: %v", err)
	}
}

func TestEmptyImage(t *testing.T) {
	r := testRenderer()
	data, err := r.EmptyImage(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, a := decode(t, data).At(0, 0).RGBA(); a != 0 {
		t.Fatalf("expected a transparent pixel")
	}
}
