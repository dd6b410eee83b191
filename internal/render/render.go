// Package render draws PNG images using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/ephys-atlas/server/internal/distribution"
	"github.com/ephys-atlas/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	ColorbarWidth  int
	ColorbarHeight int
	PlotWidth      int
	PlotHeight     int
}

// Renderer renders colorbars, distribution plots and volume slices.
type Renderer struct {
	config       Config
	colorbarPool sync.Pool
	bufferPool   sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	return &Renderer{
		config: cfg,
		colorbarPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.ColorbarWidth, cfg.ColorbarHeight)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Config returns the renderer configuration.
func (r *Renderer) Config() Config {
	return r.config
}

// EncodePNG encodes an image with the fast PNG encoder.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// RenderColorbar draws the legend swatches left to right.
func (r *Renderer) RenderColorbar(swatches []string) ([]byte, error) {
	dc := r.colorbarPool.Get().(*gg.Context)
	defer r.colorbarPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()
	if len(swatches) == 0 {
		return r.EncodePNG(dc.Image())
	}

	w := float64(r.config.ColorbarWidth) / float64(len(swatches))
	h := float64(r.config.ColorbarHeight)
	for i, hex := range swatches {
		c, err := colormap.ParseHex(hex)
		if err != nil {
			return nil, fmt.Errorf("colorbar swatch %d: %w", i, err)
		}
		dc.SetColor(c)
		// Overlap by one pixel so rounding leaves no seams.
		dc.DrawRectangle(float64(i)*w, 0, w+1, h)
		dc.Fill()
	}
	return r.EncodePNG(dc.Image())
}

const (
	marginTop    = 16
	marginRight  = 16
	marginBottom = 40
	marginLeft   = 50
)

// RenderDistribution draws one violin per series over the shared value axis.
func (r *Renderer) RenderDistribution(view *distribution.View) ([]byte, error) {
	width, height := r.config.PlotWidth, r.config.PlotHeight
	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()
	if view == nil || len(view.Series) == 0 {
		return r.EncodePNG(dc.Image())
	}

	innerW := float64(width - marginLeft - marginRight)
	innerH := float64(height - marginTop - marginBottom)
	y := func(v float64) float64 {
		t := (v - view.Min) / (view.Max - view.Min)
		return marginTop + innerH*(1-t)
	}

	// Axes.
	dc.SetRGB(0.2, 0.2, 0.2)
	dc.SetLineWidth(1)
	dc.DrawLine(marginLeft, marginTop, marginLeft, marginTop+innerH)
	dc.DrawLine(marginLeft, marginTop+innerH, marginLeft+innerW, marginTop+innerH)
	dc.Stroke()
	for i := 0; i <= 4; i++ {
		v := view.Min + float64(i)*(view.Max-view.Min)/4
		dc.DrawStringAnchored(formatTick(v), marginLeft-4, y(v), 1, 0.5)
	}

	band := innerW / float64(len(view.Series))
	maxDensity := view.MaxDensity()
	if maxDensity <= 0 {
		maxDensity = 1
	}
	halfWidth := band * 0.75 / 2

	for i, s := range view.Series {
		center := marginLeft + band*(float64(i)+0.5)
		c, err := colormap.ParseHex(s.Color)
		if err != nil {
			return nil, fmt.Errorf("series %d color: %w", s.Region, err)
		}

		for j, d := range s.Density {
			px := center + halfWidth*d/maxDensity
			if j == 0 {
				dc.MoveTo(px, y(view.BinCenters[j]))
			} else {
				dc.LineTo(px, y(view.BinCenters[j]))
			}
		}
		for j := len(s.Density) - 1; j >= 0; j-- {
			dc.LineTo(center-halfWidth*s.Density[j]/maxDensity, y(view.BinCenters[j]))
		}
		dc.ClosePath()
		dc.SetRGBA255(int(c.R), int(c.G), int(c.B), 160)
		dc.FillPreserve()
		dc.SetRGBA255(int(c.R), int(c.G), int(c.B), 255)
		dc.Stroke()

		dc.SetRGB(0.2, 0.2, 0.2)
		dc.DrawStringAnchored(s.Acronym, center, marginTop+innerH+14, 0.5, 0.5)
	}
	return r.EncodePNG(dc.Image())
}

func formatTick(v float64) string {
	if v != 0 && math.Abs(v) < 0.001 {
		return fmt.Sprintf("%.2e", v)
	}
	return fmt.Sprintf("%.3g", v)
}

// EmptyImage creates a transparent image of the given size.
func (r *Renderer) EmptyImage(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
		img.Pix[i+1] = 255
		img.Pix[i+2] = 255
		img.Pix[i+3] = 0
	}
	return r.EncodePNG(img)
}
