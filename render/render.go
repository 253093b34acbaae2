// Package render draws the strip chart one column at a time, touching only
// the pixels that differ from what the column showed on the previous cycle.
//
// Repainting every column costs O(W·H) per cycle. Since the trace scrolls
// by one column per cycle, each x position only needs the rows between its
// previous and its new height, and nothing at all when they are equal.
package render

import (
	"errors"
	"image"
	"image/color"
	"iter"

	"github.com/flavioheleno/voltscope/history"
	"github.com/flavioheleno/voltscope/sampler"
)

// Canvas is the pixel-set primitive. Every draw.Image is a Canvas.
type Canvas interface {
	Set(x, y int, c color.Color)
}

// Palette holds the colours of the trace.
type Palette struct {
	Background color.Color
	Low        color.Color // Columns sampled on the LOW range
	High       color.Color // Columns sampled on the HIGH range
	Clip       color.Color // Top row of a full-scale column
}

// DefaultPalette is black background, green LOW, orange HIGH and red clip.
var DefaultPalette = Palette{
	Background: color.RGBA{A: 0xff},
	Low:        color.RGBA{G: 0xff, A: 0xff},
	High:       color.RGBA{R: 0xff, G: 0xa5, A: 0xff},
	Clip:       color.RGBA{R: 0xff, A: 0xff},
}

func (p Palette) of(r sampler.Range) color.Color {
	if r == sampler.High {
		return p.High
	}
	return p.Low
}

// Opts is the configuration for the Renderer.
type Opts struct {
	H       int         // Trace height in pixels
	Origin  image.Point // Canvas position of the trace's top-left pixel
	Palette *Palette    // nil uses DefaultPalette
}

// Renderer applies column diffs to a Canvas.
type Renderer struct {
	c       Canvas
	h       int
	origin  image.Point
	palette Palette

	writes uint64
}

// New creates a Renderer drawing on c.
func New(c Canvas, opts Opts) (*Renderer, error) {
	if c == nil {
		return nil, errors.New("render: canvas is required")
	}
	if opts.H <= 0 {
		return nil, errors.New("render: height must be positive")
	}
	p := DefaultPalette
	if opts.Palette != nil {
		p = *opts.Palette
	}
	return &Renderer{c: c, h: opts.H, origin: opts.Origin, palette: p}, nil
}

// Writes returns the number of pixels set since the Renderer was created.
func (r *Renderer) Writes() uint64 {
	return r.writes
}

func (r *Renderer) set(x, y int, c color.Color) {
	r.c.Set(r.origin.X+x, r.origin.Y+y, c)
	r.writes++
}

// RedrawColumn updates column x from showing old to showing cur.
func (r *Renderer) RedrawColumn(x int, cur, old history.Record) {
	if cur.Height == old.Height {
		return
	}

	h := r.h
	switch {
	case cur.Range != old.Range:
		// The colour changes, so the whole column is repainted.
		c := r.palette.of(cur.Range)
		y := h - 1
		for ; y >= h-cur.Height; y-- {
			r.set(x, y, c)
		}
		for ; y > 0; y-- {
			r.set(x, y, r.palette.Background)
		}
	case cur.Height < old.Height:
		for y := h - old.Height; y < h-cur.Height; y++ {
			r.set(x, y, r.palette.Background)
		}
	default:
		c := r.palette.of(cur.Range)
		for y := h - cur.Height; y < h-old.Height; y++ {
			r.set(x, y, c)
		}
	}

	if cur.Height == h {
		r.set(x, 0, r.palette.Clip)
	} else {
		r.set(x, 0, r.palette.Background)
	}
}

// RedrawRange redraws every column yielded by cols.
func (r *Renderer) RedrawRange(cols iter.Seq[history.Column]) {
	for c := range cols {
		r.RedrawColumn(c.X, c.New, c.Old)
	}
}
