// Package readout shows the latest voltage as text.
package readout

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
)

// Writer is the textual readout primitive. Writes are best effort.
type Writer interface {
	WriteText(s string) error
}

const step = 10 * physic.MilliVolt

// Format renders v with 10mV resolution as "X.YY [V]".
func Format(v physic.ElectricPotential) string {
	if v < 0 {
		v = 0
	}
	n := int64(v / step)
	return fmt.Sprintf("%d.%02d [V]", n/100, n%100)
}

// Log writes readouts to a logger at debug level.
type Log struct {
	Logger zerolog.Logger
}

// WriteText implements Writer.
func (l Log) WriteText(s string) error {
	l.Logger.Debug().Str("readout", s).Msg("voltage")
	return nil
}

// PanelOpts configures a Panel.
type PanelOpts struct {
	Font       tinyfont.Fonter // default: TomThumb
	Foreground color.RGBA      // default: white
	Background color.RGBA      // default: black
}

// Panel draws a single line of text into a rectangle of an image, typically
// the display rows left free below the trace.
type Panel struct {
	dst  draw.Image
	rect image.Rectangle
	font tinyfont.Fonter
	fg   color.RGBA
	bg   color.RGBA
	last string
}

var _ drivers.Displayer = (*Panel)(nil)

// NewPanel creates a Panel drawing into rect of dst.
func NewPanel(dst draw.Image, rect image.Rectangle, opts *PanelOpts) (*Panel, error) {
	if dst == nil {
		return nil, errors.New("readout: destination is required")
	}
	rect = rect.Intersect(dst.Bounds())
	if rect.Empty() {
		return nil, errors.New("readout: panel lies outside the destination")
	}
	p := &Panel{
		dst:  dst,
		rect: rect,
		font: &tinyfont.TomThumb,
		fg:   color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		bg:   color.RGBA{A: 0xff},
	}
	if opts != nil {
		if opts.Font != nil {
			p.font = opts.Font
		}
		if opts.Foreground != (color.RGBA{}) {
			p.fg = opts.Foreground
		}
		if opts.Background != (color.RGBA{}) {
			p.bg = opts.Background
		}
	}
	return p, nil
}

// Size implements drivers.Displayer.
func (p *Panel) Size() (x, y int16) {
	return int16(p.rect.Dx()), int16(p.rect.Dy())
}

// SetPixel implements drivers.Displayer. Coordinates are panel relative.
func (p *Panel) SetPixel(x, y int16, c color.RGBA) {
	pt := image.Pt(int(x), int(y)).Add(p.rect.Min)
	if !pt.In(p.rect) {
		return
	}
	p.dst.Set(pt.X, pt.Y, c)
}

// Display implements drivers.Displayer. The destination is flushed by its
// owner together with the trace.
func (p *Panel) Display() error {
	return nil
}

// WriteText implements Writer. Repeating the current text draws nothing.
func (p *Panel) WriteText(s string) error {
	if s == p.last {
		return nil
	}
	draw.Draw(p.dst, p.rect, image.NewUniform(p.bg), image.Point{}, draw.Src)
	// y is the text baseline.
	tinyfont.WriteLine(p, p.font, 1, int16(p.rect.Dy()-1), s, p.fg)
	p.last = s
	return nil
}
