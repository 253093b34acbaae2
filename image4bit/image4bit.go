// Package image4bit provides a packed 4-bit grayscale framebuffer that
// remembers which area changed since it was last flushed.
//
// Pixels are stored two per byte, high nibble left. This is the RAM layout of
// the SSD1322 controller, so a dirty region can be sent to the panel as-is.
package image4bit

import (
	"image"
	"image/color"
)

// Gray4 is a 4-bit grayscale color (0-15). Only the lower 4 bits of Y are
// used.
type Gray4 struct {
	Y uint8
}

// RGBA implements color.Color.
func (c Gray4) RGBA() (r, g, b, a uint32) {
	// 0xF * 0x1111 = 0xFFFF
	y := uint32(c.Y&0x0F) * 0x1111
	return y, y, y, 0xFFFF
}

func toGray4(c color.Color) color.Color {
	if g, ok := c.(Gray4); ok {
		return g
	}
	r, g, b, _ := c.RGBA()
	y := (299*r + 587*g + 114*b + 500) / 1000
	return Gray4{Y: uint8(y >> 12)}
}

// Gray4Model converts colors to Gray4 by luminance.
var Gray4Model = color.ModelFunc(toGray4)

// Frame is a 4-bit grayscale image with dirty-area tracking.
type Frame struct {
	Pix    []byte          // 2 pixels per byte
	Stride int             // Bytes per row
	Rect   image.Rectangle // Image bounds

	dirty image.Rectangle
}

// NewFrame creates a Frame with bounds r. The width of r must be even.
func NewFrame(r image.Rectangle) *Frame {
	w, h := r.Dx(), r.Dy()
	if w%2 != 0 {
		panic("image4bit: width must be even")
	}
	stride := w / 2
	return &Frame{
		Pix:    make([]byte, stride*h),
		Stride: stride,
		Rect:   r,
	}
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model {
	return Gray4Model
}

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle {
	return f.Rect
}

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color {
	return f.Gray4At(x, y)
}

// Gray4At returns the pixel at (x, y), or black outside the bounds.
func (f *Frame) Gray4At(x, y int) Gray4 {
	if !(image.Point{X: x, Y: y}.In(f.Rect)) {
		return Gray4{}
	}
	offset, shift := f.pixOffset(x, y)
	return Gray4{Y: (f.Pix[offset] >> shift) & 0x0F}
}

// Set implements draw.Image.
func (f *Frame) Set(x, y int, c color.Color) {
	f.SetGray4(x, y, Gray4Model.Convert(c).(Gray4))
}

// SetGray4 sets the pixel at (x, y). Writing the value already stored does
// not mark the pixel dirty.
func (f *Frame) SetGray4(x, y int, c Gray4) {
	p := image.Point{X: x, Y: y}
	if !p.In(f.Rect) {
		return
	}
	offset, shift := f.pixOffset(x, y)
	b := (f.Pix[offset] &^ (0x0F << shift)) | ((c.Y & 0x0F) << shift)
	if b == f.Pix[offset] {
		return
	}
	f.Pix[offset] = b
	f.dirty = f.dirty.Union(image.Rectangle{Min: p, Max: p.Add(image.Pt(1, 1))})
}

// Dirty returns the area changed since the last MarkClean, widened to whole
// bytes. It is empty when nothing changed.
func (f *Frame) Dirty() image.Rectangle {
	if f.dirty.Empty() {
		return image.Rectangle{}
	}
	d := f.dirty
	if (d.Min.X-f.Rect.Min.X)%2 != 0 {
		d.Min.X--
	}
	if (d.Max.X-f.Rect.Min.X)%2 != 0 {
		d.Max.X++
	}
	return d
}

// MarkClean forgets the dirty area, after it was sent to the panel.
func (f *Frame) MarkClean() {
	f.dirty = image.Rectangle{}
}

// MarkAll marks the whole frame dirty.
func (f *Frame) MarkAll() {
	f.dirty = f.Rect
}

// Region returns a packed copy of r, which must be byte aligned and inside
// the bounds (as returned by Dirty).
func (f *Frame) Region(r image.Rectangle) []byte {
	byteWidth := r.Dx() / 2
	out := make([]byte, 0, byteWidth*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		start, _ := f.pixOffset(r.Min.X, y)
		out = append(out, f.Pix[start:start+byteWidth]...)
	}
	return out
}

// pixOffset returns the byte offset and bit shift of (x, y). Even columns
// (relative to Rect.Min) use the high nibble.
func (f *Frame) pixOffset(x, y int) (offset int, shift uint) {
	dx := x - f.Rect.Min.X
	offset = (y-f.Rect.Min.Y)*f.Stride + dx/2
	shift = uint(4 * (1 - (dx & 1)))
	return
}
