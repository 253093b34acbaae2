package ssd1322

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/flavioheleno/voltscope/image4bit"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ramWidth is the number of pixel columns of the controller's RAM. Column
// addresses count groups of 4 pixels.
const ramWidth = 480

// Opts is the configuration for the SSD1322 display.
type Opts struct {
	// Display dimensions in pixels
	W int // Width (default: 256, must be a multiple of 4 and ≤480)
	H int // Height (default: 64, must be ≤128)

	// Rotation and mirroring
	Rotated       bool // 180° rotation
	Sequential    bool // Sequential COM pin configuration
	SwapTopBottom bool // Swap top/bottom display halves

	// Optional hardware reset pin
	RST gpio.PinIO // Reset pin (optional, nil if not used)
}

// Dev is the device handle for the SSD1322 display.
//
// Pixels set through Set or Draw land in a local frame; Flush sends the
// smallest rectangle covering the changes to the panel.
type Dev struct {
	// Communication
	c   conn.Conn   // SPI connection
	dc  gpio.PinOut // Data/Command pin
	rst gpio.PinIO  // Reset pin (optional)

	// Display geometry
	rect         image.Rectangle
	columnOffset int // Pixels, centers the panel in the 480-column RAM

	frame *image4bit.Frame

	halted bool
}

var _ display.Drawer = (*Dev)(nil)
var _ draw.Image = (*Dev)(nil)

func validate(opts *Opts) error {
	if opts.W <= 0 || opts.W%4 != 0 || opts.W > ramWidth {
		return errors.New("ssd1322: width must be a multiple of 4 between 4 and 480")
	}
	if opts.H <= 0 || opts.H > 128 {
		return errors.New("ssd1322: height must be between 1 and 128")
	}
	return nil
}

// NewSPI creates a new SSD1322 device connected via SPI.
//
// The SPI port is configured for 10MHz, Mode0 (CPOL=0, CPHA=0), 8-bit transfers.
// The dc (Data/Command) GPIO pin must be provided and configured as an output.
//
// opts can be nil to use defaults (256x64 display).
func NewSPI(p spi.Port, dc gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &Opts{W: 256, H: 64}
	}
	if err := validate(opts); err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("ssd1322: dc pin is required")
	}

	// Mode0 at 10MHz is conservative, the controller accepts up to 20MHz.
	c, err := p.Connect(10*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("ssd1322: failed to connect: %w", err)
	}

	d := newDev(c, dc, opts)
	if err := d.init(opts); err != nil {
		return nil, err
	}
	return d, nil
}

func newDev(c conn.Conn, dc gpio.PinOut, opts *Opts) *Dev {
	rect := image.Rect(0, 0, opts.W, opts.H)
	return &Dev{
		c:            c,
		dc:           dc,
		rst:          opts.RST,
		rect:         rect,
		columnOffset: 4 * ((ramWidth/4 - opts.W/4) / 2),
		frame:        image4bit.NewFrame(rect),
	}
}

// init sends the initialization sequence to the display.
func (d *Dev) init(opts *Opts) error {
	if d.rst != nil {
		if err := d.rst.Out(gpio.Low); err != nil {
			return fmt.Errorf("ssd1322: failed to pull RST low: %w", err)
		}
		time.Sleep(200 * time.Millisecond)

		if err := d.rst.Out(gpio.High); err != nil {
			return fmt.Errorf("ssd1322: failed to pull RST high: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	cmds := []byte{
		0xFD, 0x12, // Unlock command codes
		0xAE,       // Display OFF
		0xB3, 0xF2, // Clock divider and oscillator frequency
		0xCA, byte(opts.H - 1), // MUX ratio
		0xA2, 0x00, // Display offset
		0xA1, 0x00, // Start line
	}

	remap1, remap2 := byte(0x14), byte(0x11)
	if opts.Rotated {
		remap1 = 0x06
	}
	if opts.Sequential {
		remap2 |= 0x01
	}
	if opts.SwapTopBottom {
		remap2 |= 0x02
	}

	cmds = append(cmds,
		0xA0, remap1, remap2, // Remap and dual COM mode
		0xAB, 0x01, // Function selection (enable internal VDD)
		0xB4, 0xA0, 0xFD, // VSL (display enhancement)
		0xC1, 0xFF, // Contrast (max)
		0xC7, 0x0F, // Master contrast
		0xB9,       // Use default grayscale table
		0xB1, 0xE2, // Phase length
		0xD1, 0x82, 0x20, // Display enhancements
		0xBB, 0x1F, // Pre-charge voltage
		0xB6, 0x08, // Second pre-charge period
		0xBE, 0x07, // VCOMH voltage
		0xA6, // Normal display mode
		0xA9, // Exit partial display mode
	)

	if err := d.sendCommands(cmds); err != nil {
		return err
	}

	// The trace is drawn incrementally on top of whatever the RAM holds, so
	// it must start out black.
	d.frame.MarkAll()
	if err := d.flush(); err != nil {
		return err
	}

	return d.sendCommand(0xAF) // Display ON
}

// sendCommand sends a single command byte.
func (d *Dev) sendCommand(cmd byte) error {
	return d.sendCommands([]byte{cmd})
}

// sendCommands sends a slice of command bytes.
func (d *Dev) sendCommands(cmds []byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return fmt.Errorf("ssd1322: failed to set DC: %w", err)
	}
	return d.c.Tx(cmds, nil)
}

// sendData sends a slice of data bytes.
func (d *Dev) sendData(data []byte) error {
	if err := d.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("ssd1322: failed to set DC: %w", err)
	}
	return d.c.Tx(data, nil)
}

// writeRect writes packed pixels to r, whose horizontal edges must be
// multiples of 4.
func (d *Dev) writeRect(r image.Rectangle, pixels []byte) error {
	colStart := byte((r.Min.X + d.columnOffset) / 4)
	colEnd := byte((r.Max.X - 1 + d.columnOffset) / 4)

	commands := []byte{
		0x15, colStart, colEnd, // Column address
		0x75, byte(r.Min.Y), byte(r.Max.Y - 1), // Row address
		0x5C, // Enable write to RAM
	}
	if err := d.sendCommands(commands); err != nil {
		return err
	}
	return d.sendData(pixels)
}

// ColorModel returns the color model of the display.
func (d *Dev) ColorModel() color.Model {
	return image4bit.Gray4Model
}

// Bounds returns the image bounds of the display.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// At returns the pixel last set at (x, y), flushed or not.
func (d *Dev) At(x, y int) color.Color {
	return d.frame.At(x, y)
}

// Set sets a pixel in the local frame. It reaches the panel on Flush.
func (d *Dev) Set(x, y int, c color.Color) {
	d.frame.Set(x, y, c)
}

// Flush sends the pixels changed since the previous Flush.
func (d *Dev) Flush() error {
	if d.halted {
		return errors.New("ssd1322: halted")
	}
	return d.flush()
}

func (d *Dev) flush() error {
	r := d.frame.Dirty()
	if r.Empty() {
		return nil
	}
	// Column addresses cover 4 pixels.
	r.Min.X &^= 3
	r.Max.X = (r.Max.X + 3) &^ 3
	r = r.Intersect(d.rect)

	if err := d.writeRect(r, d.frame.Region(r)); err != nil {
		return err
	}
	d.frame.MarkClean()
	return nil
}

// Draw draws src onto the display and flushes the changes.
// The dst rectangle specifies the destination region on the display.
func (d *Dev) Draw(dst image.Rectangle, src image.Image, sp image.Point) error {
	if d.halted {
		return errors.New("ssd1322: halted")
	}
	dst = dst.Intersect(d.rect)
	if dst.Empty() {
		return nil
	}
	draw.Draw(d.frame, dst, src, sp, draw.Src)
	return d.flush()
}

// SetContrast sets the display contrast (0-255).
func (d *Dev) SetContrast(contrast byte) error {
	if d.halted {
		return errors.New("ssd1322: halted")
	}
	return d.sendCommands([]byte{0xC1, contrast})
}

// Halt powers off the display.
// After calling Halt, the display will not respond to further commands
// until the device is re-initialized.
func (d *Dev) Halt() error {
	d.halted = true
	return d.sendCommand(0xAE) // Display OFF
}

// String returns a string representation of the device.
func (d *Dev) String() string {
	return fmt.Sprintf("ssd1322.Dev{%dx%d}", d.rect.Dx(), d.rect.Dy())
}
