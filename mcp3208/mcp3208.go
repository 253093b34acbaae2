// Package mcp3208 reads a Microchip MCP3208 12-bit ADC over SPI as a
// dual-range sampler.Converter.
//
// The reference range is switched by an external GPIO driving the front-end
// divider: High selects the full span, Low the narrow one. After every switch
// the next conversion waits for the front end to settle.
//
// # Datasheet
//
// https://ww1.microchip.com/downloads/en/DeviceDoc/21298e.pdf
package mcp3208

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flavioheleno/voltscope/sampler"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// MaxCode is the largest code the converter returns.
const MaxCode = 4095

// Opts is the configuration for the MCP3208.
type Opts struct {
	Channel int           // Single-ended input, 0-7
	Settle  time.Duration // Wait after a range switch (default: 1ms)
}

// Dev is a handle to an MCP3208 with its range-select line.
type Dev struct {
	c       conn.Conn
	sel     gpio.PinOut
	channel int
	settle  time.Duration

	rng     sampler.Range
	pending bool // range switched, next read waits for settling
	halted  bool
}

var _ sampler.Converter = (*Dev)(nil)

// NewSPI connects to an MCP3208 on p. sel drives the range select line.
//
// The SPI port is configured for 1MHz, Mode0, which the chip supports down
// to 2.7V supply.
func NewSPI(p spi.Port, sel gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Channel < 0 || opts.Channel > 7 {
		return nil, fmt.Errorf("mcp3208: invalid channel %d", opts.Channel)
	}
	if sel == nil {
		return nil, errors.New("mcp3208: range select pin is required")
	}
	c, err := p.Connect(1*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("mcp3208: failed to connect: %w", err)
	}
	d := newDev(c, sel, opts)
	if err := d.SelectRange(sampler.High); err != nil {
		return nil, err
	}
	return d, nil
}

func newDev(c conn.Conn, sel gpio.PinOut, opts *Opts) *Dev {
	settle := opts.Settle
	if settle == 0 {
		settle = time.Millisecond
	}
	return &Dev{
		c:       c,
		sel:     sel,
		channel: opts.Channel,
		settle:  settle,
		rng:     sampler.High,
		pending: true,
	}
}

// SelectRange implements sampler.Converter.
func (d *Dev) SelectRange(r sampler.Range) error {
	if d.halted {
		return errors.New("mcp3208: halted")
	}
	l := gpio.Low
	if r == sampler.High {
		l = gpio.High
	}
	if err := d.sel.Out(l); err != nil {
		return fmt.Errorf("mcp3208: failed to select %s range: %w", r, err)
	}
	if r != d.rng {
		d.rng = r
		d.pending = true
	}
	return nil
}

// ReadRaw implements sampler.Converter. It returns one single-ended
// conversion of the configured channel.
func (d *Dev) ReadRaw(ctx context.Context) (int, error) {
	if d.halted {
		return 0, errors.New("mcp3208: halted")
	}
	if d.pending {
		t := time.NewTimer(d.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
		d.pending = false
	} else if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Start bit, single-ended, then D2..D0. The result arrives in the low
	// nibble of the second byte and the whole third byte.
	tx := []byte{0x06 | byte(d.channel>>2), byte(d.channel << 6), 0}
	rx := make([]byte, len(tx))
	if err := d.c.Tx(tx, rx); err != nil {
		return 0, fmt.Errorf("mcp3208: %w", err)
	}
	return int(rx[1]&0x0F)<<8 | int(rx[2]), nil
}

// Range returns the currently selected range.
func (d *Dev) Range() sampler.Range {
	return d.rng
}

// Halt stops using the converter.
func (d *Dev) Halt() error {
	d.halted = true
	return nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("mcp3208.Dev{ch%d, %s}", d.channel, d.c)
}
