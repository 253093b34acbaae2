package sampler

import (
	"context"
	"math"
	"time"

	"github.com/samber/lo"
	"periph.io/x/conn/v3/physic"
)

// Signal returns the input voltage at a point in time since start.
type Signal func(elapsed time.Duration) physic.ElectricPotential

// Sine returns a sine wave around offset.
func Sine(offset, amplitude physic.ElectricPotential, period time.Duration) Signal {
	return func(elapsed time.Duration) physic.ElectricPotential {
		phase := 2 * math.Pi * float64(elapsed%period) / float64(period)
		v := float64(offset) + float64(amplitude)*math.Sin(phase)
		if v < 0 {
			return 0
		}
		return physic.ElectricPotential(v)
	}
}

// Waveform is a Converter that quantizes a Signal instead of reading
// hardware. It lets the monitor run on a host without an ADC.
type Waveform struct {
	signal Signal
	opts   Opts
	rng    Range
	start  time.Time
	now    func() time.Time
}

// NewWaveform creates a Waveform using the code range and full scales of
// opts (DefaultOpts when nil).
func NewWaveform(signal Signal, opts *Opts) *Waveform {
	o := DefaultOpts()
	if opts != nil {
		o = mergeOpts(o, *opts)
	}
	w := &Waveform{signal: signal, opts: o, rng: High, now: time.Now}
	w.start = w.now()
	return w
}

// SelectRange implements Converter.
func (w *Waveform) SelectRange(r Range) error {
	w.rng = r
	return nil
}

// ReadRaw implements Converter.
func (w *Waveform) ReadRaw(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fullScale := w.opts.HighFullScale
	if w.rng == Low {
		fullScale = w.opts.LowFullScale
	}
	v := w.signal(w.now().Sub(w.start))
	code := int(int64(v) * int64(w.opts.MaxCode+1) / int64(fullScale))
	return lo.Clamp(code, 0, w.opts.MaxCode), nil
}
