// Package sampler acquires voltage readings from an analog converter using
// dual-range oversampling.
//
// Every reading starts on the HIGH reference range. When the averaged code is
// small enough that the HIGH range's quantization step dominates, the
// acquisition is repeated on the LOW range, which spans less but resolves
// finer near zero. A saturated HIGH reading is reported as the configured
// maximum voltage directly.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"periph.io/x/conn/v3/physic"
)

// Oversample is the number of raw codes averaged per acquisition.
const Oversample = 8

// oversampleShift divides the sum of Oversample codes.
const oversampleShift = 3

// Range identifies the reference range a reading was taken on.
type Range uint8

const (
	// Low is the narrow, fine-resolution reference range.
	Low Range = iota
	// High is the full-span reference range.
	High
)

func (r Range) String() string {
	switch r {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return fmt.Sprintf("Range(%d)", uint8(r))
	}
}

// Converter is the analog acquisition boundary.
//
// SelectRange programs the reference used by subsequent ReadRaw calls.
// ReadRaw blocks until one conversion completes and returns a code in
// [0, MaxCode]. It must return once ctx is done.
type Converter interface {
	SelectRange(r Range) error
	ReadRaw(ctx context.Context) (int, error)
}

// ErrAcquisitionTimeout is returned when the converter does not complete an
// acquisition within Opts.Timeout.
var ErrAcquisitionTimeout = errors.New("sampler: acquisition timeout")

// Fault reports a sample that failed on every attempt while no earlier good
// reading was available to fall back to.
type Fault struct {
	Attempts int
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("sampler: no reading after %d attempts: %v", f.Attempts, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Reading is one sampled voltage.
type Reading struct {
	Voltage physic.ElectricPotential
	Range   Range
	// Raw is the averaged converter code the voltage was computed from.
	Raw int
	// Stale is set when the reading is the last good one repeated after the
	// converter failed.
	Stale bool
}

// Opts is the configuration for the Sampler.
type Opts struct {
	MaxCode   int // Largest converter code (default: 4095)
	Threshold int // HIGH codes below this are re-measured on LOW (default: 2457)

	HighFullScale physic.ElectricPotential // Voltage of code MaxCode+1 on HIGH (default: 5V)
	LowFullScale  physic.ElectricPotential // Voltage of code MaxCode+1 on LOW (default: 3V)
	MaxVoltage    physic.ElectricPotential // Sensor full-scale value (default: 5V)

	Timeout time.Duration // Per-acquisition bound (default: 50ms)
	Retries int           // Extra attempts after a failed sample (default: 3, negative for none)

	Logger zerolog.Logger
}

// DefaultOpts returns the configuration of the reference voltmeter: a 12-bit
// converter behind a 2:1 input divider with 2.5V and 1.5V references.
func DefaultOpts() Opts {
	return Opts{
		MaxCode:       4095,
		Threshold:     2457,
		HighFullScale: 5 * physic.Volt,
		LowFullScale:  3 * physic.Volt,
		MaxVoltage:    5 * physic.Volt,
		Timeout:       50 * time.Millisecond,
		Retries:       3,
		Logger:        zerolog.Nop(),
	}
}

// Sampler turns converter codes into voltage readings.
type Sampler struct {
	c    Converter
	opts Opts

	last    Reading
	hasLast bool
}

// New creates a Sampler reading from c.
//
// opts can be nil to use DefaultOpts. Zero fields of a non-nil opts take the
// default values.
func New(c Converter, opts *Opts) (*Sampler, error) {
	if c == nil {
		return nil, errors.New("sampler: converter is required")
	}
	o := DefaultOpts()
	if opts != nil {
		o = mergeOpts(o, *opts)
	}
	if o.Threshold > o.MaxCode {
		return nil, errors.New("sampler: threshold must not exceed max code")
	}
	if o.MaxVoltage <= 0 || o.HighFullScale <= 0 || o.LowFullScale <= 0 {
		return nil, errors.New("sampler: voltages must be positive")
	}
	return &Sampler{c: c, opts: o}, nil
}

func mergeOpts(def, o Opts) Opts {
	if o.MaxCode > 0 {
		def.MaxCode = o.MaxCode
	}
	if o.Threshold > 0 {
		def.Threshold = o.Threshold
	}
	if o.HighFullScale != 0 {
		def.HighFullScale = o.HighFullScale
	}
	if o.LowFullScale != 0 {
		def.LowFullScale = o.LowFullScale
	}
	if o.MaxVoltage != 0 {
		def.MaxVoltage = o.MaxVoltage
	}
	if o.Timeout > 0 {
		def.Timeout = o.Timeout
	}
	switch {
	case o.Retries < 0:
		def.Retries = 0
	case o.Retries > 0:
		def.Retries = o.Retries
	}
	def.Logger = o.Logger
	return def
}

// MaxVoltage returns the configured full-scale voltage.
func (s *Sampler) MaxVoltage() physic.ElectricPotential {
	return s.opts.MaxVoltage
}

// Sample acquires one reading.
//
// Failed attempts are retried up to Opts.Retries times. When all attempts
// fail, the last good reading is returned with Stale set; if there is none,
// a *Fault is returned. Cancellation of ctx is returned unchanged.
func (s *Sampler) Sample(ctx context.Context) (Reading, error) {
	var err error
	attempts := s.opts.Retries + 1
	for i := 0; i < attempts; i++ {
		var r Reading
		r, err = s.sample(ctx)
		if err == nil {
			s.last, s.hasLast = r, true
			return r, nil
		}
		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
		s.opts.Logger.Debug().Err(err).Int("attempt", i+1).Msg("sample failed")
	}

	if !s.hasLast {
		return Reading{}, &Fault{Attempts: attempts, Err: err}
	}
	s.opts.Logger.Warn().Err(err).Int("attempts", attempts).
		Str("fallback", s.last.Voltage.String()).Msg("using last good reading")
	stale := s.last
	stale.Stale = true
	return stale, nil
}

func (s *Sampler) sample(ctx context.Context) (Reading, error) {
	raw, err := s.acquire(ctx, High)
	if err != nil {
		return Reading{}, err
	}

	// A saturated HIGH reading cannot be refined on the narrower range.
	if raw == s.opts.MaxCode {
		return Reading{Voltage: s.opts.MaxVoltage, Range: High, Raw: raw}, nil
	}

	rng := High
	if raw < s.opts.Threshold {
		rng = Low
		if raw, err = s.acquire(ctx, Low); err != nil {
			return Reading{}, err
		}
	}

	return Reading{Voltage: s.convert(raw, rng), Range: rng, Raw: raw}, nil
}

// acquire selects r and averages Oversample codes within Opts.Timeout.
func (s *Sampler) acquire(ctx context.Context, r Range) (int, error) {
	if err := s.c.SelectRange(r); err != nil {
		return 0, fmt.Errorf("sampler: failed to select %s range: %w", r, err)
	}

	actx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var codes [Oversample]int
	for i := range codes {
		code, err := s.c.ReadRaw(actx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return 0, ErrAcquisitionTimeout
			}
			return 0, fmt.Errorf("sampler: read failed: %w", err)
		}
		// A converter that ignores ctx still cannot stretch the acquisition.
		if actx.Err() != nil && ctx.Err() == nil {
			return 0, ErrAcquisitionTimeout
		}
		codes[i] = lo.Clamp(code, 0, s.opts.MaxCode)
	}
	return lo.Sum(codes[:]) >> oversampleShift, nil
}

func (s *Sampler) convert(raw int, r Range) physic.ElectricPotential {
	fullScale := s.opts.HighFullScale
	if r == Low {
		fullScale = s.opts.LowFullScale
	}
	v := physic.ElectricPotential(int64(raw) * int64(fullScale) / int64(s.opts.MaxCode+1))
	return lo.Clamp(v, 0, s.opts.MaxVoltage)
}
