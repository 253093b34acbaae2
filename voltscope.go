package voltscope

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/flavioheleno/voltscope/history"
	"github.com/flavioheleno/voltscope/readout"
	"github.com/flavioheleno/voltscope/render"
	"github.com/flavioheleno/voltscope/sampler"
)

// Sampler produces one reading per cycle. *sampler.Sampler implements it.
type Sampler interface {
	Sample(ctx context.Context) (sampler.Reading, error)
	MaxVoltage() physic.ElectricPotential
}

// Flusher is implemented by canvases that buffer pixels until flushed.
type Flusher interface {
	Flush() error
}

// Phase is the state of the history buffer.
type Phase uint8

const (
	// Filling until the history buffer has been written Cap times.
	Filling Phase = iota
	// Steady once every cycle evicts the oldest record.
	Steady
)

func (p Phase) String() string {
	switch p {
	case Filling:
		return "filling"
	case Steady:
		return "steady"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Opts is the configuration for the Monitor.
type Opts struct {
	// Chart dimensions in pixels
	W int // Width (default: 80)
	H int // Height (default: 60)

	Interval time.Duration // Delay between cycles (default: 100ms)

	// Drawing
	Origin  image.Point     // Canvas position of the chart
	Palette *render.Palette // nil uses render.DefaultPalette

	// Optional indicators and readout
	Heartbeat gpio.PinOut    // High while a cycle runs
	RangeLED  gpio.PinOut    // High while the last reading was on the HIGH range
	Readout   readout.Writer // Receives the formatted voltage every cycle

	Logger     zerolog.Logger
	Registerer prometheus.Registerer // nil leaves metrics unregistered
}

// Monitor runs the acquisition and render loop.
type Monitor struct {
	s      Sampler
	canvas render.Canvas
	ring   *history.Ring
	render *render.Renderer
	opts   Opts
	max    physic.ElectricPotential
	log    zerolog.Logger

	metrics *metrics
	writes  uint64 // Renderer writes already counted
	phase   Phase
	cycles  uint64
}

// New creates a Monitor that samples s and draws on canvas.
//
// opts can be nil to use the defaults, an 80x60 chart at the canvas origin.
func New(s Sampler, canvas render.Canvas, opts *Opts) (*Monitor, error) {
	if s == nil {
		return nil, errors.New("voltscope: sampler is required")
	}
	if canvas == nil {
		return nil, errors.New("voltscope: canvas is required")
	}
	o := Opts{Logger: zerolog.Nop()}
	if opts != nil {
		o = *opts
	}
	if o.W == 0 {
		o.W = 80
	}
	if o.H == 0 {
		o.H = 60
	}
	if o.Interval == 0 {
		o.Interval = 100 * time.Millisecond
	}
	if o.W < 0 || o.H < 0 || o.Interval < 0 {
		return nil, errors.New("voltscope: size and interval must be positive")
	}
	if s.MaxVoltage() <= 0 {
		return nil, errors.New("voltscope: sampler maximum voltage must be positive")
	}

	ring, err := history.New(o.W)
	if err != nil {
		return nil, err
	}
	r, err := render.New(canvas, render.Opts{H: o.H, Origin: o.Origin, Palette: o.Palette})
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		s:       s,
		canvas:  canvas,
		ring:    ring,
		render:  r,
		opts:    o,
		max:     s.MaxVoltage(),
		log:     o.Logger,
		metrics: m,
	}, nil
}

// Phase returns the current phase.
func (m *Monitor) Phase() Phase {
	return m.phase
}

// Records returns the records on the chart, oldest first, including the one
// that only serves as the predecessor of the leftmost column.
func (m *Monitor) Records() []history.Record {
	return m.ring.Records()
}

// Step runs one cycle. A sampler fault skips drawing for the cycle and is not
// returned; errors are returned for cancellation and for failures of the
// indicators or the canvas.
func (m *Monitor) Step(ctx context.Context) (err error) {
	start := time.Now()
	if err := m.indicate(m.opts.Heartbeat, gpio.High); err != nil {
		return err
	}
	defer func() {
		if e := m.indicate(m.opts.Heartbeat, gpio.Low); e != nil && err == nil {
			err = e
		}
		m.metrics.cycle.Observe(time.Since(start).Seconds())
	}()

	reading, err := m.s.Sample(ctx)
	var fault *sampler.Fault
	switch {
	case errors.As(err, &fault):
		m.metrics.faults.Inc()
		m.log.Error().Err(err).Msg("sample fault, cycle skipped")
		return nil
	case err != nil:
		return err
	}
	if reading.Stale {
		m.metrics.stale.Inc()
		m.log.Warn().Str("voltage", reading.Voltage.String()).Msg("drawing stale reading")
	}

	rec := history.NewRecord(reading, m.max, m.opts.H)
	if err := m.indicate(m.opts.RangeLED, gpio.Level(rec.Range == sampler.High)); err != nil {
		return err
	}

	m.ring.Write(rec)
	m.cycles++
	if m.phase == Filling && m.ring.Full() {
		m.phase = Steady
		m.log.Debug().Str("cycles", humanize.Comma(int64(m.cycles))).Msg("history full")
	}

	if m.opts.Readout != nil {
		if err := m.opts.Readout.WriteText(readout.Format(reading.Voltage)); err != nil {
			m.log.Warn().Err(err).Msg("readout failed")
		}
	}

	m.render.RedrawRange(m.ring.Columns(m.opts.W))
	if f, ok := m.canvas.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("voltscope: failed to flush canvas: %w", err)
		}
	}

	w := m.render.Writes()
	m.metrics.pixelWrites.Add(float64(w - m.writes))
	m.writes = w
	m.metrics.samples.WithLabelValues(rec.Range.String()).Inc()
	m.metrics.voltage.Set(float64(reading.Voltage) / float64(physic.Volt))
	m.log.Debug().
		Str("voltage", reading.Voltage.String()).
		Stringer("range", rec.Range).
		Int("height", rec.Height).
		Msg("sample")
	return nil
}

func (m *Monitor) indicate(p gpio.PinOut, l gpio.Level) error {
	if p == nil {
		return nil
	}
	if err := p.Out(l); err != nil {
		return fmt.Errorf("voltscope: failed to set %s: %w", p, err)
	}
	return nil
}

// Run repeats Step with Opts.Interval between cycles until ctx is done, and
// returns ctx.Err(). Any other Step error stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().
		Int("width", m.opts.W).
		Int("height", m.opts.H).
		Dur("interval", m.opts.Interval).
		Msg("monitor started")
	defer func() {
		m.log.Info().
			Str("cycles", humanize.Comma(int64(m.cycles))).
			Str("pixels", humanize.Comma(int64(m.writes))).
			Msg("monitor stopped")
	}()

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if err := m.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		t.Reset(m.opts.Interval)
	}
}
