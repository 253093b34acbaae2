package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/l0nax/go-spew/spew"
	"periph.io/x/conn/v3/physic"
)

// fakeConverter returns a fixed code per range and records every call.
type fakeConverter struct {
	codes   map[Range]int
	rng     Range
	selects []Range
	reads   map[Range]int

	// failures is the number of leading ReadRaw calls that block until ctx
	// expires.
	failures int
	err      error
}

func newFakeConverter(high, low int) *fakeConverter {
	return &fakeConverter{
		codes: map[Range]int{High: high, Low: low},
		reads: map[Range]int{},
	}
}

func (f *fakeConverter) SelectRange(r Range) error {
	f.rng = r
	f.selects = append(f.selects, r)
	return nil
}

func (f *fakeConverter) ReadRaw(ctx context.Context) (int, error) {
	if f.failures > 0 {
		f.failures--
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.err != nil {
		return 0, f.err
	}
	f.reads[f.rng]++
	return f.codes[f.rng], nil
}

func newTestSampler(t *testing.T, c Converter, opts *Opts) *Sampler {
	t.Helper()
	s, err := New(c, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestRangeString(t *testing.T) {
	tests := []struct {
		r    Range
		want string
	}{
		{Low, "low"},
		{High, "high"},
		{Range(7), "Range(7)"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("Range(%d).String() = %q, want %q", uint8(tt.r), got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		c       Converter
		opts    *Opts
		wantErr bool
	}{
		{"nil options (uses defaults)", newFakeConverter(0, 0), nil, false},
		{"nil converter", nil, nil, true},
		{"threshold above max code", newFakeConverter(0, 0), &Opts{MaxCode: 1023, Threshold: 2000}, true},
		{"10-bit converter", newFakeConverter(0, 0), &Opts{MaxCode: 1023, Threshold: 614}, false},
		{"negative voltage", newFakeConverter(0, 0), &Opts{MaxVoltage: -physic.Volt}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.c, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSampleHighRange(t *testing.T) {
	c := newFakeConverter(3000, 0)
	s := newTestSampler(t, c, nil)

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if r.Range != High {
		t.Errorf("Range = %v, want high", r.Range)
	}
	// 3000 * 5V / 4096
	want := physic.ElectricPotential(int64(3000) * int64(5*physic.Volt) / 4096)
	if r.Voltage != want {
		t.Errorf("Voltage = %v, want %v", r.Voltage, want)
	}
	if c.reads[Low] != 0 {
		t.Errorf("LOW reads = %d, want 0", c.reads[Low])
	}
	if c.reads[High] != Oversample {
		t.Errorf("HIGH reads = %d, want %d", c.reads[High], Oversample)
	}
}

func TestSampleSwitchesToLowRange(t *testing.T) {
	c := newFakeConverter(1000, 1707)
	s := newTestSampler(t, c, nil)

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if r.Range != Low {
		t.Errorf("Range = %v, want low", r.Range)
	}
	if r.Raw != 1707 {
		t.Errorf("Raw = %d, want 1707", r.Raw)
	}
	// Exactly one additional acquisition on LOW.
	if want := []Range{High, Low}; len(c.selects) != 2 || c.selects[0] != want[0] || c.selects[1] != want[1] {
		t.Errorf("selects = %s, want [high low]", spew.Sdump(c.selects))
	}
	if c.reads[Low] != Oversample {
		t.Errorf("LOW reads = %d, want %d", c.reads[Low], Oversample)
	}
	want := physic.ElectricPotential(int64(1707) * int64(3*physic.Volt) / 4096)
	if r.Voltage != want {
		t.Errorf("Voltage = %v, want %v", r.Voltage, want)
	}
}

func TestSampleThresholdBoundary(t *testing.T) {
	c := newFakeConverter(2457, 4000)
	s := newTestSampler(t, c, nil)

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if r.Range != High {
		t.Errorf("Range = %v, want high at the threshold", r.Range)
	}
}

func TestSampleSaturation(t *testing.T) {
	c := newFakeConverter(4095, 0)
	s := newTestSampler(t, c, nil)

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if r.Voltage != 5*physic.Volt {
		t.Errorf("Voltage = %v, want 5V", r.Voltage)
	}
	if r.Range != High {
		t.Errorf("Range = %v, want high", r.Range)
	}
	if len(c.selects) != 1 || c.reads[Low] != 0 {
		t.Errorf("LOW range was measured after saturation: %s", spew.Sdump(c.selects, c.reads))
	}
}

func TestSampleOversampleMean(t *testing.T) {
	codes := []int{3000, 3001, 3002, 3003, 3004, 3005, 3006, 3007}
	c := &seqConverter{codes: codes}
	s := newTestSampler(t, c, nil)

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	// (3000+...+3007) >> 3 = 24028 >> 3 = 3003
	if r.Raw != 3003 {
		t.Errorf("Raw = %d, want 3003", r.Raw)
	}
}

type seqConverter struct {
	codes []int
	i     int
}

func (s *seqConverter) SelectRange(Range) error { return nil }

func (s *seqConverter) ReadRaw(context.Context) (int, error) {
	c := s.codes[s.i%len(s.codes)]
	s.i++
	return c, nil
}

func TestSampleTimeoutFault(t *testing.T) {
	c := newFakeConverter(3000, 0)
	c.failures = 100
	s := newTestSampler(t, c, &Opts{Timeout: time.Millisecond, Retries: 2})

	_, err := s.Sample(context.Background())
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Sample() error = %v, want *Fault", err)
	}
	if fault.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", fault.Attempts)
	}
	if !errors.Is(err, ErrAcquisitionTimeout) {
		t.Errorf("Sample() error = %v, want ErrAcquisitionTimeout", err)
	}
}

// sleepyConverter answers every read after a delay and never watches ctx.
type sleepyConverter struct {
	delay time.Duration
	reads int
}

func (s *sleepyConverter) SelectRange(Range) error { return nil }

func (s *sleepyConverter) ReadRaw(context.Context) (int, error) {
	time.Sleep(s.delay)
	s.reads++
	return 3000, nil
}

func TestSampleTimeoutIgnoredCtx(t *testing.T) {
	c := &sleepyConverter{delay: 20 * time.Millisecond}
	s := newTestSampler(t, c, &Opts{Timeout: 10 * time.Millisecond, Retries: -1})

	_, err := s.Sample(context.Background())
	if !errors.Is(err, ErrAcquisitionTimeout) {
		t.Fatalf("Sample() error = %v, want ErrAcquisitionTimeout", err)
	}
	if c.reads != 1 {
		t.Errorf("reads = %d, want 1", c.reads)
	}
}

func TestSampleRetryRecovers(t *testing.T) {
	c := newFakeConverter(3000, 0)
	c.failures = 1
	s := newTestSampler(t, c, &Opts{Timeout: time.Millisecond})

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if r.Stale {
		t.Error("recovered reading marked stale")
	}
}

func TestSampleFallsBackToLastGood(t *testing.T) {
	c := newFakeConverter(3000, 0)
	s := newTestSampler(t, c, &Opts{Timeout: time.Millisecond, Retries: 1})

	good, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}

	c.failures = 2
	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if !r.Stale {
		t.Error("fallback reading not marked stale")
	}
	if r.Voltage != good.Voltage || r.Range != good.Range {
		t.Errorf("fallback = %s, want %s", spew.Sdump(r), spew.Sdump(good))
	}
}

func TestSampleConverterError(t *testing.T) {
	c := newFakeConverter(3000, 0)
	c.err = errors.New("bus error")
	s := newTestSampler(t, c, &Opts{Retries: -1})

	_, err := s.Sample(context.Background())
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Sample() error = %v, want *Fault", err)
	}
	if fault.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", fault.Attempts)
	}
	if errors.Is(err, ErrAcquisitionTimeout) {
		t.Error("bus error reported as timeout")
	}
}

func TestSampleCancelled(t *testing.T) {
	c := newFakeConverter(3000, 0)
	c.failures = 1
	s := newTestSampler(t, c, &Opts{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Sample(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Sample() error = %v, want context.Canceled", err)
	}
}

func TestWaveform(t *testing.T) {
	w := NewWaveform(func(time.Duration) physic.ElectricPotential {
		return 1500 * physic.MilliVolt
	}, nil)

	tests := []struct {
		name string
		r    Range
		want int
	}{
		{"high", High, 1228}, // 1.5V * 4096 / 5V
		{"low", Low, 2048},   // 1.5V * 4096 / 3V
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.SelectRange(tt.r); err != nil {
				t.Fatal(err)
			}
			got, err := w.ReadRaw(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ReadRaw() = %d, want %d", got, tt.want)
			}
		})
	}

	s := newTestSampler(t, w, nil)
	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Range != Low || r.Voltage != 1500*physic.MilliVolt {
		t.Errorf("Sample() = %s", spew.Sdump(r))
	}
}

func TestSineClampsNegative(t *testing.T) {
	sig := Sine(0, physic.Volt, time.Second)
	if v := sig(750 * time.Millisecond); v != 0 {
		t.Errorf("Sine at trough = %v, want 0", v)
	}
	if v := sig(250 * time.Millisecond); v != physic.Volt {
		t.Errorf("Sine at peak = %v, want 1V", v)
	}
}
