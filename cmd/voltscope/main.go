// Command voltscope samples one analog input and draws it as a scrolling
// strip chart.
//
// The chart goes to an SSD1322 OLED, to the terminal, or nowhere (headless,
// readouts are logged). The input is an MCP3208 ADC with a GPIO driven range
// select, or a simulated sine wave with -sim.
//
// Hardware Setup:
//
//	SSD1322    Raspberry Pi
//	SCL/CLK    GPIO11 (SPI0 CLK)
//	SDA/MOSI   GPIO10 (SPI0 MOSI)
//	DC         GPIO25 (-dc)
//	CS         GPIO8 (SPI0 CE0)
//
//	MCP3208    Raspberry Pi
//	CLK/DIN    SPI0 CLK/MOSI
//	DOUT       GPIO9 (SPI0 MISO)
//	CS         GPIO7 (SPI0 CE1)
//	range sel  GPIO24 (-sel)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/flavioheleno/voltscope"
	"github.com/flavioheleno/voltscope/image4bit"
	"github.com/flavioheleno/voltscope/mcp3208"
	"github.com/flavioheleno/voltscope/readout"
	"github.com/flavioheleno/voltscope/render"
	"github.com/flavioheleno/voltscope/sampler"
	"github.com/flavioheleno/voltscope/ssd1322"
	"github.com/flavioheleno/voltscope/termscope"
)

var (
	display  = flag.String("display", "ssd1322", "Chart output: ssd1322, term or headless")
	width    = flag.Int("width", 0, "Chart width (default: 256 on ssd1322, 80 otherwise)")
	height   = flag.Int("height", 0, "Chart height (default: 56 on ssd1322, 20 on term, 60 headless)")
	interval = flag.Duration("interval", 100*time.Millisecond, "Delay between sample cycles")

	oledBus  = flag.String("spi", "", "SSD1322 SPI bus name (empty for default)")
	dcPin    = flag.String("dc", "GPIO25", "SSD1322 Data/Command pin name")
	rstPin   = flag.String("rst", "", "SSD1322 reset pin name (optional)")
	contrast = flag.Int("contrast", 255, "SSD1322 contrast (0-255)")

	sim     = flag.Bool("sim", false, "Sample a simulated sine wave instead of the ADC")
	adcBus  = flag.String("adc-spi", "SPI0.1", "MCP3208 SPI bus name")
	selPin  = flag.String("sel", "GPIO24", "MCP3208 range select pin name")
	channel = flag.Int("channel", 0, "MCP3208 input channel")

	heartbeatPin = flag.String("heartbeat", "", "Heartbeat LED pin name (optional)")
	rangePin     = flag.String("range-led", "", "HIGH range LED pin name (optional)")

	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
	metricsDump = flag.Bool("metrics-dump", false, "Print a metrics snapshot on exit")
	logFile     = flag.String("log", "", "Log file (default: stderr, discarded on term)")
	verbose     = flag.Bool("v", false, "Enable debug logging")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "voltscope: strip-chart voltmeter\n\n")
	fmt.Fprintf(out, "Samples one analog input every -interval and draws it as a scrolling chart,\n")
	fmt.Fprintf(out, "newest sample on the right. Green columns were measured on the LOW range,\n")
	fmt.Fprintf(out, "orange on the HIGH range; a red top row marks a full-scale reading.\n\n")
	fmt.Fprintf(out, "Usage: %s [flags]\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log, closeLog, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closeLog()

	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		reportErr(log, os.Stderr, err)
		closeLog()
		os.Exit(1)
	}
}

// reportErr logs a fatal error. When the logger is silenced, as it is on the
// terminal display, the error goes to w instead; run has already handed the
// terminal back by then.
func reportErr(log zerolog.Logger, w io.Writer, err error) {
	if log.GetLevel() == zerolog.Disabled {
		fmt.Fprintln(w, err)
		return
	}
	log.Error().Err(err).Msg("voltscope failed")
}

func newLogger() (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	var out io.Writer = os.Stderr
	closeLog := func() {}
	switch {
	case *logFile != "":
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("voltscope: %w", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	case *display == "term":
		// The terminal belongs to the chart.
		return zerolog.Nop(), closeLog, nil
	}
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMilli}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger(), closeLog, nil
}

// pinByName returns nil for an empty name.
func pinByName(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("voltscope: GPIO pin %s not found", name)
	}
	return p, nil
}

func run(log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *display == "ssd1322" || !*sim || *heartbeatPin != "" || *rangePin != "" {
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("voltscope: failed to initialize periph.io: %w", err)
		}
	}

	conv, closeConv, err := newConverter(log)
	if err != nil {
		return err
	}
	defer closeConv()

	s, err := sampler.New(conv, &sampler.Opts{Logger: log.With().Str("component", "sampler").Logger()})
	if err != nil {
		return err
	}

	opts := &voltscope.Opts{
		W:        *width,
		H:        *height,
		Interval: *interval,
		Logger:   log.With().Str("component", "monitor").Logger(),
	}
	if opts.Heartbeat, err = pinByName(*heartbeatPin); err != nil {
		return err
	}
	if opts.RangeLED, err = pinByName(*rangePin); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Registerer = reg

	canvas, closeCanvas, err := newCanvas(log, opts)
	if err != nil {
		return err
	}
	closeCanvas = sync.OnceFunc(closeCanvas)
	defer closeCanvas()
	if c, ok := canvas.(interface{ Interrupts() <-chan struct{} }); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-c.Interrupts():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	m, err := voltscope.New(s, canvas, opts)
	if err != nil {
		return err
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	err = m.Run(ctx)
	closeCanvas()
	if *metricsDump {
		if derr := dumpMetrics(os.Stdout, reg); derr != nil {
			log.Error().Err(derr).Msg("metrics dump failed")
		}
	}
	return err
}

func newConverter(log zerolog.Logger) (sampler.Converter, func(), error) {
	if *sim {
		log.Info().Msg("sampling a simulated 0.1V-4.9V sine wave")
		sig := sampler.Sine(2500*physic.MilliVolt, 2400*physic.MilliVolt, 8*time.Second)
		return sampler.NewWaveform(sig, nil), func() {}, nil
	}

	p, err := spireg.Open(*adcBus)
	if err != nil {
		return nil, nil, fmt.Errorf("voltscope: failed to open ADC SPI bus: %w", err)
	}
	sel, err := pinByName(*selPin)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	if sel == nil {
		_ = p.Close()
		return nil, nil, errors.New("voltscope: -sel is required")
	}
	dev, err := mcp3208.NewSPI(p, sel, &mcp3208.Opts{Channel: *channel})
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	log.Info().Stringer("adc", dev).Msg("ADC ready")
	return dev, func() {
		_ = dev.Halt()
		_ = p.Close()
	}, nil
}

// newCanvas opens the chart output and fills in the chart size, palette and
// readout for it.
func newCanvas(log zerolog.Logger, opts *voltscope.Opts) (render.Canvas, func(), error) {
	switch *display {
	case "ssd1322":
		return newOLED(log, opts)

	case "term":
		if opts.W == 0 {
			opts.W = 80
		}
		if opts.H == 0 {
			opts.H = 20
		}
		scr, err := termscope.New(termscope.Opts{W: opts.W, H: opts.H})
		if err != nil {
			return nil, nil, err
		}
		opts.Readout = scr
		return scr, func() { _ = scr.Close() }, nil

	case "headless":
		if opts.W == 0 {
			opts.W = 80
		}
		if opts.H == 0 {
			opts.H = 60
		}
		opts.Readout = readout.Log{Logger: log.Level(zerolog.DebugLevel)}
		img := image.NewRGBA(image.Rect(0, 0, opts.W, opts.H))
		return img, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("voltscope: unknown display %q", *display)
	}
}

// oledPalette maps the trace colours onto the panel's 16 gray levels.
var oledPalette = render.Palette{
	Background: image4bit.Gray4{Y: 0},
	Low:        image4bit.Gray4{Y: 6},
	High:       image4bit.Gray4{Y: 11},
	Clip:       image4bit.Gray4{Y: 15},
}

func newOLED(log zerolog.Logger, opts *voltscope.Opts) (render.Canvas, func(), error) {
	if *contrast < 0 || *contrast > 255 {
		return nil, nil, fmt.Errorf("voltscope: contrast %d out of range 0-255", *contrast)
	}
	b, err := spireg.Open(*oledBus)
	if err != nil {
		return nil, nil, fmt.Errorf("voltscope: failed to open SPI bus: %w", err)
	}
	dc, err := pinByName(*dcPin)
	if err == nil && dc == nil {
		err = errors.New("voltscope: -dc is required")
	}
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	rst, err := pinByName(*rstPin)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}

	dev, err := ssd1322.NewSPI(b, dc, &ssd1322.Opts{W: 256, H: 64, RST: rst})
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	closeDev := func() {
		_ = dev.Halt()
		_ = b.Close()
	}
	if err := dev.SetContrast(byte(*contrast)); err != nil {
		closeDev()
		return nil, nil, err
	}

	// The chart takes the top rows, the readout the strip below.
	if opts.W == 0 {
		opts.W = dev.Bounds().Dx()
	}
	if opts.H == 0 {
		opts.H = 56
	}
	opts.Palette = &oledPalette
	if free := image.Rect(0, opts.H, opts.W, dev.Bounds().Dy()); !free.Empty() {
		panel, err := readout.NewPanel(dev, free, nil)
		if err != nil {
			closeDev()
			return nil, nil, err
		}
		opts.Readout = panel
	}

	log.Info().
		Stringer("display", dev).
		Str("frame", humanize.Bytes(uint64(dev.Bounds().Dx()*dev.Bounds().Dy()/2))).
		Msg("display ready")
	return dev, closeDev, nil
}

// dumpMetrics writes the voltscope_ families in the text exposition format.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	mfs = lo.Filter(mfs, func(mf *dto.MetricFamily, _ int) bool {
		return strings.HasPrefix(mf.GetName(), "voltscope_")
	})
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
