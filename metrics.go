package voltscope

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flavioheleno/voltscope/sampler"
)

type metrics struct {
	samples     *prometheus.CounterVec
	stale       prometheus.Counter
	faults      prometheus.Counter
	voltage     prometheus.Gauge
	pixelWrites prometheus.Counter
	cycle       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltscope_samples_total",
			Help: "Samples drawn on the chart, by reference range.",
		}, []string{"range"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltscope_stale_samples_total",
			Help: "Samples that repeated the last good reading after the converter failed.",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltscope_sample_faults_total",
			Help: "Cycles skipped because no reading was available.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voltscope_voltage_volts",
			Help: "Most recent sampled voltage.",
		}),
		pixelWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltscope_pixel_writes_total",
			Help: "Pixels set by the differential renderer.",
		}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voltscope_cycle_seconds",
			Help:    "Duration of one sample and render cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
	}
	// Both ranges are exported from the start.
	for _, r := range []sampler.Range{sampler.Low, sampler.High} {
		m.samples.WithLabelValues(r.String())
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.samples, m.stale, m.faults, m.voltage, m.pixelWrites, m.cycle} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, errors.New("voltscope: metrics already registered")
			}
			return nil, err
		}
	}
	return m, nil
}
