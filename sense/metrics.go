package sense

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scientisst/gosense/scientisst"
)

const metricsNamespace = "scientisst"

// Metrics exports the device counters and consumer queues to Prometheus.
// Only the atomic counters of the Device are read, so scraping is safe while
// another goroutine drives the acquisition.
type Metrics struct {
	Registry *prometheus.Registry

	ReadDuration prometheus.Histogram
	Acquiring    prometheus.Gauge
	SampleRate   prometheus.Gauge
}

func NewMetrics(d *scientisst.Device, r *Runner) *Metrics {
	stats := d.Stats()
	counter := func(name, help string, v func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v()) })
	}

	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "read_duration_seconds",
			Help:      "Time spent in one blocking read of a batch of frames.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		Acquiring: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "acquiring",
			Help:      "1 while an acquisition is running.",
		}),
		SampleRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sample_rate_hertz",
			Help:      "Sample rate of the running acquisition.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		m.ReadDuration,
		m.Acquiring,
		m.SampleRate,
		counter("frames_total", "Frames decoded.", stats.Frames.Load),
		counter("bytes_total", "Bytes consumed by the packet decoder.", stats.Bytes.Load),
		counter("crc_resyncs_total", "Packets skipped byte by byte after a CRC mismatch.", stats.Resyncs.Load),
		counter("reads_total", "Read calls.", stats.Reads.Load),
		counter("truncated_reads_total", "Reads that returned fewer frames than requested.", stats.Truncated.Load),
		counter("handshakes_total", "Version handshake attempts.", stats.Handshakes.Load),
	)
	if r != nil {
		m.Registry.MustRegister(&consumerCollector{runner: r})
	}
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

var (
	consumerDeliveredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "consumer", "delivered_frames_total"),
		"Frames handed to a consumer.",
		[]string{"consumer"}, nil,
	)
	consumerDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "consumer", "dropped_frames_total"),
		"Frames dropped because the consumer queue was full.",
		[]string{"consumer"}, nil,
	)
)

type consumerCollector struct {
	runner *Runner
}

func (c *consumerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- consumerDeliveredDesc
	ch <- consumerDroppedDesc
}

func (c *consumerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.runner.Stats() {
		ch <- prometheus.MustNewConstMetric(consumerDeliveredDesc, prometheus.CounterValue, float64(s.Delivered), s.Name)
		ch <- prometheus.MustNewConstMetric(consumerDroppedDesc, prometheus.CounterValue, float64(s.Dropped), s.Name)
	}
}
