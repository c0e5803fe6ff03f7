package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgl_mirror"

// Prometheus mirrors every update into Prometheus collectors registered on its own
// registry, next to the plain counters it embeds.
type Prometheus struct {
	*MirrorMetrics

	registry     *prometheus.Registry
	entries      *prometheus.CounterVec
	bytesWritten prometheus.Counter
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	lastTick     prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them, together with the Go runtime
// and process collectors, on a fresh registry. replica is attached as a constant label.
func NewPrometheus(replica string) *Prometheus {
	labels := prometheus.Labels{"replica": replica}
	p := &Prometheus{
		MirrorMetrics: &MirrorMetrics{},
		registry:      prometheus.NewRegistry(),
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "entries_total",
				Help:        "Replica entries changed, by kind and operation",
				ConstLabels: labels,
			},
			[]string{"kind", "op"},
		),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_written_total",
			Help:        "Bytes written to the replica",
			ConstLabels: labels,
		}),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "ticks_total",
				Help:        "Completed poll ticks, by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "tick_duration_seconds",
			Help:        "Time to walk, diff and replicate one tick",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
			ConstLabels: labels,
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_tick_timestamp_seconds",
			Help:        "Unix time the last tick completed",
			ConstLabels: labels,
		}),
	}

	p.registry.MustRegister(
		p.entries,
		p.bytesWritten,
		p.ticks,
		p.tickDuration,
		p.lastTick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) AddFilesCopied(n int64) {
	p.MirrorMetrics.AddFilesCopied(n)
	p.entries.WithLabelValues("file", "copy").Add(float64(n))
}

func (p *Prometheus) AddDirsCopied(n int64) {
	p.MirrorMetrics.AddDirsCopied(n)
	p.entries.WithLabelValues("dir", "copy").Add(float64(n))
}

func (p *Prometheus) AddFilesDeleted(n int64) {
	p.MirrorMetrics.AddFilesDeleted(n)
	p.entries.WithLabelValues("file", "delete").Add(float64(n))
}

func (p *Prometheus) AddDirsDeleted(n int64) {
	p.MirrorMetrics.AddDirsDeleted(n)
	p.entries.WithLabelValues("dir", "delete").Add(float64(n))
}

func (p *Prometheus) AddUnexpected(n int64) {
	p.MirrorMetrics.AddUnexpected(n)
	p.entries.WithLabelValues("unexpected", "skip").Add(float64(n))
}

func (p *Prometheus) AddBytesWritten(n int64) {
	p.MirrorMetrics.AddBytesWritten(n)
	p.bytesWritten.Add(float64(n))
}

func (p *Prometheus) ObserveTick(d time.Duration, err error) {
	p.MirrorMetrics.ObserveTick(d, err)
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.ticks.WithLabelValues(result).Inc()
	p.tickDuration.Observe(d.Seconds())
	p.lastTick.SetToCurrentTime()
}

// Registry returns the registry the collectors are registered on.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

var _ Metrics = (*Prometheus)(nil)
