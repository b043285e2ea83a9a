package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Channel labels for drop counters.
const (
	ChannelRaw      = "raw"      // Sampler to filter
	ChannelFiltered = "filtered" // Filter to transmitter
	ChannelPool     = "pool"     // No free buffer for the sampler
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Drops             *prometheus.CounterVec
	AcquisitionFaults prometheus.Counter
	SampleOverruns    prometheus.Counter
	BuffersSent       prometheus.Counter
	PacketsSent       prometheus.Counter
	SendRetries       prometheus.Counter
	LinkUnavailable   prometheus.Counter
	SendFailures      prometheus.Counter
	State             prometheus.Gauge
	Occupancy         *prometheus.GaugeVec
}

// New creates the collectors and registers them, plus Go runtime metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		Drops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiolink_drops_total",
				Help: "Buffers dropped by backpressure, per stage channel",
			},
			[]string{"channel"},
		),
		AcquisitionFaults: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_acquisition_faults_total",
			Help: "Failed or out-of-range conversions replaced by the last valid reading",
		}),
		SampleOverruns: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_sample_overruns_total",
			Help: "Sampler ticks missed because the previous tick ran late",
		}),
		BuffersSent: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_buffers_sent_total",
			Help: "Buffers fully delivered to the link",
		}),
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_packets_sent_total",
			Help: "Packets delivered to the link",
		}),
		SendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_send_retries_total",
			Help: "Extra send attempts spent on failing chunks",
		}),
		LinkUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_link_unavailable_total",
			Help: "Buffers skipped because the link was down",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "audiolink_send_failures_total",
			Help: "Buffers cut short after exhausting send retries",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "audiolink_pipeline_state",
			Help: "Pipeline state: 0 uninitialized, 1 running, 2 degraded, 3 stopped",
		}),
		Occupancy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "audiolink_channel_occupancy",
				Help: "Buffers queued in a stage channel",
			},
			[]string{"channel"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
