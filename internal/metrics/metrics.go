// Package metrics exports speech bridge telemetry to Prometheus.
//
// Exporter implements the session and engine observer interfaces and the
// callback publisher, so one instance sees every recognition outcome, every
// utterance and every event the bridge emits.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/tts"
)

const namespace = "speechbridge"

// Exporter collects bridge metrics into its own registry.
type Exporter struct {
	registry *prometheus.Registry

	sttSessions     *prometheus.CounterVec
	sttDuration     *prometheus.HistogramVec
	ttsState        prometheus.Gauge
	ttsUtterances   *prometheus.CounterVec
	ttsUtteranceDur *prometheus.HistogramVec
	ttsFiles        *prometheus.CounterVec
	ttsFileDur      *prometheus.HistogramVec
	events          *prometheus.CounterVec
}

// NewExporter creates an exporter with the bridge collectors plus the Go
// runtime and process collectors.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		sttSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stt_sessions_total",
				Help:      "Total number of recognition sessions by outcome",
			},
			[]string{"outcome"}, // final, error, canceled, start_failed, destroyed
		),
		sttDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stt_session_duration_seconds",
				Help:      "Time from start to end of a recognition session",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		ttsState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tts_state",
				Help:      "Synthesis engine state: 0 uninitialized, 1 initializing, 2 ready",
			},
		),
		ttsUtterances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tts_utterances_total",
				Help:      "Total number of finished utterances by terminal event",
			},
			[]string{"kind"}, // finish, cancel, error
		),
		ttsUtteranceDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tts_utterance_duration_seconds",
				Help:      "Time from submission to terminal event of an utterance",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		ttsFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tts_file_synthesis_total",
				Help:      "Total number of blocking file synthesis calls by result",
			},
			[]string{"result"}, // ok, failed, timeout, rejected, canceled
		),
		ttsFileDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tts_file_synthesis_duration_seconds",
				Help:      "Wall time of blocking file synthesis calls",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of callback events delivered to the host",
			},
			[]string{"source", "kind"},
		),
	}

	e.registry.MustRegister(
		e.sttSessions, e.sttDuration,
		e.ttsState, e.ttsUtterances, e.ttsUtteranceDur,
		e.ttsFiles, e.ttsFileDur,
		e.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WatchPendingWaits exports fn as the number of blocked file synthesis calls.
func (e *Exporter) WatchPendingWaits(fn func() int) {
	e.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tts_file_waits",
			Help:      "Number of file synthesis calls currently blocked on completion",
		},
		func() float64 { return float64(fn()) },
	))
}

// ObserveSession implements stt.Observer.
func (e *Exporter) ObserveSession(outcome string, elapsed time.Duration) {
	e.sttSessions.WithLabelValues(outcome).Inc()
	e.sttDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// StateChanged implements tts.Observer.
func (e *Exporter) StateChanged(s tts.State) {
	e.ttsState.Set(float64(s))
}

// UtteranceEnded implements tts.Observer.
func (e *Exporter) UtteranceEnded(kind callback.SynthesisKind, elapsed time.Duration) {
	e.ttsUtterances.WithLabelValues(kind.String()).Inc()
	e.ttsUtteranceDur.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// FileSynthesized implements tts.Observer.
func (e *Exporter) FileSynthesized(result string, elapsed time.Duration) {
	e.ttsFiles.WithLabelValues(result).Inc()
	e.ttsFileDur.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Publish implements callback.Publisher by counting the event.
func (e *Exporter) Publish(_ context.Context, ev callback.Event) error {
	e.events.WithLabelValues(string(ev.Source), ev.Kind).Inc()
	return nil
}
