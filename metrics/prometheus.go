package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests           *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	StageFailures      *prometheus.CounterVec
	TranscriptionPolls *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ziya_requests_total",
			Help: "Requests handled, by HTTP status code",
		}, []string{"code"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ziya_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ziya_stage_failures_total",
			Help: "Pipeline stage failures",
		}, []string{"stage"}),
		TranscriptionPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ziya_transcription_polls_total",
			Help: "Transcription job status polls, by observed status",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.Requests,
		m.StageDuration,
		m.StageFailures,
		m.TranscriptionPolls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveRequest(code int) {
	m.Requests.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ObservePoll(status string) {
	m.TranscriptionPolls.WithLabelValues(status).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
