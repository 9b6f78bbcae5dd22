package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const metricPrefix = "gabb_mqtt_"

const (
	KindDiscovery = "discovery"
	KindState     = "state"
)

// Metrics bundles the bridge collectors.
type Metrics struct {
	PollsTotal       *prometheus.CounterVec
	PublishedTotal   *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	Devices          prometheus.Gauge
	LastSuccess      prometheus.Gauge
	IterationSeconds prometheus.Histogram
}

// New constructs the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "polls_total",
				Help: "Poll iterations by outcome",
			},
			[]string{"status"},
		),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "published_total",
				Help: "Messages published by kind",
			},
			[]string{"kind"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_failures_total",
				Help: "Failed publishes by kind",
			},
			[]string{"kind"},
		),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "devices",
			Help: "Devices in the latest map response",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "last_success_timestamp_seconds",
			Help: "Unix time of the last iteration that published without error",
		}),
		IterationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "iteration_duration_seconds",
			Help:    "Duration of a poll iteration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.PollsTotal,
		m.PublishedTotal,
		m.PublishFailures,
		m.Devices,
		m.LastSuccess,
		m.IterationSeconds,
	)
	return m
}

// Published and the other recorders accept a nil receiver so components can
// run without metrics.
func (m *Metrics) Published(kind string) {
	if m == nil {
		return
	}
	m.PublishedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) PublishFailed(kind string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Poll(status string, devices int, took time.Duration) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(status).Inc()
	m.IterationSeconds.Observe(took.Seconds())
	if status == "ok" {
		m.Devices.Set(float64(devices))
		m.LastSuccess.SetToCurrentTime()
	}
}

// Serve exposes /metrics for gatherer on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
