// Package metrics exposes migration counters through Prometheus
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ledgermigrate/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record outcomes used as label values
const (
	OutcomeWritten   = "written"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
)

// Collector collects and exposes metrics
type Collector struct {
	registry         *prometheus.Registry
	recordsTotal     *prometheus.CounterVec
	billingTotal     prometheus.Counter
	batchDuration    prometheus.Histogram
	checkpointOffset *prometheus.GaugeVec
	progressTracker  *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgermigrate_records_total",
				Help: "Records processed by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		billingTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgermigrate_billing_minutes_total",
				Help: "Billing minutes newly persisted to user ledgers",
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledgermigrate_batch_duration_seconds",
				Help:    "Time taken to commit one batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		checkpointOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgermigrate_checkpoint_offset",
				Help: "Stream position of the last durable checkpoint",
			},
			[]string{"step"},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(c.recordsTotal)
	c.registry.MustRegister(c.billingTotal)
	c.registry.MustRegister(c.batchDuration)
	c.registry.MustRegister(c.checkpointOffset)

	return c
}

// ObserveBatch records the outcome of one committed batch. billingAdded is
// the number of minutes the batch newly persisted; cumulative is the
// store-wide total after it.
func (c *Collector) ObserveBatch(step string, written, duplicates, skipped int, billingAdded, cumulative int64, duration time.Duration) {
	c.recordsTotal.WithLabelValues(step, OutcomeWritten).Add(float64(written))
	c.recordsTotal.WithLabelValues(step, OutcomeDuplicate).Add(float64(duplicates))
	c.recordsTotal.WithLabelValues(step, OutcomeSkipped).Add(float64(skipped))
	c.billingTotal.Add(float64(billingAdded))
	c.batchDuration.Observe(duration.Seconds())
	c.progressTracker.AddBatch(written, duplicates, skipped, cumulative)
}

// SetCheckpoint publishes the latest durable offset of a step
func (c *Collector) SetCheckpoint(step string, offset int64) {
	c.checkpointOffset.WithLabelValues(step).Set(float64(offset))
}

// Registry returns the registry holding the migration metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
