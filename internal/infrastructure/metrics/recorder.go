package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

const namespace = "feedposter"

// Sinks selects where Flush publishes the registry. Empty fields are skipped.
type Sinks struct {
	PushgatewayURL string
	Job            string
	Textfile       string
}

// Recorder collects per-run observations in a private registry.
type Recorder struct {
	registry *prometheus.Registry
	sinks    Sinks

	fetched      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	summaries    *prometheus.CounterVec
	aborts       *prometheus.CounterVec
	runDuration  prometheus.Gauge
	lastSuccess  prometheus.Gauge
	runCommitted prometheus.Gauge
}

var _ ports.RunRecorder = (*Recorder)(nil)

// NewRecorder constructs the collectors and registers them.
func NewRecorder(sinks Sinks) (*Recorder, error) {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		sinks:    sinks,
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_fetched_total",
			Help:      "Candidate items returned by source adapters.",
		}, []string{"source"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_outcomes_total",
			Help:      "Delivery outcomes recorded per source and status.",
		}, []string{"source", "status"}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Summaries produced, by outcome.",
		}, []string{"outcome"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_aborts_total",
			Help:      "Sources whose processing stopped early, by reason.",
		}, []string{"source", "reason"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_commit_timestamp_seconds",
			Help:      "Unix time of the last run that committed state.",
		}),
		runCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_committed",
			Help:      "1 when the last run committed state, 0 otherwise.",
		}),
	}

	for _, c := range []prometheus.Collector{r.fetched, r.outcomes, r.summaries, r.aborts, r.runDuration, r.lastSuccess, r.runCommitted} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ItemsFetched(sourceID string, n int) {
	r.fetched.WithLabelValues(sourceID).Add(float64(n))
}

func (r *Recorder) ItemOutcome(sourceID string, status domain.DeliveryStatus) {
	r.outcomes.WithLabelValues(sourceID, string(status)).Inc()
}

func (r *Recorder) SummaryOutcome(outcome string) {
	r.summaries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SourceAborted(sourceID, reason string) {
	r.aborts.WithLabelValues(sourceID, reason).Inc()
}

func (r *Recorder) RunFinished(duration time.Duration, committed bool) {
	r.runDuration.Set(duration.Seconds())
	if committed {
		r.runCommitted.Set(1)
		r.lastSuccess.SetToCurrentTime()
		return
	}
	r.runCommitted.Set(0)
}

// Flush pushes the registry to the configured Pushgateway and writes the
// node-exporter textfile. Both sinks are attempted even if one fails.
func (r *Recorder) Flush(ctx context.Context) error {
	var errs []error
	if r.sinks.PushgatewayURL != "" {
		job := r.sinks.Job
		if job == "" {
			job = namespace
		}
		if err := push.New(r.sinks.PushgatewayURL, job).Gatherer(r.registry).PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push metrics: %w", err))
		}
	}
	if r.sinks.Textfile != "" {
		if err := prometheus.WriteToTextfile(r.sinks.Textfile, r.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	return errors.Join(errs...)
}
