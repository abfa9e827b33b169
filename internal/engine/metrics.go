// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

const metricsNamespace = "cairn_engine"

// Collector is a prometheus.Collector that collects metrics about the
// unit registry and the job queue.
type Collector struct {
	units          *prometheus.GaugeVec
	jobsQueued     prometheus.Gauge
	jobsAdded      *prometheus.CounterVec
	jobResults     *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	unitsCollected prometheus.Counter
	emergencies    *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		units: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "units",
				Help:      "The number of known units, by active state.",
			}, []string{"state"},
		),
		jobsQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_queued",
				Help:      "The number of jobs currently queued.",
			},
		),
		jobsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_added_total",
				Help:      "The number of jobs installed, by job type.",
			}, []string{"type"},
		),
		jobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_results_total",
				Help:      "The number of finished jobs, by result.",
			}, []string{"result"},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transactions_total",
				Help:      "The number of installed transactions, by mode.",
			}, []string{"mode"},
		),
		unitsCollected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "units_collected_total",
				Help:      "The number of units removed by garbage collection.",
			},
		),
		emergencies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "emergency_actions_total",
				Help:      "The number of emergency actions performed, by action.",
			}, []string{"action"},
		),
	}
}

func (c *Collector) jobAdded(t job.Type) {
	c.jobsAdded.WithLabelValues(t.String()).Inc()
}

func (c *Collector) jobFinished(r job.Result) {
	c.jobResults.WithLabelValues(r.String()).Inc()
}

func (c *Collector) transaction(m job.Mode) {
	c.transactions.WithLabelValues(m.String()).Inc()
}

func (c *Collector) unitCollected() {
	c.unitsCollected.Inc()
}

func (c *Collector) emergency(a Action) {
	c.emergencies.WithLabelValues(a.String()).Inc()
}

// snapshot refreshes the gauges from a walk over the engine's state,
// called once per loop turn.
func (c *Collector) snapshot(unitCounts map[unit.ActiveState]int, jobsQueued int) {
	for _, s := range []unit.ActiveState{
		unit.Active, unit.Reloading, unit.Inactive,
		unit.Failed, unit.Activating, unit.Deactivating,
	} {
		c.units.WithLabelValues(s.String()).Set(float64(unitCounts[s]))
	}
	c.jobsQueued.Set(float64(jobsQueued))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.units.Describe(ch)
	c.jobsQueued.Describe(ch)
	c.jobsAdded.Describe(ch)
	c.jobResults.Describe(ch)
	c.transactions.Describe(ch)
	c.unitsCollected.Describe(ch)
	c.emergencies.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.units.Collect(ch)
	c.jobsQueued.Collect(ch)
	c.jobsAdded.Collect(ch)
	c.jobResults.Collect(ch)
	c.transactions.Collect(ch)
	c.unitsCollected.Collect(ch)
	c.emergencies.Collect(ch)
}
