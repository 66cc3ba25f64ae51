// Package metrics exposes Prometheus collectors for the limiter. All record
// helpers are safe to call before InitPrometheus; they simply do nothing
// until the subsystem is initialized.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for limiter metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	jobsTotal         *prometheus.CounterVec
	reservationMisses *prometheus.CounterVec
	delegationsTotal  *prometheus.CounterVec
	overageTotal      *prometheus.CounterVec
	adjustmentsTotal  prometheus.Counter
	poolUpdatesTotal  prometheus.Counter

	// Histograms
	jobDuration *prometheus.HistogramVec
	waitTime    *prometheus.HistogramVec

	// Gauges
	availableSlots *prometheus.GaugeVec
	inFlight       *prometheus.GaugeVec
	waiting        *prometheus.GaugeVec
	jobTypeRatio   *prometheus.GaugeVec
	jobTypeSlots   *prometheus.GaugeVec
	poolTotalSlots *prometheus.GaugeVec
	memoryBudgetKB prometheus.Gauge
	liveInstances  prometheus.Gauge
	costTotal      *prometheus.CounterVec
}

// Default histogram buckets for job duration (in milliseconds).
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs by job type, model and status",
			},
			[]string{"job_type", "model", "status"},
		),

		reservationMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservation_misses_total",
				Help:      "Reservation misses by model and limiting dimension",
			},
			[]string{"model", "dimension"},
		),

		delegationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delegations_total",
				Help:      "Jobs delegated away from a model",
			},
			[]string{"model"},
		),

		overageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overage_total",
				Help:      "Committed usage beyond a configured limit",
			},
			[]string{"model", "dimension"},
		),

		adjustmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratio_adjustments_total",
				Help:      "Dynamic job-type ratio adjustment cycles applied",
			},
		),

		poolUpdatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_updates_total",
				Help:      "Distributed pool allocation updates applied",
			},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_ms",
				Help:      "Job body execution duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"job_type", "model"},
		),

		waitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reservation_wait_ms",
				Help:      "Time spent waiting for model capacity in milliseconds",
				Buckets:   buckets,
			},
			[]string{"model"},
		),

		availableSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "available_slots",
				Help:      "Derived available job slots per model (-1 = unbounded)",
			},
			[]string{"model"},
		),

		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_jobs",
				Help:      "Jobs currently holding a slot, by job type",
			},
			[]string{"job_type"},
		),

		waiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "waiting_jobs",
				Help:      "Jobs queued for capacity, by model",
			},
			[]string{"model"},
		),

		jobTypeRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_type_ratio",
				Help:      "Current capacity ratio per job type",
			},
			[]string{"job_type"},
		),

		jobTypeSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_type_allocated_slots",
				Help:      "Allocated slots per job type",
			},
			[]string{"job_type"},
		),

		poolTotalSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_total_slots",
				Help:      "Per-instance pool slots per model from the distributed coordinator",
			},
			[]string{"model"},
		),

		memoryBudgetKB: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_budget_kb",
				Help:      "Current process memory budget in KB",
			},
		),

		liveInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_instances",
				Help:      "Live limiter instances observed in the shared registry",
			},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_total",
				Help:      "Accumulated job cost in currency units, by model",
			},
			[]string{"model"},
		),
	}

	registry.MustRegister(
		pm.jobsTotal,
		pm.reservationMisses,
		pm.delegationsTotal,
		pm.overageTotal,
		pm.adjustmentsTotal,
		pm.poolUpdatesTotal,
		pm.jobDuration,
		pm.waitTime,
		pm.availableSlots,
		pm.inFlight,
		pm.waiting,
		pm.jobTypeRatio,
		pm.jobTypeSlots,
		pm.poolTotalSlots,
		pm.memoryBudgetKB,
		pm.liveInstances,
		pm.costTotal,
	)

	promMetrics = pm
}

// Handler returns the HTTP handler serving the metrics endpoint, or a 404
// handler when metrics are disabled.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// Enabled reports whether the metrics subsystem was initialized.
func Enabled() bool { return promMetrics != nil }

func RecordJob(jobType, model, status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsTotal.WithLabelValues(jobType, model, status).Inc()
	if durationMs >= 0 && model != "" {
		promMetrics.jobDuration.WithLabelValues(jobType, model).Observe(float64(durationMs))
	}
}

func RecordReservationMiss(model, dimension string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reservationMisses.WithLabelValues(model, dimension).Inc()
}

func RecordDelegation(model string) {
	if promMetrics == nil {
		return
	}
	promMetrics.delegationsTotal.WithLabelValues(model).Inc()
}

func RecordOverage(model, dimension string, amount int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.overageTotal.WithLabelValues(model, dimension).Add(float64(amount))
}

func RecordAdjustment() {
	if promMetrics == nil {
		return
	}
	promMetrics.adjustmentsTotal.Inc()
}

func RecordPoolUpdate() {
	if promMetrics == nil {
		return
	}
	promMetrics.poolUpdatesTotal.Inc()
}

func RecordWaitTime(model string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.waitTime.WithLabelValues(model).Observe(float64(waitMs))
}

func RecordCost(model string, cost float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.costTotal.WithLabelValues(model).Add(cost)
}

func SetAvailableSlots(model string, slots int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.availableSlots.WithLabelValues(model).Set(float64(slots))
}

func SetInFlight(jobType string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.inFlight.WithLabelValues(jobType).Set(float64(n))
}

func SetWaiting(model string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.waiting.WithLabelValues(model).Set(float64(n))
}

func SetJobTypeRatio(jobType string, ratio float64, slots int) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobTypeRatio.WithLabelValues(jobType).Set(ratio)
	promMetrics.jobTypeSlots.WithLabelValues(jobType).Set(float64(slots))
}

func SetPoolTotalSlots(model string, slots int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolTotalSlots.WithLabelValues(model).Set(float64(slots))
}

func SetMemoryBudgetKB(kb int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.memoryBudgetKB.Set(float64(kb))
}

func SetLiveInstances(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.liveInstances.Set(float64(n))
}
