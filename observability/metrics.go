package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/latefee-engine/latefee"
)

// PromRecorder exports engine metrics to Prometheus. It owns its registry
// so tests and multiple engines don't collide on the global one.
type PromRecorder struct {
	registry *prometheus.Registry

	calculations *prometheus.CounterVec
	feeAmount    *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	batchRows    *prometheus.CounterVec
	batchFailed  *prometheus.CounterVec
	batchSeconds *prometheus.HistogramVec
}

func NewPromRecorder() *PromRecorder {
	r := &PromRecorder{
		registry: prometheus.NewRegistry(),
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latefee",
			Name:      "calculations_total",
			Help:      "Late fee determinations by target type and outcome.",
		}, []string{"target", "outcome"}),
		feeAmount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "latefee",
			Name:      "fee_amount",
			Help:      "Computed late fee amounts.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"target"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latefee",
			Name:      "rule_cache_lookups_total",
			Help:      "Rule cache lookups by result.",
		}, []string{"result"}),
		batchRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latefee",
			Name:      "batch_rows_total",
			Help:      "Rows scanned by company-wide batches.",
		}, []string{"target"}),
		batchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latefee",
			Name:      "batch_row_failures_total",
			Help:      "Rows that failed inside company-wide batches.",
		}, []string{"target"}),
		batchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "latefee",
			Name:      "batch_duration_seconds",
			Help:      "Company-wide batch duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.calculations, r.feeAmount, r.cacheLookups,
		r.batchRows, r.batchFailed, r.batchSeconds,
	)
	return r
}

func (r *PromRecorder) CalculationDone(target latefee.TargetType, outcome string, fee float64) {
	r.calculations.WithLabelValues(string(target), outcome).Inc()
	if outcome == latefee.OutcomeFee {
		r.feeAmount.WithLabelValues(string(target)).Observe(fee)
	}
}

func (r *PromRecorder) RuleCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *PromRecorder) BatchDone(target latefee.TargetType, rows, failures int, elapsed time.Duration) {
	r.batchRows.WithLabelValues(string(target)).Add(float64(rows))
	r.batchFailed.WithLabelValues(string(target)).Add(float64(failures))
	r.batchSeconds.WithLabelValues(string(target)).Observe(elapsed.Seconds())
}

// Registry exposes the registry for tests and extra collectors.
func (r *PromRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PromRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
