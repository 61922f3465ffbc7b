package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "docfleet"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	buildDuration *prom.HistogramVec
	buildOutcome  *prom.CounterVec
	claims        prom.Counter
	contention    prom.Counter
	reclaims      prom.Counter
	leaseLost     prom.Counter
	fetchDuration *prom.HistogramVec
	busySlots     prom.Gauge
	queueDepth    *prom.GaugeVec
	storageAlerts *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them with reg,
// or with a fresh registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of documentation builds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"target", "status"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Finished build attempts by status and reason",
		}, []string{"status", "reason"}),
		claims: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Releases claimed by this process",
		}),
		contention: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "claim_contention_total",
			Help:      "Claim rounds that lost every race for eligible work",
		}),
		reclaims: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "lease_reclaims_total",
			Help:      "Attempts reclaimed after their lease expired",
		}),
		leaseLost: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "lease_lost_total",
			Help:      "Builds abandoned because their lease was lost",
		}),
		fetchDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Duration of source fetches by result",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		busySlots: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "sandbox_busy_slots",
			Help:      "Sandbox slots currently lent to builds",
		}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_releases",
			Help:      "Releases by the status of their latest attempt",
		}, []string{"status"}),
		storageAlerts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "storage_alerts_total",
			Help:      "Storage and database failures raised as alerts",
		}, []string{"op"}),
	}
	reg.MustRegister(pr.buildDuration, pr.buildOutcome, pr.claims, pr.contention, pr.reclaims, pr.leaseLost,
		pr.fetchDuration, pr.busySlots, pr.queueDepth, pr.storageAlerts)
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(target, status string, d time.Duration) {
	p.buildDuration.WithLabelValues(target, status).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(status, reason string) {
	p.buildOutcome.WithLabelValues(status, reason).Inc()
}

func (p *PrometheusRecorder) IncClaim() { p.claims.Inc() }

func (p *PrometheusRecorder) IncClaimContention() { p.contention.Inc() }

func (p *PrometheusRecorder) AddReclaimed(n int) {
	if n > 0 {
		p.reclaims.Add(float64(n))
	}
}

func (p *PrometheusRecorder) IncLeaseLost() { p.leaseLost.Inc() }

func (p *PrometheusRecorder) ObserveFetch(d time.Duration, result ResultLabel) {
	p.fetchDuration.WithLabelValues(string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetBusySlots(n int) { p.busySlots.Set(float64(n)) }

func (p *PrometheusRecorder) SetQueueDepth(status string, n int) {
	p.queueDepth.WithLabelValues(status).Set(float64(n))
}

func (p *PrometheusRecorder) IncStorageAlert(op string) {
	p.storageAlerts.WithLabelValues(op).Inc()
}
