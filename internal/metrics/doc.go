// Package metrics defines the orchestrator's observability hooks.
//
// Components receive a Recorder through their options and default to
// NoopRecorder, so call sites never check for nil:
//
//	sched := scheduler.New(deps, scheduler.Options{Metrics: metrics.OrNoop(rec)})
//
// PrometheusRecorder is activated by the daemon when metrics.listen is set,
// and HTTPHandler serves its registry.
package metrics
