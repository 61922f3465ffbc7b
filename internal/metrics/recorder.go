package metrics

import "time"

// ResultLabel enumerates operation results for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultCacheHit ResultLabel = "cache_hit"
	ResultFailed   ResultLabel = "failed"
)

// Recorder defines the observability hooks of the build orchestrator.
// Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveBuildDuration(target, status string, d time.Duration)
	IncBuildOutcome(status, reason string)
	IncClaim()
	IncClaimContention()
	AddReclaimed(n int)
	IncLeaseLost()
	ObserveFetch(d time.Duration, result ResultLabel)
	SetBusySlots(n int)
	SetQueueDepth(status string, n int)
	IncStorageAlert(op string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(string, string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string, string)                     {}
func (NoopRecorder) IncClaim()                                          {}
func (NoopRecorder) IncClaimContention()                                {}
func (NoopRecorder) AddReclaimed(int)                                   {}
func (NoopRecorder) IncLeaseLost()                                      {}
func (NoopRecorder) ObserveFetch(time.Duration, ResultLabel)            {}
func (NoopRecorder) SetBusySlots(int)                                   {}
func (NoopRecorder) SetQueueDepth(string, int)                          {}
func (NoopRecorder) IncStorageAlert(string)                             {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
