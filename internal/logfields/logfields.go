package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyPackage    = "package"
	KeyVersion    = "version"
	KeyAttemptID  = "attempt_id"
	KeyAttemptNo  = "attempt_no"
	KeyTarget     = "target"
	KeySlot       = "slot"
	KeyWorkerID   = "worker_id"
	KeyStatus     = "status"
	KeyReason     = "reason"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyURL        = "url"
	KeySchedule   = "schedule_name"
	KeyCount      = "count"
	KeyAlert      = "alert"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Package(name string) slog.Attr     { return slog.String(KeyPackage, name) }
func Version(v string) slog.Attr        { return slog.String(KeyVersion, v) }
func AttemptID(id int64) slog.Attr      { return slog.Int64(KeyAttemptID, id) }
func AttemptNo(n int) slog.Attr         { return slog.Int(KeyAttemptNo, n) }
func Target(t string) slog.Attr         { return slog.String(KeyTarget, t) }
func Slot(index int) slog.Attr          { return slog.Int(KeySlot, index) }
func WorkerID(id string) slog.Attr      { return slog.String(KeyWorkerID, id) }
func Status(s string) slog.Attr         { return slog.String(KeyStatus, s) }
func Reason(r string) slog.Attr         { return slog.String(KeyReason, r) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr            { return slog.String(KeyURL, u) }
func ScheduleName(n string) slog.Attr   { return slog.String(KeySchedule, n) }
func Count(n int) slog.Attr             { return slog.Int(KeyCount, n) }
func Alert() slog.Attr                  { return slog.Bool(KeyAlert, true) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Elapsed(d time.Duration) slog.Attr { return DurationMS(float64(d.Microseconds()) / 1000) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
