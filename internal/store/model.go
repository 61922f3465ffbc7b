package store

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	ferrors "git.home.luguber.info/inful/docfleet/internal/foundation/errors"
)

// Status is the lifecycle state of a build attempt.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
)

// InFlight reports whether the status holds the release's single in-flight slot.
func (s Status) InFlight() bool { return s == StatusClaimed || s == StatusRunning }

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusErrored
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseLost         = errors.New("lease lost")
	ErrSchemaMissing     = errors.New("metadata schema is not initialized")
	ErrConflict          = errors.New("conflicting attempt in progress")
	ErrClaimContention   = errors.New("eligible release lost to concurrent claimers")
)

// SourceRef carries the registry coordinates of a release archive.
// An empty Location means the default registry.
type SourceRef struct {
	Location string `json:"location,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Release is one published (package, version) pair.
type Release struct {
	ID        int64
	Package   string
	Version   string
	Source    SourceRef
	CreatedAt time.Time
}

func (r Release) String() string { return r.Package + "@" + r.Version }

// BuildAttempt is one execution record for a release.
type BuildAttempt struct {
	ID             int64
	ReleaseID      int64
	AttemptNo      int
	Try            int // position within the automatic retry chain, 1-based
	Status         Status
	Reason         ferrors.ErrorCategory
	Retryable      bool
	Target         string
	LogRef         string
	ArtifactRef    string
	WorkerID       string
	LeaseExpiresAt time.Time
	AvailableAt    time.Time
	CreatedAt      time.Time
	ClaimedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	// RetractedAt is set once the attempt's artifact was withdrawn.
	RetractedAt time.Time
}

// Claim is the result of a successful ClaimNextPending.
type Claim struct {
	Release Release
	Attempt BuildAttempt
}

// Requeue describes the attempt created when a failure is retried.
type Requeue struct {
	AttemptID   int64
	AttemptNo   int
	Try         int
	AvailableAt time.Time
}

// QueueStats counts releases by the status of their latest attempt.
// Pending counts releases that were never attempted.
type QueueStats struct {
	Pending   int
	Queued    int
	Claimed   int
	Running   int
	Succeeded int
	Failed    int
	Errored   int
}

var (
	packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
	versionPattern     = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_-]{0,127}$`)
)

// ValidateCoordinates rejects names that cannot safely become path components.
func ValidateCoordinates(pkg, version string) error {
	if !packageNamePattern.MatchString(pkg) || pkg == ".." {
		return ferrors.ValidationError(fmt.Sprintf("invalid package name %q", pkg)).Build()
	}
	if !versionPattern.MatchString(version) {
		return ferrors.ValidationError(fmt.Sprintf("invalid version %q", version)).Build()
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
