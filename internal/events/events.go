// Package events carries release notifications into the orchestrator and
// build outcomes out of it.
package events

import (
	"context"
	"time"
)

// BuildEvent reports one finished attempt, or one extra target built by it.
type BuildEvent struct {
	Package     string    `json:"package"`
	Version     string    `json:"version"`
	Target      string    `json:"target"`
	AttemptID   int64     `json:"attempt_id"`
	AttemptNo   int       `json:"attempt_no"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	LogRef      string    `json:"log_ref,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Requeued    bool      `json:"requeued,omitempty"`
	ExtraTarget bool      `json:"extra_target,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReleaseNotice announces a newly published release.
type ReleaseNotice struct {
	Package  string `json:"package"`
	Version  string `json:"version"`
	Location string `json:"location,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Publisher emits build events.
type Publisher interface {
	BuildFinished(ctx context.Context, ev BuildEvent) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) BuildFinished(context.Context, BuildEvent) error { return nil }

// ReleaseHandler consumes release notices.
type ReleaseHandler func(ctx context.Context, notice ReleaseNotice) error
