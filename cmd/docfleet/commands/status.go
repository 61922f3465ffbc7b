package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/docfleet/internal/daemon"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	Package string `arg:"" optional:"" help:"Package name"`
	Version string `arg:"" optional:"" help:"Package version"`
	JSON    bool   `help:"Print JSON"`
}

type releaseStatus struct {
	Package        string         `json:"package"`
	Version        string         `json:"version"`
	LatestArtifact string         `json:"latest_artifact,omitempty"`
	Attempts       []attemptState `json:"attempts"`
}

type attemptState struct {
	ID         int64     `json:"id"`
	AttemptNo  int       `json:"attempt_no"`
	Try        int       `json:"try"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Target     string    `json:"target"`
	LogRef     string    `json:"log_ref,omitempty"`
	Artifact   string    `json:"artifact_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (s *StatusCmd) Run(g *Global, root *CLI) error {
	if (s.Package == "") != (s.Version == "") {
		return errors.New("status needs both package and version, or neither")
	}
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	st, err := daemon.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if s.Package == "" {
		stats, err := st.QueueStats(ctx)
		if err != nil {
			return err
		}
		if s.JSON {
			return writeJSON(g.out(), stats)
		}
		return writeQueueStats(g.out(), stats)
	}

	attempts, err := st.ListAttempts(ctx, s.Package, s.Version)
	if err != nil {
		return err
	}
	rs := releaseStatus{Package: s.Package, Version: s.Version, Attempts: make([]attemptState, 0, len(attempts))}
	rs.LatestArtifact, err = st.LatestSuccessful(ctx, s.Package, s.Version)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for _, a := range attempts {
		rs.Attempts = append(rs.Attempts, attemptState{
			ID: a.ID, AttemptNo: a.AttemptNo, Try: a.Try, Status: string(a.Status), Reason: string(a.Reason),
			Target: a.Target, LogRef: a.LogRef, Artifact: a.ArtifactRef, CreatedAt: a.CreatedAt, FinishedAt: a.FinishedAt,
		})
	}
	if s.JSON {
		return writeJSON(g.out(), rs)
	}
	return writeReleaseStatus(g.out(), rs)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeQueueStats(w io.Writer, s store.QueueStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		name string
		n    int
	}{
		{"pending", s.Pending}, {"queued", s.Queued}, {"claimed", s.Claimed}, {"running", s.Running},
		{"succeeded", s.Succeeded}, {"failed", s.Failed}, {"errored", s.Errored},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", r.name, r.n)
	}
	return tw.Flush()
}

func writeReleaseStatus(w io.Writer, rs releaseStatus) error {
	latest := rs.LatestArtifact
	if latest == "" {
		latest = "none"
	}
	fmt.Fprintf(w, "%s@%s  latest artifact: %s\n", rs.Package, rs.Version, latest)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t#\tTRY\tSTATUS\tREASON\tTARGET\tLOG")
	for _, a := range rs.Attempts {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n", a.ID, a.AttemptNo, a.Try, a.Status, a.Reason, a.Target, a.LogRef)
	}
	return tw.Flush()
}
