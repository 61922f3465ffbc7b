package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/docfleet/internal/logfields"
	"git.home.luguber.info/inful/docfleet/internal/metrics"
	"git.home.luguber.info/inful/docfleet/internal/store"
)

// queueStatter is the store view the metrics endpoints need.
type queueStatter interface {
	QueueStats(ctx context.Context) (store.QueueStats, error)
	Ping(ctx context.Context) error
}

// metricsServer serves /metrics and /healthz.
type metricsServer struct {
	srv  *http.Server
	addr string
}

// startMetricsServer binds addr before returning so a busy port fails startup.
func startMetricsServer(addr string, reg *prom.Registry, st queueStatter) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	mux.HandleFunc("/healthz", healthHandler(st))

	s := &metricsServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: ln.Addr().String(),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics listener failed", logfields.Error(err))
		}
	}()
	slog.Info("Metrics listener started", slog.String("addr", s.addr))
	return s, nil
}

// Stop shuts the listener down.
func (s *metricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func healthHandler(st queueStatter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}

// updateQueueGauge publishes release counts by latest attempt status.
func updateQueueGauge(ctx context.Context, st queueStatter, rec metrics.Recorder) {
	stats, err := st.QueueStats(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Could not read queue stats", logfields.Error(err))
		return
	}
	rec.SetQueueDepth("pending", stats.Pending)
	rec.SetQueueDepth(string(store.StatusQueued), stats.Queued)
	rec.SetQueueDepth(string(store.StatusClaimed), stats.Claimed)
	rec.SetQueueDepth(string(store.StatusRunning), stats.Running)
	rec.SetQueueDepth(string(store.StatusSucceeded), stats.Succeeded)
	rec.SetQueueDepth(string(store.StatusFailed), stats.Failed)
	rec.SetQueueDepth(string(store.StatusErrored), stats.Errored)
}
