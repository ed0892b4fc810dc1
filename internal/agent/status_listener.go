package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *Agent) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := a.health.Snapshot()
		snap["run_id"] = a.runID
		snap["vm_name"] = a.target.VMName
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			a.logger.Debug("health encode failed", "error", err)
		}
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

// runStatusListener serves /healthz and /metrics until ctx ends. A bind or
// serve failure disables the endpoint for this run and is only logged.
func (a *Agent) runStatusListener(ctx context.Context) {
	addr := strings.TrimSpace(a.cfg.StatusAddr)
	if addr == "" {
		return
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.logger.Error("status endpoint disabled", "addr", addr, "error", err)
		return
	}
	a.logger.Info("status endpoint listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:           a.statusHandler(),
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("status endpoint stopped", "addr", addr, "error", err)
	}
}
