package observe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelvoice/sentinel/internal/health"
)

// Serve runs a small HTTP listener on addr exposing /metrics (Prometheus
// scrape via the OTel bridge installed by [InitProvider]) plus the /healthz
// and /readyz probes evaluating the given checkers. It blocks until ctx is
// cancelled, then shuts the listener down.
func Serve(ctx context.Context, addr string, checkers ...health.Checker) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics listener shutdown error", "err", err)
	}
	return nil
}
