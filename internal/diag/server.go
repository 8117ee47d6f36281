package diag

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is an optional local HTTP surface: a liveness check, a status
// snapshot, and a Prometheus scrape endpoint. Mounting this is entirely at
// the embedding application's discretion — the SIP/SIMPLE engine itself
// never depends on it being present.
type Server struct {
	router *chi.Mux
	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer builds the diagnostics HTTP handler. collector may be nil if
// the caller does not want a /metrics endpoint registered.
func NewServer(addr string, logger *slog.Logger, collector *Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "diag")

	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
	}

	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(structuredLogger(logger))
	r.Use(recoverer(logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus(collector))

	if collector != nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// ListenAndServe runs the diagnostics HTTP server until ctx is cancelled,
// then shuts it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{}
		if collector != nil {
			if collector.registration != nil {
				status["registration_state"] = collector.registration.RegistrationStateString()
			}
			if collector.dialogs != nil {
				status["active_dialogs"] = collector.dialogs.DialogCount()
			}
			if collector.subs != nil {
				status["active_subscriptions"] = collector.subs.SubscriptionCount()
			}
			if collector.authRetries != nil {
				status["auth_retries"] = collector.authRetries.AuthRetryCount()
			}
			status["uptime_seconds"] = time.Since(collector.startTime).Seconds()
		}
		writeJSON(w, http.StatusOK, status)
	}
}
