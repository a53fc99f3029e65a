package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/calendar-assistant/internal/model"
	"github.com/sells-group/calendar-assistant/internal/monitoring"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

const shutdownTimeout = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connectivity monitor, state sweeper and status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		timeout := time.Duration(cfg.Connectivity.TimeoutMs) * time.Millisecond
		env, err := initApp(ctx, cfg, monitoring.NewHTTPProber(cfg.Connectivity.ProbeURL, timeout))
		if err != nil {
			return err
		}
		defer env.Close()

		return runServe(ctx, env, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// runServe runs the monitor, the sweeper and the HTTP server until ctx is
// done or one of them fails.
func runServe(ctx context.Context, env *appEnv, port int) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := env.Monitor.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		env.Monitor.Stop()
		return nil
	})

	if secs := env.Config.State.SweepIntervalSecs; secs > 0 {
		g.Go(func() error {
			err := env.Preserver.RunSweeper(gctx, time.Duration(secs)*time.Second)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		return startServer(gctx, buildRouter(env), port)
	})

	return g.Wait()
}

// startServer serves h on port until ctx is done, then shuts down
// gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Network    model.NetworkStatus          `json:"network"`
	QueueDepth int                          `json:"queue_depth"`
	Pending    []offline.QueuedOperation    `json:"pending"`
	Dropped    []offline.QueuedOperation    `json:"dropped"`
	Circuits   map[resilience.Domain]string `json:"circuits,omitempty"`
	LastDrain  *offline.DrainReport         `json:"last_drain,omitempty"`
}

// buildRouter wires the status endpoints.
func buildRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: env.Config.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Network:    env.Monitor.Status(),
			QueueDepth: env.Queue.Len(),
			Pending:    nonNil(env.Queue.Pending()),
			Dropped:    nonNil(env.Queue.Dropped()),
			LastDrain:  env.lastDrain.Load(),
		}
		if env.Breakers != nil {
			resp.Circuits = env.Breakers.States()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/queue/drain", func(w http.ResponseWriter, r *http.Request) {
		report, err := env.Queue.Drain(r.Context())
		if err != nil {
			zap.L().Warn("manual drain failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/state/{key}", func(w http.ResponseWriter, r *http.Request) {
		st, err := env.Preserver.Load(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if st == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "state not found"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Delete("/state/{key}", func(w http.ResponseWriter, r *http.Request) {
		if err := env.Preserver.Clear(r.Context(), chi.URLParam(r, "key")); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response failed", zap.Error(err))
	}
}

func nonNil(ops []offline.QueuedOperation) []offline.QueuedOperation {
	if ops == nil {
		return []offline.QueuedOperation{}
	}
	return ops
}
