package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/internal/monitoring"
	"github.com/sells-group/geoinsight/internal/store"
)

var (
	servePort    int
	serveQueries string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initPipeline(ctx, serveQueries)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background health checks against run history.
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		runFn := func(runCtx context.Context, brand model.BrandContext) {
			if _, runErr := env.Pipeline.Run(runCtx, brand); runErr != nil {
				zap.L().Error("api run failed",
					zap.String("brand", brand.Name),
					zap.Error(runErr),
				)
			}
		}

		router := newRouter(env.Store, ctx, runFn)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the API routes. runFn launches a pipeline run and is
// invoked asynchronously with runCtx, so in-flight runs stop on shutdown.
func newRouter(st store.Store, runCtx context.Context, runFn func(context.Context, model.BrandContext)) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
		var brand model.BrandContext
		if err := json.NewDecoder(req.Body).Decode(&brand); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if brand.Name == "" {
			writeError(w, http.StatusBadRequest, "brand name is required")
			return
		}

		go runFn(runCtx, brand)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"brand":  brand.Name,
		})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if s := req.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		filter := store.RunFilter{
			Status: model.RunStatus(req.URL.Query().Get("status")),
			Brand:  req.URL.Query().Get("brand"),
			Limit:  limit,
		}

		runs, err := st.ListRuns(req.Context(), filter)
		if err != nil {
			zap.L().Error("api list runs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list runs failed")
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := st.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs/{id}/brief", func(w http.ResponseWriter, req *http.Request) {
		brief, err := st.GetExecutiveBrief(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			zap.L().Error("api get brief failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get brief failed")
			return
		}
		if brief == nil {
			writeError(w, http.StatusNotFound, "no brief for run")
			return
		}
		writeJSON(w, http.StatusOK, brief)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveQueries, "queries", "queries.yaml", "query set YAML file")
	rootCmd.AddCommand(serveCmd)
}
