package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
)

// userHeader carries the authenticated user id, set by the fronting gateway.
const userHeader = "X-User-ID"

var (
	servePort   int
	serveWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if serveWorker {
			startMonitoring(ctx, env.Store)
			go runWorker(ctx, env.Engine, workerInterval(), cfg.Batch.DefaultLimit)
		}

		router := buildRouter(env.Engine, cfg.Server.CORSOrigins)
		return startServer(ctx, router, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "also run the background worker loop")
	rootCmd.AddCommand(serveCmd)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves handler until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

type api struct {
	engine *enrich.Engine
}

// buildRouter mounts the enrichment API. Every /api route is scoped to the
// user named by the X-User-ID header.
func buildRouter(engine *enrich.Engine, origins []string) http.Handler {
	a := &api{engine: engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", userHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/enrichment", func(r chi.Router) {
		r.Use(requireUserHeader)
		r.Post("/tasks", a.enqueue)
		r.Get("/tasks", a.listTasks)
		r.Post("/backfill", a.backfill)
		r.Post("/process", a.process)
		r.Get("/summary", a.summary)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/audit", a.audit)
			r.Post("/approve", a.approve)
			r.Post("/dismiss", a.dismiss)
			r.Post("/retry", a.retry)
			r.Post("/retry-now", a.retryNow)
		})
	})
	return r
}

func requireUserHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": userHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enrich.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res, err := a.engine.Enqueue(r.Context(), r.Header.Get(userHeader), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) backfill(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.EnqueueAllMissing(r.Context(), r.Header.Get(userHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) process(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	out, err := a.engine.ProcessDue(r.Context(), r.Header.Get(userHeader), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	page, err := a.engine.ListTasks(r.Context(), r.Header.Get(userHeader), enrich.ListRequest{
		Status: model.TaskStatus(r.URL.Query().Get("status")),
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *api) summary(w http.ResponseWriter, r *http.Request) {
	counts, err := a.engine.Summary(r.Context(), r.Header.Get(userHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *api) audit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.TaskAudit(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// approveRequest carries optional explicit selections. A missing body or
// a missing "selections" key asks the engine to recompute.
type approveRequest struct {
	Selections *[]model.FieldSelection `json:"selections"`
}

func (a *api) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	t, err := a.engine.Approve(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"), req.Selections)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) dismiss(w http.ResponseWriter, r *http.Request) {
	a.taskAction(w, r, a.engine.Dismiss)
}

func (a *api) retry(w http.ResponseWriter, r *http.Request) {
	a.taskAction(w, r, a.engine.Retry)
}

func (a *api) retryNow(w http.ResponseWriter, r *http.Request) {
	a.taskAction(w, r, a.engine.RetryNow)
}

func (a *api) taskAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*model.Task, error)) {
	t, err := fn(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + key})
		return 0, false
	}
	return n, true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var unavailable *enrich.ProviderUnavailableError
	switch {
	case errors.Is(err, enrich.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, enrich.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, enrich.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}
