package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/pipeline"
)

// OpsServer is the operator-facing HTTP surface: health, metrics, and the
// dead-letter queue.
type OpsServer struct {
	receipts domain.ReceiptRepository
	pipe     *pipeline.Pipeline
	srv      *http.Server
}

// NewOpsServer builds the ops router.
func NewOpsServer(port int, receipts domain.ReceiptRepository, pipe *pipeline.Pipeline) *OpsServer {
	o := &OpsServer{receipts: receipts, pipe: pipe}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", o.listDeadLetters)
		r.Post("/{traceID}/retry", o.retryDeadLetter)
		r.Post("/{traceID}/resolve", o.resolveDeadLetter)
	})

	o.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return o
}

// Run serves until ctx ends, then drains.
func (o *OpsServer) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.srv.Shutdown(shutdownCtx)
	}()
	if err := o.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("ops server error", slog.Any("error", err))
	}
}

func (o *OpsServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := domain.DeadLetterStatus(r.URL.Query().Get("status"))
	rows, err := o.receipts.ListDeadLetters(r.Context(), status, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (o *OpsServer) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "ops"
	}
	if err := o.pipe.RetryDeadLetter(r.Context(), traceID, by); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			http.Error(w, "dead letter is not open", http.StatusConflict)
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "unknown trace", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (o *OpsServer) resolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	if err := o.receipts.ResolveDeadLetter(r.Context(), traceID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
