package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vk/stagerunner/internal/pipeline"
)

// statusView is the live run view served while a pipeline executes.
type statusView struct {
	Pipeline    string                     `json:"pipeline"`
	Units       map[string]pipeline.Status `json:"units"`
	Transitions int                        `json:"transitions"`
}

// startStatusServer serves the live run status over HTTP. It stops when the
// run context ends.
func (a *App) startStatusServer(ctx context.Context, port int) {
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	router.Get("/run", func(w http.ResponseWriter, r *http.Request) {
		view := statusView{
			Pipeline:    a.def.Name,
			Units:       a.recorder.Snapshot(),
			Transitions: len(a.recorder.Transitions()),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			a.logger.Error("Status response encoding failed.", "error", err)
		}
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	go func() {
		a.logger.Info("Status server starting.", "address", fmt.Sprintf("http://localhost%s/run", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Status server failed.", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		server.Close()
	}()
}
