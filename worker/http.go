package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/ramadanpath/offline/bridge"
	"github.com/ramadanpath/offline/notify"
)

const maxEventBody = 1 << 20

// Handler returns the worker's HTTP surface. Everything outside /__sw/ goes to the strategies.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /__sw/push", w.handlePush)
	mux.HandleFunc("POST /__sw/sync/{tag}", w.handleSync(false))
	mux.HandleFunc("POST /__sw/periodic-sync/{tag}", w.handleSync(true))
	mux.HandleFunc("POST /__sw/notifications/click", w.handleClick)
	mux.HandleFunc("POST /__sw/notifications/close", w.handleClose)
	mux.HandleFunc("POST /__sw/messages", w.handleMessage)
	mux.Handle("GET /__sw/clients", w.hub)
	mux.HandleFunc("GET /__sw/healthz", w.handleHealth)
	mux.HandleFunc("/__sw/", func(rw http.ResponseWriter, r *http.Request) {
		writeError(rw, http.StatusNotFound, "no such endpoint")
	})
	mux.Handle("/", w.engine)
	return w.recoverer(mux)
}

// Serve listens on the configured address until ctx is done, then shuts the
// server down and closes the worker within the shutdown timeout.
func (w *Worker) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              w.cfg.Listen,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	w.logger.Info("listening on %s in front of %s", w.cfg.Listen, w.cfg.Origin)

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}
	w.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("http shutdown: %s", err)
	}
	if err := w.Close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (w *Worker) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := cerrors.WithStack(cerrors.Newf("panic serving %s %s: %v", r.Method, r.URL.Path, rec))
				w.logger.Error("%+v", err)
				writeError(rw, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, errorBody{Error: msg})
}

func readBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	buf, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxEventBody))
	if err != nil {
		writeError(rw, http.StatusRequestEntityTooLarge, err.Error())
		return nil, false
	}
	return buf, true
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(rw, r)
	if !ok {
		return
	}
	w.Dispatch(r.Context(), PushEvent{Data: payload})
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) handleSync(periodic bool) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		tag := r.PathValue("tag")
		if _, ok := w.runner.Lookup(tag); !ok {
			w.logger.Warn("sync for unknown tag %s", tag)
			writeError(rw, http.StatusNotFound, "unknown tag "+tag)
			return
		}
		w.Dispatch(r.Context(), SyncEvent{Tag: tag, Periodic: periodic})
		rw.WriteHeader(http.StatusAccepted)
	}
}

func (w *Worker) decodeInteraction(rw http.ResponseWriter, r *http.Request) (notify.Interaction, bool) {
	var in notify.Interaction
	buf, ok := readBody(rw, r)
	if !ok {
		return in, false
	}
	if err := json.Unmarshal(buf, &in); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid interaction: "+err.Error())
		return in, false
	}
	return in, true
}

func (w *Worker) handleClick(rw http.ResponseWriter, r *http.Request) {
	in, ok := w.decodeInteraction(rw, r)
	if !ok {
		return
	}
	w.Dispatch(r.Context(), NotificationClickEvent{Interaction: in})
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) handleClose(rw http.ResponseWriter, r *http.Request) {
	in, ok := w.decodeInteraction(rw, r)
	if !ok {
		return
	}
	w.Dispatch(r.Context(), NotificationCloseEvent{Interaction: in})
	rw.WriteHeader(http.StatusNoContent)
}

// handleMessage delivers a message and answers with its reply, if it has one
func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	buf, ok := readBody(rw, r)
	if !ok {
		return
	}
	var (
		mu    sync.Mutex
		reply interface{}
	)
	port := bridge.ReplyFunc(func(_ context.Context, v interface{}) error {
		mu.Lock()
		reply = v
		mu.Unlock()
		return nil
	})
	err := w.Dispatch(r.Context(), MessageEvent{Data: buf, Port: port}).Wait(r.Context())
	switch {
	case errors.Is(err, bridge.ErrMalformed):
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if reply == nil {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(rw, http.StatusOK, reply)
}

// Health is the body of the health endpoint
type Health struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	State   string   `json:"state"`
	Clients int      `json:"clients"`
	Caches  []string `json:"caches"`
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	caches, err := w.storage.Keys(r.Context())
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, Health{
		Status:  "ok",
		Version: w.lifecycle.Version(),
		State:   w.lifecycle.State().String(),
		Clients: len(w.registry.MatchAll(true)),
		Caches:  caches,
	})
}
