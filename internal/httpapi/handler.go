// Package httpapi serves stored objects over HTTP with single-range support, so
// media players can seek inside chunked objects.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/kk-code-lab/spillway/internal/logging"
	"github.com/kk-code-lab/spillway/internal/meta"
	"github.com/kk-code-lab/spillway/internal/storage/engine"
)

// Handler routes the object API.
type Handler struct {
	Engine  *engine.Engine
	Log     *slog.Logger
	Metrics *Metrics

	mux *http.ServeMux
}

// New builds the handler with routes registered.
func New(e *engine.Engine, log *slog.Logger) *Handler {
	h := &Handler{
		Engine:  e,
		Log:     logging.OrDiscard(log),
		Metrics: NewMetrics(),
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /healthz", h.instrument("healthz", h.handleHealth))
	h.mux.HandleFunc("GET /stats", h.instrument("stats", h.handleStats))
	h.mux.HandleFunc("GET /objects", h.instrument("list", h.handleList))
	h.mux.HandleFunc("GET /objects/{id}", h.instrument("get", h.handleGet))
	h.mux.HandleFunc("DELETE /objects/{id}", h.instrument("delete", h.handleDelete))
	return h
}

// Server wraps the handler with request logging.
func (h *Handler) Server() http.Handler {
	return LoggingMiddleware(h.Log, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) instrument(op string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.Metrics.inflight.Add(1)
		defer h.Metrics.inflight.Add(-1)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		h.Metrics.Record(op, sw.status, time.Since(start))
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	objects, err := h.Engine.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	if objects == nil {
		objects = []meta.Object{}
	}
	writeJSON(w, http.StatusOK, objects)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := h.Engine.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, engine.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "NoSuchObject", "object not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	headOnly := r.Method == http.MethodHead

	obj, err := h.Engine.Object(ctx, id)
	if errors.Is(err, engine.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "NoSuchObject", "object not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	size := obj.TotalSize
	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("ETag", `"`+obj.ID+`"`)
	header.Set("Last-Modified", obj.CreatedAt.UTC().Format(http.TimeFormat))
	header.Set("Content-Type", contentType(obj.Name))

	start, length := int64(0), size
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		var ok bool
		start, length, ok = parseRange(rangeHeader, size)
		if !ok {
			header.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "invalid range")
			return
		}
		status = http.StatusPartialContent
		header.Set("Content-Range", formatContentRange(start, length, size))
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	if headOnly || length == 0 {
		w.WriteHeader(status)
		return
	}

	reader, _, err := h.Engine.OpenRange(ctx, id, start, start+length-1)
	if err != nil {
		header.Del("Content-Length")
		header.Del("Content-Range")
		var rangeErr *engine.InvalidRangeError
		switch {
		case errors.Is(err, engine.ErrObjectNotFound):
			writeError(w, http.StatusNotFound, "NoSuchObject", "object not found")
		case errors.As(err, &rangeErr):
			header.Set("Content-Range", "bytes */"+strconv.FormatInt(rangeErr.Size, 10))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		}
		return
	}
	defer func() { _ = reader.Close() }()
	if status == http.StatusPartialContent {
		h.Metrics.rangeReads.Add(1)
	}
	w.WriteHeader(status)
	n, err := io.Copy(w, reader)
	h.Metrics.addBytesOut(n)
	if err != nil && !errors.Is(err, context.Canceled) {
		// Headers are gone; the client sees a short body.
		h.Metrics.readFailures.Add(1)
		h.Log.Error("stream object", "object_id", id, "offset", start+n, "err", err)
	}
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
