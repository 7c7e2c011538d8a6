package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/signalsfoundry/dfsu-stream/internal/codec"
	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/kb"
	"github.com/signalsfoundry/dfsu-stream/model"
)

// ErrBadRequest marks malformed query parameters.
var ErrBadRequest = errors.New("bad request")

const requestIDHeader = "X-Request-Id"

func (s *Server) handleVertices(w http.ResponseWriter, r *http.Request) {
	body, err := s.Vertices(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBinary(w, body, "vertices-buffer.bin")
}

func (s *Server) handleTimesteps(w http.ResponseWriter, r *http.Request) {
	item, err := itemNumber(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.Field(r.Context(), r.URL.Query().Get("source"), item)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBinary(w, body, fmt.Sprintf("timestep-buffer-%d-all.bin", item))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	item, err := itemNumber(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	desc, err := s.Info(r.Context(), r.URL.Query().Get("source"), item)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

type sourceInfo struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	def := s.catalog.Default()
	out := []sourceInfo{}
	for _, src := range s.catalog.List() {
		out = append(out, sourceInfo{Name: src.Name, Default: src.Name == def})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sources": len(s.catalog.List()),
		"cached":  s.cache.Len(),
	})
}

func itemNumber(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("itemNumber")
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: itemNumber %q is not a positive integer", ErrBadRequest, raw)
	}
	return n, nil
}

// statusFor maps domain errors onto HTTP status codes. Unreadable meshes,
// unknown nodes and projection failures are server errors.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, kb.ErrSourceNotFound),
		errors.Is(err, model.ErrItemNotFound),
		errors.Is(err, model.ErrTimestepNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logging.FromContext(r.Context(), s.log)
	if code >= http.StatusInternalServerError {
		log.Error(r.Context(), "request failed", logging.Int("status", code), logging.Err(err))
	} else {
		log.Debug(r.Context(), "request rejected", logging.Int("status", code), logging.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeBinary(w http.ResponseWriter, body []byte, filename string) {
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Encoding", codec.ContentEncoding)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger attaches a request id and a request-scoped logger to every
// request. An inbound X-Request-Id is honoured.
func requestLogger(base logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(requestIDHeader); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, log := logging.WithRequestLogger(ctx, base.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Debug(ctx, "request served", logging.Duration("duration", time.Since(start)))
	})
}
