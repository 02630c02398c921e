package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/llmtrace/gateway/internal/admission"
	"github.com/llmtrace/gateway/internal/auth"
	"github.com/llmtrace/gateway/internal/core"
)

type contextKey string

const identityKey contextKey = "identity"

// corsMiddleware lets the dashboard call the API from the browser.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status written by a handler for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the logging wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

// authMiddleware resolves the bearer token and stashes the identity on the
// request context. Everything under /v1 runs behind it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ParseBearer(r.Header.Get("Authorization"))
		identity, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			if s.metrics != nil {
				s.metrics.AuthFailures.Inc()
			}
			writeError(w, core.AsError(err))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) *core.Identity {
	id, _ := r.Context().Value(identityKey).(*core.Identity)
	return id
}

// readBody consumes the request body under the 1 MiB admission cap. A body
// over the cap answers 413 directly; the error-kind table has no dedicated
// slot for it.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, admission.MaxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: errorBody{
			Message: "request body exceeds 1 MiB",
			Type:    string(core.KindInvalidRequest),
			Code:    "body_too_large",
		}})
		return nil, false
	}
	return body, true
}

// requireProject rejects calls where the {projectID} path segment does not
// match the authenticated project.
func requireProject(w http.ResponseWriter, r *http.Request, pathProject string) *core.Identity {
	identity := identityFrom(r)
	if identity == nil {
		writeError(w, core.NewError(core.KindUnauthorized, "missing_identity", "request is not authenticated"))
		return nil
	}
	if pathProject != "" && pathProject != identity.Project.ID {
		writeError(w, core.NewError(core.KindForbidden, "project_mismatch",
			"API key does not belong to project "+pathProject))
		return nil
	}
	return identity
}
