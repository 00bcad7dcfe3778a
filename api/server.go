/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. AccessLog:  One zerolog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the calculator frontend
  5. Session:    X-Session-ID resolution (state and stage routes only)

ROUTE GROUPS:
  /api/state/*      Session aggregate and wage rows
  /api/stages/*     Stage 1, 2 and 3
  /api/series/*     Stored index series
  /api/scenarios/*  Demo data

SECURITY NOTE:
  No authentication middleware. Session ids are unguessable but not secret.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/finlegal/accident-engine/logger"
)

// SessionHeader carries the session id in both directions.
const SessionHeader = "X-Session-ID"

// NewRouter creates a new router with all routes configured. allowedOrigins
// defaults to any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(AccessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", SessionHeader},
		ExposedHeaders: []string{SessionHeader},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(SessionID)

			r.Route("/state", func(r chi.Router) {
				r.Get("/", h.GetState)
				r.Patch("/", h.PatchState)
				r.Delete("/", h.ResetState)

				r.Post("/rows", h.AddRow)
				r.Post("/rows/prefill", h.PrefillRows)
				r.Patch("/rows/{id}", h.UpdateRow)
				r.Delete("/rows/{id}", h.RemoveRow)
			})

			r.Route("/stages", func(r chi.Router) {
				r.Post("/ibm", h.RunIbm)
				r.Post("/update", h.RunUpdate)
				r.Post("/compensation", h.RunCompensation)
			})

			r.Post("/scenarios/load", h.LoadScenario)
		})

		r.Route("/series", func(r chi.Router) {
			r.Get("/", h.ListSeries)
			r.Get("/{name}", h.GetSeries)
			r.Put("/{name}", h.ImportSeries)
		})

		r.Get("/scenarios", h.ListScenarios)
		r.Get("/scenarios/current", h.GetCurrentScenario)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// =============================================================================
// SESSION MIDDLEWARE
// =============================================================================

type ctxKey uint8

const sessionIDKey ctxKey = iota

// SessionID resolves the X-Session-ID header. A missing header starts a new
// session; the id in use is echoed on the response either way.
func SessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		if id == "" {
			id = uuid.NewString()
		} else if parsed, err := uuid.Parse(id); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "invalid " + SessionHeader + " header: must be a UUID",
				Code:  codeValidation,
			})
			return
		} else {
			id = parsed.String()
		}

		w.Header().Set(SessionHeader, id)
		ctx := context.WithValue(r.Context(), sessionIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionIDFrom returns the session id resolved by SessionID.
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// =============================================================================
// ACCESS LOG
// =============================================================================

// AccessLog writes one line per request with status, size and latency.
func AccessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				ev := log.Info()
				if status >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
