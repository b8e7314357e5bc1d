package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/metrics"
)

// userHeader names the acting tenant on scoped routes. The API key
// authenticates the caller; this header selects whose sandboxes the
// call operates on.
const userHeader = "X-User-ID"

// authenticate enforces the shared-secret API key. An empty configured
// key is explicit dev mode: everything is accepted (the server warned
// at startup).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(s.cfg.APIKeyHeaderName)
		if presented == "" {
			s.writeError(w, r, errdefs.Unauthenticated("missing %s header", s.cfg.APIKeyHeaderName))
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, r, errdefs.Forbidden("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger emits one structured line per request and feeds the
// request counters. Metrics are labelled with the chi route pattern,
// not the raw path, to keep cardinality bounded.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}

		metrics.APIRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, pattern).Observe(duration.Seconds())

		logger := log.WithComponent("api")
		evt := logger.Info()
		if ww.Status() >= 500 {
			evt = logger.Error()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("user_id", r.Header.Get(userHeader)).
			Msg("Request handled")
	})
}
