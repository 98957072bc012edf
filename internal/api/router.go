package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dturbay/secmgr/internal/logger"
	"github.com/dturbay/secmgr/pkg/session"
)

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET    /health                            - Liveness probe
//   - POST   /v1/sessions                       - Create session
//   - GET    /v1/sessions/{id}                  - Existence + age (touches)
//   - HEAD   /v1/sessions/{id}                  - Existence (no touch)
//   - DELETE /v1/sessions/{id}                  - Delete session
//   - GET    /v1/sessions/{id}/values/{key}     - Read value (?binary=1)
//   - PUT    /v1/sessions/{id}/values/{key}     - Write value
//   - HEAD   /v1/sessions/{id}/values/{key}     - Key existence
//   - POST   /v1/sessions/{id}/krb5/identity    - Store delegated identity
//   - GET    /v1/sessions/{id}/krb5/identity    - Stored principal
//   - GET    /v1/sessions/{id}/krb5/ccache      - Credential cache path
//   - GET    /v1/sessions/{id}/krb5/token       - Backend service token (?server=)
//   - GET    /v1/krb5/server-name               - Gateway service principal
func NewRouter(manager *session.Manager, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	h := NewHandler(manager)

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Head("/", h.HeadSession)
				r.Delete("/", h.DeleteSession)

				r.Route("/values/{key}", func(r chi.Router) {
					r.Get("/", h.GetValue)
					r.Put("/", h.SetValue)
					r.Head("/", h.HeadValue)
				})

				r.Route("/krb5", func(r chi.Router) {
					r.Post("/identity", h.StoreIdentity)
					r.Get("/identity", h.GetIdentity)
					r.Get("/ccache", h.GetCcache)
					r.Get("/token", h.GetToken)
				})
			})
		})

		r.Get("/krb5/server-name", h.GetServerName)
	})

	return r
}

// requestLogger logs requests using the internal logger.
//
// Request completion is logged at INFO level with method, path, status and
// duration; health probes are logged at DEBUG to reduce noise. Session
// identifiers appear in paths, so completion logs are the only place they
// are recorded, consistent with the rest of the process.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logFn := logger.Info
		if strings.HasPrefix(r.URL.Path, "/health") {
			logFn = logger.Debug
		}
		logFn("API request",
			"request_id", requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyDuration, logger.Duration(start),
			logger.KeyClientIP, r.RemoteAddr,
		)
	})
}
