package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/robolink-io/robolink/internal/auth"
	"github.com/robolink-io/robolink/internal/comms"
	"github.com/robolink-io/robolink/internal/metrics"
	"github.com/robolink-io/robolink/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Hub         *comms.Hub
	Dispatcher  comms.Dispatcher
	Store       *store.Store
	Logger      *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
// All routes are registered under /api/v1; /healthz and /metrics sit at the
// root for load balancers and Prometheus.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	sessionHandler := NewSessionHandler(cfg.AuthService, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Dispatcher, cfg.Logger)
	connectionHandler := NewConnectionHandler(cfg.Hub, cfg.Logger)
	conversationHandler := NewConversationHandler(cfg.Store, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/session", sessionHandler.Login)

			// The WebSocket endpoint authenticates in-band via the
			// Authenticate message, not at upgrade time.
			r.Get("/ws", wsHandler.ServeWS)
		})

		// --- Authenticated routes (valid token required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			r.Get("/connections", connectionHandler.List)
			r.Get("/connections/{id}", connectionHandler.Get)

			r.Get("/conversations", conversationHandler.List)
			r.Get("/robots/{machineName}/conversations/{id}/logs", conversationHandler.Logs)
		})
	})

	return r
}
