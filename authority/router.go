package authority

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juanfont/impersonate/client"
	"github.com/juanfont/impersonate/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// RouterConfig configures the HTTP surface of the authority.
type RouterConfig struct {
	CORS *middleware.CORSConfig
}

// NewRouter wires the impersonation API, health and metrics endpoints.
func NewRouter(service *Service, cfg RouterConfig) *mux.Router {
	h := NewHandlers(service)
	auth := NewAuthMiddleware(service.Tokens(), service)

	r := mux.NewRouter()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logging(log.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.CORS))

	r.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/me", auth.RequireAuth(h.WhoAmIHandler)).Methods(http.MethodGet)

	api := r.PathPrefix(client.APIPrefix).Subrouter()
	api.HandleFunc("/start", auth.RequireAdmin(h.StartHandler)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/current", auth.AllowEndedSession(h.CurrentHandler)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/end", auth.AllowEndedSession(h.EndHandler)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions", auth.RequireAdmin(h.ListSessionsHandler)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{id}/terminate", auth.RequireAdmin(h.TerminateHandler)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/audit", auth.RequireAdmin(h.AuditHandler)).Methods(http.MethodGet, http.MethodOptions)

	return r
}
