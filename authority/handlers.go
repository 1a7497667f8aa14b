package authority

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// Handlers provides the HTTP handlers of the impersonation API.
type Handlers struct {
	service *Service
}

// NewHandlers creates the impersonation handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// StartHandler handles POST /api/admin/impersonate/start.
func (h *Handlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipalFromContext(r.Context())

	var req types.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	resp, err := h.service.Start(r.Context(), p.UserID, req, GetClientIP(r))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CurrentHandler handles GET /api/admin/impersonate/current. It answers 204
// when the caller is not inside an active impersonation session.
func (h *Handlers) CurrentHandler(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipalFromContext(r.Context())

	snap, err := h.service.Current(r.Context(), p, GetClientIP(r))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EndHandler handles POST /api/admin/impersonate/end.
func (h *Handlers) EndHandler(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipalFromContext(r.Context())

	var req types.EndSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	resp, err := h.service.End(r.Context(), p, req.SessionID, GetClientIP(r))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSessionsHandler handles GET /api/admin/impersonate/sessions.
func (h *Handlers) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListSessions(r.Context())
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// TerminateHandler handles POST /api/admin/impersonate/sessions/{id}/terminate.
func (h *Handlers) TerminateHandler(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipalFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	var req types.TerminateSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	if err := h.service.Terminate(r.Context(), p.UserID, sessionID, req.Reason, GetClientIP(r)); err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuditHandler handles GET /api/admin/impersonate/audit?session_id=&limit=.
func (h *Handlers) AuditHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid limit", err))
			return
		}
		limit = n
	}

	entries, err := h.service.AuditTrail(r.Context(), q.Get("session_id"), limit)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// WhoAmIHandler handles GET /api/me: the identity the caller acts as.
func (h *Handlers) WhoAmIHandler(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipalFromContext(r.Context())

	user, err := h.service.Store().GetUser(r.Context(), p.UserID)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	resp := struct {
		User          types.UserSummary `json:"user"`
		IsAdmin       bool              `json:"is_admin"`
		Impersonating bool              `json:"impersonating"`
		ActorID       string            `json:"actor_id,omitempty"`
	}{
		User:          user.Summary(),
		IsAdmin:       p.IsAdmin,
		Impersonating: p.IsImpersonation(),
	}
	if p.IsImpersonation() {
		resp.ActorID = p.ActorID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthHandler handles GET /healthz.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Store().db.DB().PingContext(r.Context()); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusServiceUnavailable, "database unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
