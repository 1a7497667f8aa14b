package authority

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

// ContextKeyPrincipal is the context key for the authenticated caller.
const ContextKeyPrincipal ContextKey = "principal"

// AuthMiddleware authenticates bearer tokens issued by the authority.
type AuthMiddleware struct {
	tokens  *TokenIssuer
	service *Service
}

// NewAuthMiddleware creates the bearer token middleware.
func NewAuthMiddleware(tokens *TokenIssuer, service *Service) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, service: service}
}

// Authenticate validates the bearer token of r. Impersonation tokens whose
// session is over are accepted only when allowEnded is set.
func (m *AuthMiddleware) Authenticate(r *http.Request, allowEnded bool) (*Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		log.Warn().Str("path", r.URL.Path).Msg("Authentication required")
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Authentication required", nil)
	}

	claims, err := m.tokens.Parse(raw)
	if err != nil {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Invalid access token", err)
	}
	subject, _ := uuid.Parse(claims.Subject)
	now := m.service.now()

	if !claims.IsImpersonation() {
		if claims.ExpiredAt(now) {
			return nil, types.NewHTTPError(http.StatusUnauthorized, "Access token expired", nil)
		}
		user, err := m.service.Store().GetUser(r.Context(), subject)
		if err != nil {
			return nil, types.NewHTTPError(http.StatusUnauthorized, "User not found", err)
		}
		return &Principal{UserID: user.ID, IsAdmin: user.IsAdmin && claims.Admin}, nil
	}

	sessionID, _ := uuid.Parse(claims.SessionID)
	actorID, _ := uuid.Parse(claims.Actor)
	p := &Principal{UserID: subject, SessionID: sessionID, ActorID: actorID}
	if allowEnded {
		return p, nil
	}

	if claims.ExpiredAt(now) {
		return nil, types.NewHTTPError(http.StatusUnauthorized, "Impersonation session expired", nil)
	}
	if _, err := m.service.ActiveSession(r.Context(), sessionID); err != nil {
		switch types.KindOf(err) {
		case types.KindAuthorization, types.KindNotFound:
			return nil, types.NewHTTPError(http.StatusUnauthorized, "Impersonation session has ended", err)
		default:
			return nil, err
		}
	}
	return p, nil
}

func (m *AuthMiddleware) wrap(next http.HandlerFunc, allowEnded bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := m.Authenticate(r, allowEnded)
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyPrincipal, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequireAuth requires a valid admin token or a token of an active
// impersonation session.
func (m *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return m.wrap(next, false)
}

// AllowEndedSession is RequireAuth that also admits impersonation tokens of
// sessions that are over, for endpoints that must answer them gracefully.
func (m *AuthMiddleware) AllowEndedSession(next http.HandlerFunc) http.HandlerFunc {
	return m.wrap(next, true)
}

// RequireAdmin requires a super-admin token.
func (m *AuthMiddleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipalFromContext(r.Context())
		if p == nil || !p.IsAdmin || p.IsImpersonation() {
			log.Error().
				Str("path", r.URL.Path).
				Msg("Admin privileges required")
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Admin privileges required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetPrincipalFromContext retrieves the caller from the request context.
func GetPrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(ContextKeyPrincipal).(*Principal)
	if !ok {
		return nil
	}
	return p
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// GetClientIP extracts the client IP address from the request.
func GetClientIP(r *http.Request) string {
	// X-Forwarded-For first, for proxied requests
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
