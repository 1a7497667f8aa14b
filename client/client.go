// Package client is the typed HTTP boundary to the impersonation authority.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juanfont/impersonate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds every call to the authority.
	DefaultTimeout = 10 * time.Second

	// APIPrefix is the path prefix of the impersonation API.
	APIPrefix = "/api/admin/impersonate"

	maxResponseSize = 1 << 20
)

// Operation names used in errors and metrics.
const (
	OpStartSession       = "start_session"
	OpGetCurrentSession  = "get_current_session"
	OpEndSession         = "end_session"
	OpListActiveSessions = "list_active_sessions"
	OpTerminateSession   = "terminate_session"
	OpListAuditLogs      = "list_audit_logs"
)

var (
	clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonate_client_requests_total",
			Help: "Total number of requests made to the impersonation authority",
		},
		[]string{"op", "outcome"},
	)

	clientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "impersonate_client_request_duration_seconds",
			Help:    "Duration of requests made to the impersonation authority",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// StartOptions tune a new impersonation session.
type StartOptions struct {
	DurationHours float64
	Reason        string
	WindowBased   bool
}

// AuditQuery filters the audit trail.
type AuditQuery struct {
	SessionID string
	Limit     int
}

// Client calls the impersonation authority on behalf of one bearer identity.
type Client struct {
	baseURL    *url.URL
	base       http.RoundTripper
	tokens     oauth2.TokenSource
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithTransport sets the underlying round tripper. The bearer token is still added.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// WithTokenSource overrides the static bearer token.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// New creates a client for the authority at baseURL, authenticating with token.
func New(baseURL string, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, types.NewError(types.KindValidation, "new_client", fmt.Sprintf("invalid authority url %q", baseURL), err)
	}

	c := &Client{
		baseURL: u,
		base:    http.DefaultTransport,
		timeout: DefaultTimeout,
	}
	if token != "" {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = c.newHTTPClient()

	return c, nil
}

func (c *Client) newHTTPClient() *http.Client {
	rt := c.base
	if c.tokens != nil {
		rt = &oauth2.Transport{Source: c.tokens, Base: c.base}
	}
	return &http.Client{Transport: rt}
}

// WithToken returns a copy of the client acting as the identity of token,
// typically the impersonation access token from StartSession.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	cp.httpClient = cp.newHTTPClient()
	return &cp
}

// BaseURL returns the authority URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// StartSession asks the authority for a credential scoped to targetUserID.
func (c *Client) StartSession(ctx context.Context, targetUserID string, opts StartOptions) (*types.StartSessionResponse, error) {
	if strings.TrimSpace(targetUserID) == "" {
		return nil, types.NewError(types.KindValidation, OpStartSession, "target user id is required", nil)
	}
	if opts.DurationHours < 0 {
		return nil, types.NewError(types.KindValidation, OpStartSession, "duration must not be negative", nil)
	}

	req := types.StartSessionRequest{
		TargetUserID:  targetUserID,
		DurationHours: opts.DurationHours,
		Reason:        strings.TrimSpace(opts.Reason),
		WindowBased:   opts.WindowBased,
	}

	var resp types.StartSessionResponse
	if _, err := c.do(ctx, OpStartSession, http.MethodPost, APIPrefix+"/start", req, &resp); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", resp.SessionID).
		Str("target_user_id", resp.TargetUser.ID).
		Time("expires_at", resp.ExpiresAt).
		Msg("Impersonation session started")

	return &resp, nil
}

// GetCurrentSession returns the caller's impersonation snapshot, or nil when
// the caller is not impersonating. Lookup failures are returned as errors.
func (c *Client) GetCurrentSession(ctx context.Context) (*types.CurrentSessionSnapshot, error) {
	var snap types.CurrentSessionSnapshot
	status, err := c.do(ctx, OpGetCurrentSession, http.MethodGet, APIPrefix+"/current", nil, &snap)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || !snap.IsImpersonation {
		return nil, nil
	}
	return &snap, nil
}

// EndSession ends sessionID, or the caller's own session when sessionID is
// empty. Ending an already-ended session returns its original ended_at.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*types.EndSessionResponse, error) {
	var resp types.EndSessionResponse
	if _, err := c.do(ctx, OpEndSession, http.MethodPost, APIPrefix+"/end", types.EndSessionRequest{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListActiveSessions returns the sessions the authority considers current.
func (c *Client) ListActiveSessions(ctx context.Context) ([]types.ActiveSession, error) {
	var resp []types.ActiveSession
	if _, err := c.do(ctx, OpListActiveSessions, http.MethodGet, APIPrefix+"/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TerminateSession ends another admin's session.
func (c *Client) TerminateSession(ctx context.Context, sessionID, reason string) error {
	if strings.TrimSpace(sessionID) == "" {
		return types.NewError(types.KindValidation, OpTerminateSession, "session id is required", nil)
	}
	path := APIPrefix + "/sessions/" + url.PathEscape(sessionID) + "/terminate"
	_, err := c.do(ctx, OpTerminateSession, http.MethodPost, path, types.TerminateSessionRequest{Reason: reason}, nil)
	return err
}

// ListAuditLogs fetches the audit trail, newest first.
func (c *Client) ListAuditLogs(ctx context.Context, q AuditQuery) ([]types.AuditLogView, error) {
	values := url.Values{}
	if q.SessionID != "" {
		values.Set("session_id", q.SessionID)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := APIPrefix + "/audit"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}

	var resp []types.AuditLogView
	if _, err := c.do(ctx, OpListAuditLogs, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// do performs one bounded call and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, err := c.roundTrip(ctx, op, method, path, in, out)
	clientRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = types.KindOf(err).String()
		log.Debug().Err(err).Str("op", op).Msg("Authority call failed")
	}
	clientRequestsTotal.WithLabelValues(op, outcome).Inc()

	return status, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, types.NewError(types.KindValidation, op, "encoding request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return 0, types.NewError(types.KindValidation, op, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, transportError(op, err)
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, statusError(op, resp.StatusCode, data)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, &types.Error{
				Kind:       types.KindTransport,
				Op:         op,
				StatusCode: resp.StatusCode,
				Msg:        "decoding response",
				Err:        err,
			}
		}
	}

	return resp.StatusCode, nil
}

func transportError(op string, err error) error {
	msg := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return types.NewError(types.KindTransport, op, msg, err)
}

func statusError(op string, code int, body []byte) error {
	var er types.ErrorResponse
	msg := ""
	if err := json.Unmarshal(body, &er); err == nil {
		msg = er.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(code)
	}

	kind := types.KindFromStatus(code)
	if kind == types.KindUnknown {
		kind = types.KindTransport
	}
	return &types.Error{Kind: kind, Op: op, StatusCode: code, Msg: msg}
}
