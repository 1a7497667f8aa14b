package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Kind classifies failures of impersonation operations.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthorization means the caller lacks the privilege for the action. Not retried.
	KindAuthorization
	// KindNotFound means the target user or session does not exist.
	KindNotFound
	// KindConflict means policy forbids the action, e.g. a duplicate session.
	KindConflict
	// KindTransport covers network failures, timeouts and 5xx responses. Retryable.
	KindTransport
	// KindValidation means malformed local input.
	KindValidation
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Common errors.
var (
	ErrAuthorization = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrTransport     = errors.New("transport failure")
	ErrValidation    = errors.New("validation failed")

	ErrInvalidTimestamp  = fmt.Errorf("%w: invalid timestamp", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid session status transition", ErrConflict)
)

var kindSentinels = map[Kind]error{
	KindAuthorization: ErrAuthorization,
	KindNotFound:      ErrNotFound,
	KindConflict:      ErrConflict,
	KindTransport:     ErrTransport,
	KindValidation:    ErrValidation,
}

// Error is a typed failure of an impersonation operation.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "start_session"
	StatusCode int    // HTTP status returned by the authority, 0 if none
	Msg        string
	Err        error
}

// NewError creates a new Error.
func NewError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransport
}

// KindFromStatus maps an HTTP status code onto the error taxonomy.
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthorization
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusConflict:
		return KindConflict
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return KindValidation
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return KindTransport
	default:
		return KindUnknown
	}
}

// StatusFromKind maps an error kind onto the HTTP status the authority responds with.
func StatusFromKind(kind Kind) int {
	switch kind {
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError represents an error that is surfaced to the user via HTTP.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// ErrorResponse is the JSON body written for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteHTTPError writes an error to the response writer as JSON.
// Typed errors are mapped to their HTTP status.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var herr HTTPError
	var terr *Error
	switch {
	case errors.As(err, &herr):
		code := herr.Code
		if code == 0 {
			code = http.StatusInternalServerError
		}
		writeJSONError(w, code, herr.Msg)
		log.Error().Err(herr.Err).Int("code", code).Msgf("user msg: %s", herr.Msg)
	case errors.As(err, &terr):
		code := StatusFromKind(terr.Kind)
		msg := terr.Msg
		if msg == "" {
			msg = http.StatusText(code)
		}
		writeJSONError(w, code, msg)
		log.Warn().Err(terr.Err).Int("code", code).Str("op", terr.Op).Msgf("user msg: %s", msg)
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		log.Error().Err(err).Int("code", http.StatusInternalServerError).Msg("http internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
