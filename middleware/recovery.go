package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// Recovery returns a middleware that recovers from panics, logs the stack and
// answers with a JSON 500.
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered")

				err, ok := rec.(error)
				if !ok {
					err = errors.New(fmt.Sprint(rec))
				}
				types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Internal Server Error", err))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
