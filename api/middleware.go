package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warp/authunits/engine"
)

// Principal headers. Authentication happens upstream; these carry its result.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRole           = "X-Role"
)

type principalKey struct{}

// Principal reads the caller from the principal headers. Every caller must
// belong to an organization; requests without one are rejected here.
func Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := engine.Principal{
			UserID:         r.Header.Get(HeaderUserID),
			OrganizationID: engine.OrganizationID(r.Header.Get(HeaderOrganizationID)),
			Role:           engine.Role(r.Header.Get(HeaderRole)),
		}
		if p.OrganizationID == "" {
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error:   string(engine.KindForbidden),
				Message: "caller has no organization",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) engine.Principal {
	p, _ := ctx.Value(principalKey{}).(engine.Principal)
	return p
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			evt := log.Info()
			if ww.Status() >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Str("user_id", r.Header.Get(HeaderUserID)).
				Msg("request")
		})
	}
}
