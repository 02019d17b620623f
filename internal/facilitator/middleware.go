package facilitator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/internal/idempotency"
	pkgfacilitator "github.com/FrankiePower/stellar-x402/pkg/facilitator"
)

type contextKey int

const (
	keyIDKey contextKey = iota
	accountKey
)

// maxBodyBytes caps request bodies read by the auth middleware.
const maxBodyBytes = 1 << 20

// KeyIDFromContext returns the JWT subject of an authenticated request.
func KeyIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyIDKey).(string)
	return v, ok
}

// AccountFromContext returns the Stellar account that signed the request.
func AccountFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accountKey).(string)
	return v, ok
}

// jwtAuth requires a bearer token bound to the request method and path.
func jwtAuth(secret []byte, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if header == "" || token == header {
				respondError(w, log, http.StatusUnauthorized, "No Authorization header provided", nil)
				return
			}

			claims, err := pkgfacilitator.ParseToken(token, secret)
			if err != nil {
				respondError(w, log, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			if claims.URI != pkgfacilitator.RequestURI(r.Method, r.Host, r.URL.Path) {
				respondError(w, log, http.StatusUnauthorized, "Token is not valid for this request", nil)
				return
			}

			ctx := context.WithValue(r.Context(), keyIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// nonceTTL covers every instant at which a signature may still verify.
const nonceTTL = 2 * pkgfacilitator.MaxSignatureAge

// accountAuth requires a Stellar account signature over the request, and
// refuses any account/nonce pair it has already accepted.
func accountAuth(now func() time.Time, nonces idempotency.Nonces, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				respondError(w, log, http.StatusBadRequest, "Unreadable body", err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			signed, err := pkgfacilitator.VerifyRequestSignature(r, body, now())
			if err != nil {
				code := http.StatusUnauthorized
				if !errors.Is(err, pkgfacilitator.ErrInvalidSignature) {
					code = http.StatusBadRequest
				}
				respondError(w, log, code, "Invalid account signature", err)
				return
			}

			fresh, err := nonces.Claim(r.Context(), signed.ReplayKey(), nonceTTL)
			if err != nil {
				respondError(w, log, http.StatusServiceUnavailable, "Nonce store unavailable", err)
				return
			}
			if !fresh {
				log.Warn().Str("account", signed.Account).Str("path", r.URL.Path).Msg("replayed signed request")
				respondError(w, log, http.StatusUnauthorized, "Signed request already used", nil)
				return
			}

			ctx := context.WithValue(r.Context(), accountKey, signed.Account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
