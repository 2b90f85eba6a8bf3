package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/metrics"
)

type contextKey string

const claimsKey contextKey = "claims"

// claimsFrom returns the verified JWT claims for the request
func claimsFrom(ctx context.Context) *crypto.Claims {
	c, _ := ctx.Value(claimsKey).(*crypto.Claims)
	return c
}

// requireAuth verifies the bearer token and injects claims. The failure
// message is constant regardless of why verification failed.
func requireAuth(issuer *crypto.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, errs.New(errs.KindAuth, "unauthorized"))
				return
			}
			claims, err := issuer.VerifyJWT(token)
			if err != nil {
				writeError(w, errs.New(errs.KindAuth, "unauthorized"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request counts and latency per method
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
