package middleware

import (
	"context"
	"net/http"
	"strings"

	"pandapi-streams/internal/observability"
)

// WalletHeader carries the caller's wallet address. The address is taken at
// face value; nothing here proves the caller controls it.
const WalletHeader = "X-Wallet-Address"

// Identity copies the wallet header, when present, into the request context.
// Handlers use it as the default streamer and sender address.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if addr := strings.TrimSpace(r.Header.Get(WalletHeader)); addr != "" {
			r = r.WithContext(observability.WithWalletAddress(r.Context(), addr))
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogging tags the request context with chi's request id so that
// observability.FromContext loggers carry it.
func RequestLogging(requestID func(context.Context) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := requestID(r.Context()); id != "" {
				r = r.WithContext(observability.WithRequestID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}
