package middleware

import (
	"net/http"
)

// Request bodies on this API are a login form or a scanned QR payload;
// anything near a megabyte is not a legitimate client.
const DefaultMaxBodySize = 1 << 20

// BodyLimit caps request body size, rejecting oversized uploads before a
// handler reads them. A non-positive max falls back to DefaultMaxBodySize.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
					"error": "Request body too large",
				})
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
