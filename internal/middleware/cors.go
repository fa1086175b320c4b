package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS returns a middleware that answers preflight requests and sets CORS
// headers for the given origins. A single "*" allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodHead,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-ID", "Retry-After"},
		MaxAge:         3600,
	})
	return c.Handler
}
