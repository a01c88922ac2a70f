package middleware

import (
	"github.com/go-chi/cors"
)

// CORSHandler builds the browser cross-origin policy. The API carries
// no credentials, so no cookie or Authorization allowances are needed.
func CORSHandler(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}
}
