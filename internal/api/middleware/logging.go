package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type wrappedWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrappedWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// silentPaths are high-frequency polling endpoints that are only
// logged on errors (status >= 400).
var silentPaths = map[string]bool{
	"/api/v1/health": true,
}

func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &wrappedWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if silentPaths[r.URL.Path] && wrapped.statusCode < 400 {
			return
		}

		entry := logrus.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  wrapped.statusCode,
			"elapsed": time.Since(start).Round(time.Microsecond).String(),
		})
		if wrapped.statusCode >= 500 {
			entry.Error("request")
			return
		}
		entry.Info("request")
	})
}
