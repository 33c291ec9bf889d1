package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/pkg/logger"
)

// Logging writes one line per request. Status polls are logged at debug so
// a polling UI does not drown the log.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		fields := []zap.Field{
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int("bytes", rw.bytes),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", getIP(r)),
		}
		if uid := GetUserID(r.Context()); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		pattern := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			pattern = rc.RoutePattern()
			if id := rc.URLParam("id"); id != "" {
				fields = append(fields, zap.String("deployment_id", id))
			}
		}
		fields = append(fields, zap.String("route", pattern))

		log := logger.L()
		switch {
		case rw.status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case r.Method == http.MethodGet && pattern == "/api/v1/deployments/{id}/status":
			log.Debug("request", fields...)
		default:
			log.Info("request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}
