package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request. Successful scrapes of the
// metrics and health endpoints are logged at debug level.
func RequestLogger(logger *zap.Logger, quietPaths ...string) func(next http.Handler) http.Handler {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			}

			switch _, isQuiet := quiet[r.URL.Path]; {
			case status >= http.StatusInternalServerError:
				logger.Error("request failed", fields...)
			case status >= http.StatusBadRequest:
				logger.Warn("request rejected", fields...)
			case isQuiet:
				logger.Debug("request", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}
