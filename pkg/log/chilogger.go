package log

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kubev2v/crate-validator/pkg/requestid"
)

// Logger logs every request once it completes. 5xx answers are logged as
// errors and 4xx as warnings.
func Logger(l *zap.Logger, name string) func(next http.Handler) http.Handler {
	if l == nil {
		panic("log.Logger received a nil *zap.Logger")
	}

	logger := l.WithOptions(zap.AddCallerSkip(1)).Named(name)

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t1 := time.Now()

			defer func() {
				statusCode := ww.Status()

				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}

				fields := []zap.Field{
					zap.String("type", "http_request"),
					zap.String("request_id", requestid.FromRequest(r)),
					zap.String("http_method", r.Method),
					zap.String("http_route", route),
					zap.Int("http_status_code", statusCode),
					zap.String("http_status_text", statusLabel(statusCode)),
					zap.Int64("response_bytes", int64(ww.BytesWritten())),
					zap.Duration("latency", time.Since(t1)),
				}
				if crateID := chi.URLParam(r, "crate_id"); crateID != "" {
					fields = append(fields, zap.String("crate_id", crateID))
				}

				msg := fmt.Sprintf("%s %s -> %d", r.Method, route, statusCode)

				switch {
				case statusCode >= 500:
					logger.Error(msg, fields...)
				case statusCode >= 400:
					logger.Warn(msg, fields...)
				default:
					if isHealthCheck(r.Method, r.URL.Path) {
						logger.Debug(msg, fields...)
					} else {
						logger.Info(msg, fields...)
					}
				}
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// ConditionalLogger enables request logging only at debug or trace level.
func ConditionalLogger(logLevel string, l *zap.Logger, name string) func(next http.Handler) http.Handler {
	if l == nil {
		panic("log.ConditionalLogger received a nil *zap.Logger")
	}

	switch strings.ToLower(logLevel) {
	case "debug", "trace":
		l.Named(name).Info("request logging enabled", zap.String("level", logLevel))
		return Logger(l, name)
	}
	return func(next http.Handler) http.Handler { return next }
}

var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

func isHealthCheck(method string, path string) bool {
	if method != http.MethodGet {
		return false
	}
	_, found := quietPaths[path]
	return found
}

func statusLabel(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("%d %s", status, text)
	}
	return fmt.Sprintf("%d Unknown", status)
}
