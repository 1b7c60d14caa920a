package security

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
)

// Middleware applies request logging, panic recovery and security headers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.Error(r.Context(), "panic recovered", fmt.Errorf("%v", err), logger.Fields{
					"ip":    ip,
					"path":  r.URL.Path,
					"stack": string(buf[:n]),
				})
				if !wrapped.written {
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}
			}

			fields := logger.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"ip":       ip,
				"duration": time.Since(start).String(),
			}
			if wrapped.statusCode >= 400 {
				fields["user_agent"] = r.UserAgent()
				logger.Warn(r.Context(), "http response error", fields)
			} else {
				logger.Info(r.Context(), "http response", fields)
			}
		}()

		wrapped.Header().Set("X-Content-Type-Options", "nosniff")
		wrapped.Header().Set("X-Frame-Options", "DENY")
		wrapped.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		next.ServeHTTP(wrapped, r)
	})
}

// responseWriter captures the status code. It passes Hijack through so
// WebSocket upgrades work behind the middleware.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.written = true
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ClientIP returns the peer address of r. Forwarding headers are ignored
// because they can be spoofed.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
