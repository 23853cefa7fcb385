package httpx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StatusRecorder remembers the status code written through it.
type StatusRecorder struct {
	http.ResponseWriter
	Status      int
	Bytes       int64
	wroteHeader bool
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.Bytes += int64(n)
	return n, err
}

// WroteHeader reports whether a status line has been sent.
func (r *StatusRecorder) WroteHeader() bool { return r.wroteHeader }

func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.wroteHeader = true
	r.Status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *StatusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// AccessLog logs a BEGIN line when a request arrives and an END line with the
// final status and elapsed time.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger.Info("BEGIN",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
			)
			rec := NewStatusRecorder(w)
			defer func() {
				logger.Info("END",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", rec.Status),
					zap.Int64("bytes", rec.Bytes),
					zap.Duration("elapsed", time.Since(start)),
				)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// ClientIP returns the caller address. X-Forwarded-For is honoured only when
// the direct peer is one of trusted.
func ClientIP(r *http.Request, trusted []string) string {
	peer := parseIP(r.RemoteAddr)
	if peer == "" || len(trusted) == 0 || !isTrusted(peer, trusted) {
		return peer
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	return peer
}

func isTrusted(ip string, trusted []string) bool {
	parsed := net.ParseIP(ip)
	for _, t := range trusted {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.Contains(t, "/") {
			if _, network, err := net.ParseCIDR(t); err == nil && parsed != nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if t == ip {
			return true
		}
	}
	return false
}

func parseIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		host = strings.TrimSpace(remoteAddr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
