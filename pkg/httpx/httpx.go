package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// SecurityHeadersMiddleware hardens responses produced by the gateway itself.
// Proxied responses keep the upstream's headers.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range gatewayHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

var gatewayHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "no-referrer",
	"Cache-Control":          "no-store",
}

type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func parseOrigins(list string) corsPolicy {
	p := corsPolicy{origins: map[string]bool{}}
	for _, part := range strings.Split(list, ",") {
		switch o := strings.TrimSpace(part); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = true
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return p.any || p.origins[origin]
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// CORSMiddleware answers cross-origin requests from the comma-separated
// allowlist. Preflights from other origins are refused; simple requests from
// them pass through without CORS headers so the browser blocks the read.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	policy := parseOrigins(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			switch {
			case origin == "":
				next.ServeHTTP(w, r)
				return
			case !policy.allows(origin):
				if isPreflight(r) {
					Error(w, r, http.StatusForbidden, "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "Retry-After,X-RateLimit-Remaining")
			if !isPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,POST,PUT,PATCH,DELETE,OPTIONS")
			if asked := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); asked != "" {
				h.Set("Access-Control-Allow-Headers", asked)
			} else {
				h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error produced by the gateway.
type ErrorBody struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Error writes an ErrorBody. msg must be safe to show to clients.
func Error(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := ErrorBody{Status: status, Message: msg, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	if r != nil && r.URL != nil {
		body.Path = r.URL.Path
	}
	WriteJSON(w, status, body)
}
