package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var body ErrorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestError(t *testing.T) {
	cases := []struct {
		name     string
		req      *http.Request
		status   int
		msg      string
		wantMsg  string
		wantPath string
	}{
		{"default_message", httptest.NewRequest(http.MethodGet, "/api/v1/orders?x=1", nil), http.StatusTooManyRequests, "", "Too Many Requests", "/api/v1/orders"},
		{"custom_message", httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil), http.StatusBadGateway, "user service unavailable", "user service unavailable", "/api/v1/auth/signin"},
		{"no_request", nil, http.StatusForbidden, "blocked", "blocked", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Error(rr, tc.req, tc.status, tc.msg)
			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d", rr.Code, tc.status)
			}
			body := decodeError(t, rr)
			if body.Status != tc.status || body.Message != tc.wantMsg || body.Path != tc.wantPath || body.Timestamp == "" {
				t.Fatalf("unexpected error body: %#v", body)
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for k, want := range gatewayHeaders {
		if got := rr.Header().Get(k); got != want {
			t.Fatalf("%s=%q want %q", k, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	cases := []struct {
		name        string
		allow       string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantAllowed string
		wantNext    bool
	}{
		{"no_origin", "https://console.example.com", http.MethodGet, "", false, http.StatusOK, "", true},
		{"listed_origin", "https://console.example.com", http.MethodGet, "https://console.example.com", false, http.StatusOK, "https://console.example.com", true},
		{"unlisted_simple_request", "https://console.example.com", http.MethodGet, "https://evil.example.com", false, http.StatusOK, "", true},
		{"unlisted_preflight", "https://console.example.com", http.MethodOptions, "https://evil.example.com", true, http.StatusForbidden, "", false},
		{"wildcard_preflight", "*", http.MethodOptions, "https://any.example.com", true, http.StatusNoContent, "https://any.example.com", false},
		{"options_without_preflight_header", "*", http.MethodOptions, "https://any.example.com", false, http.StatusOK, "https://any.example.com", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			h := CORSMiddleware(tc.allow)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tc.method, "/api/v1/orders", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.wantStatus || reached != tc.wantNext {
				t.Fatalf("status=%d reached=%v", rr.Code, reached)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllowed {
				t.Fatalf("allow-origin=%q want %q", got, tc.wantAllowed)
			}
		})
	}
}

func TestCORSPreflightEchoesRequestedHeaders(t *testing.T) {
	h := CORSMiddleware("https://console.example.com")(http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/signin", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type,X-Trace")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type,X-Trace" {
		t.Fatalf("allow-headers=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); got != "Retry-After,X-RateLimit-Remaining" {
		t.Fatalf("expose-headers=%q", got)
	}
}
