package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"frontdoor/pkg/auth"
	"frontdoor/pkg/config"
	"frontdoor/pkg/proxy"
)

func TestParseUsers(t *testing.T) {
	users, err := parseUsers("alice:wonderland:15, bob:builder:21,")
	if err != nil {
		t.Fatalf("parseUsers: %v", err)
	}
	if len(users) != 2 || users["alice"].ID != 15 || users["bob"].Password != "builder" {
		t.Fatalf("users=%+v", users)
	}
	for _, bad := range []string{"alice:wonderland", "alice:wonderland:x"} {
		if _, err := parseUsers(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestValidateAndEcho(t *testing.T) {
	users, _ := parseUsers("alice:wonderland:15")
	srv := httptest.NewServer(newRouter(users, "/api/v1/users/validate", zap.NewNop()))
	defer srv.Close()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "valid", body: `{"username":"alice","password":"wonderland"}`, status: http.StatusOK},
		{name: "wrong password", body: `{"username":"alice","password":"nope"}`, status: http.StatusUnauthorized},
		{name: "unknown user", body: `{"username":"carol","password":"x"}`, status: http.StatusUnauthorized},
		{name: "malformed", body: `{`, status: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/users/validate", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tc.status)
			}
		})
	}

	resp, err := http.Post(srv.URL+"/api/v1/orders?page=2", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var echo map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&echo); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if echo["path"] != "/api/v1/orders" || echo["query"] != "page=2" || echo["body"] != "hello" {
		t.Fatalf("echo=%v", echo)
	}
	if len(resp.Cookies()) != 1 || resp.Cookies()[0].Name != "last-seen" {
		t.Fatalf("cookies=%v", resp.Cookies())
	}
}

// The sign-in relay and the mock user service must agree on the wire format.
func TestSignInAgainstMockUserService(t *testing.T) {
	users, _ := parseUsers("alice:wonderland:15")
	backend := httptest.NewServer(newRouter(users, "/api/v1/users/validate", zap.NewNop()))
	defer backend.Close()

	secret := []byte("0123456789abcdef0123456789abcdef")
	issuer, err := auth.NewIssuer(secret, "Ecomm", "ecomm", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	signIn, err := proxy.NewSignIn(backend.URL, "/api/v1/users/validate", "/api/v1/auth/signin", issuer, time.Second, nil)
	if err != nil {
		t.Fatalf("signin: %v", err)
	}

	rr := httptest.NewRecorder()
	signIn.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", strings.NewReader(`{"username":"alice","password":"wonderland"}`)))
	var ok proxy.SignInResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ok); err != nil || rr.Code != http.StatusOK || ok.UserID != "15" || ok.Name != "alice" || ok.JWT == "" {
		t.Fatalf("status=%d body=%s err=%v", rr.Code, rr.Body.String(), err)
	}

	rr = httptest.NewRecorder()
	signIn.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", strings.NewReader(`{"username":"alice","password":"nope"}`)))
	var fail map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &fail)
	if rr.Code != http.StatusUnauthorized || fail["exception"] != "InvalidCredentialsException" || fail["path"] != "/api/v1/auth/signin" {
		t.Fatalf("status=%d body=%v", rr.Code, fail)
	}
}

func TestRunMockBackend(t *testing.T) {
	orig := initTelemetryFn
	defer func() { initTelemetryFn = orig }()
	initTelemetryFn = func(context.Context, config.TracingConfig, string, *zap.Logger) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}

	var got *http.Server
	if err := runMockBackend("127.0.0.1:0", "alice:w:15", "/validate", func(s *http.Server) error {
		got = s
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got == nil || got.Addr != "127.0.0.1:0" || got.Handler == nil {
		t.Fatalf("server=%+v", got)
	}

	if err := runMockBackend(":0", "broken", "/validate", nil); err == nil {
		t.Fatal("expected user list error")
	}

	initTelemetryFn = func(context.Context, config.TracingConfig, string, *zap.Logger) (func(context.Context) error, error) {
		return nil, errors.New("otel down")
	}
	if err := runMockBackend(":0", "alice:w:15", "/validate", nil); err == nil {
		t.Fatal("expected telemetry error")
	}
}
