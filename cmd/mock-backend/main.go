// Command mock-backend stands in for the services behind the gateway during
// local runs: it validates sign-in credentials like the user service and
// echoes every other request like a resource service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"frontdoor/pkg/config"
	"frontdoor/pkg/httpx"
	"frontdoor/pkg/logging"
	"frontdoor/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

type user struct {
	ID       int64
	Name     string
	Password string
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func main() {
	flags := flag.NewFlagSet("mock-backend", flag.ExitOnError)
	addr := flags.String("addr", envOr("MOCK_ADDR", ":8085"), "listen address")
	users := flags.String("users", envOr("MOCK_USERS", "alice:wonderland:15,bob:builder:21"), "name:password:id list")
	validatePath := flags.String("validate-path", "/api/v1/users/validate", "credential check route")
	_ = flags.Parse(os.Args[1:])

	if err := runMockBackend(*addr, *users, *validatePath, listenFn); err != nil {
		logFatalf("mock-backend: %v", err)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseUsers(raw string) (map[string]user, error) {
	out := map[string]user{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("user %q: want name:password:id", item)
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", item, err)
		}
		out[parts[0]] = user{ID: id, Name: parts[0], Password: parts[1]}
	}
	return out, nil
}

func newRouter(users map[string]user, validatePath string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.AccessLog(logger))
	r.Use(telemetry.HTTPMiddleware("mock-backend"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "mock-backend"})
	})
	r.Post(validatePath, validateHandler(users, validatePath))
	r.HandleFunc("/*", handleEcho)
	return r
}

// validateHandler answers like the user service: the user on success, a
// framework-style error document otherwise.
func validateHandler(users map[string]user, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c credentials
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			writeFailure(w, http.StatusBadRequest, "Bad Request", "org.springframework.http.converter.HttpMessageNotReadableException", "malformed credentials", path)
			return
		}
		u, ok := users[c.Username]
		if !ok || u.Password != c.Password {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized", "com.ecomm.users.exception.InvalidCredentialsException", "invalid username or password", path)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"userId": u.ID, "name": u.Name})
	}
}

func writeFailure(w http.ResponseWriter, status int, reason, exception, message, path string) {
	httpx.WriteJSON(w, status, map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"status":    status,
		"error":     reason,
		"exception": exception,
		"message":   message,
		"path":      path,
	})
}

// handleEcho reflects the request and sets a cookie so response snapshots
// have something to record.
func handleEcho(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	http.SetCookie(w, &http.Cookie{Name: "last-seen", Value: strconv.FormatInt(time.Now().Unix(), 10), Path: "/", SameSite: http.SameSiteLaxMode})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"method":    r.Method,
		"path":      r.URL.Path,
		"query":     r.URL.RawQuery,
		"forwarded": r.Header.Get("X-Forwarded-For"),
		"body":      string(body),
	})
}

func runMockBackend(addr, rawUsers, validatePath string, listen func(*http.Server) error) error {
	users, err := parseUsers(rawUsers)
	if err != nil {
		return err
	}
	logger, err := logging.New(config.LogConfig{Level: envOr("LOG_LEVEL", "info")}, "mock-backend")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tracing := config.TracingConfig{Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), Timeout: 5 * time.Second, Sampler: "always_on"}
	shutdown, err := initTelemetryFn(context.Background(), tracing, "mock-backend", logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	logger.Info("mock-backend listening", zap.String("addr", addr), zap.Int("users", len(users)))
	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(users, validatePath, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return listen(server)
}
