package hardening

import (
	"strings"
	"testing"

	"frontdoor/pkg/config"
)

func productionConfig() config.Config {
	var cfg config.Config
	cfg.Service = "gateway"
	cfg.Environment = "production"
	cfg.StrictProd = true
	cfg.Auth.Enabled = true
	cfg.Auth.JWT.Secret = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
	cfg.Redis.Addr = "redis:6379"
	cfg.Redis.RequireTLS = true
	cfg.Lock.Backend = config.LockBackendRedis
	cfg.Kafka.Blacklist.Enabled = true
	cfg.Audit.Enabled = true
	cfg.Audit.Sink = config.AuditSinkPostgres
	cfg.Postgres.RequireTLS = true
	cfg.HTTP.CORSAllowedOrigins = "https://console.example.com"
	return cfg
}

func TestValidateProduction(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"pass", func(*config.Config) {}, ""},
		{"non_prod_skip", func(c *config.Config) {
			c.Environment = "development"
			c.Auth.Enabled = false
			c.HTTP.CORSAllowedOrigins = "*"
		}, ""},
		{"strict_can_be_disabled", func(c *config.Config) {
			c.StrictProd = false
			c.Lock.Backend = config.LockBackendLocal
		}, ""},
		{"auth_required", func(c *config.Config) { c.Auth.Enabled = false }, "auth.enabled"},
		{"short_secret", func(c *config.Config) { c.Auth.JWT.Secret = "c2hvcnQ=" }, "at least 32 bytes"},
		{"shared_tier_required", func(c *config.Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"redis_tls_required", func(c *config.Config) { c.Redis.RequireTLS = false }, "redis.require_tls"},
		{"redis_insecure_forbidden", func(c *config.Config) { c.Redis.TLS.Insecure = true }, "redis.tls.insecure"},
		{"redis_optional_forbidden", func(c *config.Config) { c.Redis.Optional = true }, "redis.optional"},
		{"local_merge_lock_forbidden", func(c *config.Config) { c.Lock.Backend = config.LockBackendLocal }, "lock.backend=redis"},
		{"blacklist_feed_required", func(c *config.Config) { c.Kafka.Blacklist.Enabled = false }, "kafka.blacklist.enabled"},
		{"db_tls_required", func(c *config.Config) { c.Postgres.RequireTLS = false }, "postgres.require_tls"},
		{"db_tls_ignored_for_kafka_sink", func(c *config.Config) {
			c.Audit.Sink = config.AuditSinkKafka
			c.Postgres.RequireTLS = false
		}, ""},
		{"log_sink_forbidden", func(c *config.Config) { c.Audit.Sink = config.AuditSinkLog }, "audit.sink=log"},
		{"audit_disabled_skips_sink_rules", func(c *config.Config) {
			c.Audit.Enabled = false
			c.Audit.Sink = config.AuditSinkLog
		}, ""},
		{"salt_required_for_redaction", func(c *config.Config) { c.Audit.Redact = true }, "audit.hash_salt"},
		{"cors_missing", func(c *config.Config) { c.HTTP.CORSAllowedOrigins = " , " }, "http.cors_allowed_origins"},
		{"cors_wildcard_forbidden", func(c *config.Config) { c.HTTP.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors_localhost_forbidden", func(c *config.Config) { c.HTTP.CORSAllowedOrigins = "https://localhost:3000" }, "loopback"},
		{"cors_ipv6_loopback_forbidden", func(c *config.Config) { c.HTTP.CORSAllowedOrigins = "https://[::1]:3000" }, "loopback"},
		{"cors_https_required", func(c *config.Config) { c.HTTP.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := productionConfig()
			tc.mutate(&cfg)
			err := ValidateProduction(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tc.wantErr)
			}
			if !strings.HasPrefix(err.Error(), "gateway: strict production hardening") {
				t.Fatalf("error not attributed to the service: %v", err)
			}
		})
	}
}

func TestValidateProductionReportsEveryViolation(t *testing.T) {
	cfg := productionConfig()
	cfg.Service = ""
	cfg.Auth.Enabled = false
	cfg.Lock.Backend = config.LockBackendLocal
	cfg.HTTP.CORSAllowedOrigins = "*,http://a.example.com"
	err := ValidateProduction(cfg)
	if err == nil {
		t.Fatal("expected violations")
	}
	lines := strings.Split(err.Error(), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 violations, got %d:\n%v", len(lines), err)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "frontdoor: ") {
			t.Fatalf("default service name missing: %q", l)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, " Staging ": true, "dev": false, "": false} {
		if got := IsProductionLike(env); got != want {
			t.Fatalf("IsProductionLike(%q)=%v want %v", env, got, want)
		}
	}
}
