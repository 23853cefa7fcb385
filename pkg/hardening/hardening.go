// Package hardening refuses production-like startups with unsafe settings.
package hardening

import (
	"errors"
	"fmt"
	"strings"

	"frontdoor/pkg/config"
)

type rule func(cfg config.Config) []string

var rules = []rule{
	credentialRules,
	blockStateRules,
	auditRules,
	corsRules,
}

// ValidateProduction applies only when the environment is production-like
// and strict_prod_security is on. Every violated rule is reported.
func ValidateProduction(cfg config.Config) error {
	if !IsProductionLike(cfg.Environment) || !cfg.StrictProd {
		return nil
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "frontdoor"
	}
	var errs []error
	for _, r := range rules {
		for _, v := range r(cfg) {
			errs = append(errs, fmt.Errorf("%s: strict production hardening: %s", service, v))
		}
	}
	return errors.Join(errs...)
}

func credentialRules(cfg config.Config) []string {
	if !cfg.Auth.Enabled {
		return []string{"requires auth.enabled=true"}
	}
	if _, err := cfg.Auth.JWT.SecretBytes(); err != nil {
		return []string{err.Error()}
	}
	return nil
}

// blockStateRules keep every instance reading and merging the same windows.
func blockStateRules(cfg config.Config) []string {
	var out []string
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		out = append(out, "requires redis.addr for the shared block tier")
	} else {
		if !cfg.Redis.RequireTLS {
			out = append(out, "requires redis.require_tls=true")
		}
		if cfg.Redis.TLS.Insecure || cfg.Redis.TLS.AllowInsecure {
			out = append(out, "forbids redis.tls.insecure and redis.tls.allow_insecure")
		}
		if cfg.Redis.Optional {
			out = append(out, "forbids redis.optional")
		}
	}
	if cfg.Lock.Backend != config.LockBackendRedis {
		out = append(out, fmt.Sprintf("requires lock.backend=%s, got %q", config.LockBackendRedis, cfg.Lock.Backend))
	}
	if !cfg.Kafka.Blacklist.Enabled {
		out = append(out, "requires kafka.blacklist.enabled=true")
	}
	return out
}

func auditRules(cfg config.Config) []string {
	if !cfg.Audit.Enabled {
		return nil
	}
	var out []string
	if cfg.Audit.Sink == config.AuditSinkPostgres && !cfg.Postgres.RequireTLS {
		out = append(out, "requires postgres.require_tls=true")
	}
	if cfg.Audit.Sink == config.AuditSinkLog {
		out = append(out, "forbids audit.sink=log")
	}
	if cfg.Audit.Redact && strings.TrimSpace(cfg.Audit.HashSalt) == "" {
		out = append(out, "requires audit.hash_salt when audit.redact=true")
	}
	return out
}

func corsRules(cfg config.Config) []string {
	var out []string
	seen := 0
	for _, origin := range strings.Split(cfg.HTTP.CORSAllowedOrigins, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		seen++
		switch {
		case o == "*":
			out = append(out, "forbids CORS wildcard origin")
		case isLoopbackOrigin(o):
			out = append(out, fmt.Sprintf("forbids loopback CORS origin %q", origin))
		case !strings.HasPrefix(o, "https://"):
			out = append(out, fmt.Sprintf("requires HTTPS CORS origin, got %q", strings.TrimSpace(origin)))
		}
	}
	if seen == 0 {
		out = append(out, "requires explicit http.cors_allowed_origins")
	}
	return out
}

func isLoopbackOrigin(o string) bool {
	host := o
	if i := strings.Index(o, "://"); i >= 0 {
		host = o[i+3:]
	}
	return strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") || strings.HasPrefix(host, "[::1]")
}

func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
