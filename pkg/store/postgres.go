package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"frontdoor/pkg/config"
)

const (
	postgresApplicationName = "frontdoor"
	postgresPingTimeout     = 2 * time.Second
	postgresMaxRetryDelay   = 30 * time.Second
)

var pgxPoolNewWithConfig = pgxpool.NewWithConfig

// NewPostgresPool opens the audit database. The database commonly starts
// alongside the gateway, so connecting is retried with a doubling delay.
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := postgresPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.RetryDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("postgres connect: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay = min(delay*2, postgresMaxRetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", attempts, lastErr)
}

func postgresPoolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("postgres.database_url required")
	}
	if cfg.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = postgresApplicationName
	}
	return poolCfg, nil
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid postgres.database_url: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return errors.New("postgres.require_tls=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("postgres.require_tls=true but sslmode=%q is insecure", mode)
	}
}
