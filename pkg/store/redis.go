package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"frontdoor/pkg/config"
)

const redisClientName = "frontdoor"

// NewRedis connects to the Redis holding the shared tier, counters and locks,
// and pings it once. Callers that can run without Redis decide that
// themselves; an unreachable server is always an error here.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis.addr required")
	}
	tlsConfig, err := loadRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, errors.New("redis.require_tls=true but redis.tls.enabled is false")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	return &redis.Options{
		Addr:        addr,
		ClientName:  redisClientName,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		TLSConfig:   tlsConfig,
		DialTimeout: dial,
		PoolTimeout: dial,
	}, nil
}

func loadRedisTLSConfig(cfg config.RedisTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: strings.TrimSpace(cfg.ServerName)}
	if cfg.Insecure {
		if !cfg.AllowInsecure {
			return nil, errors.New("redis.tls.insecure=true requires redis.tls.allow_insecure=true")
		}
		out.InsecureSkipVerify = true
	}
	if caFile := strings.TrimSpace(cfg.CACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("parse redis ca cert: no valid certificates")
		}
		out.RootCAs = pool
	}
	certFile, keyFile := strings.TrimSpace(cfg.CertFile), strings.TrimSpace(cfg.KeyFile)
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("both redis.tls.cert_file and redis.tls.key_file must be set")
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis client keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
