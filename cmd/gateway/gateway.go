package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"frontdoor/pkg/audit"
	"frontdoor/pkg/auth"
	"frontdoor/pkg/blacklist"
	"frontdoor/pkg/config"
	"frontdoor/pkg/gate"
	"frontdoor/pkg/httpx"
	"frontdoor/pkg/lock"
	"frontdoor/pkg/metrics"
	"frontdoor/pkg/msgbus"
	"frontdoor/pkg/pipeline"
	"frontdoor/pkg/proxy"
	"frontdoor/pkg/ratelimit"
	"frontdoor/pkg/store"
	"frontdoor/pkg/stream"
	"frontdoor/pkg/telemetry"
)

// gatewayDeps opens the external connections. Tests swap them for fakes.
type gatewayDeps struct {
	openRedis   func(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error)
	openDB      func(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error)
	newConsumer func(cfg msgbus.KafkaConfig) (msgbus.Consumer, error)
	newProducer func(cfg msgbus.KafkaConfig) (msgbus.Producer, error)
}

type listenFunc func(server *http.Server) error

type Gateway struct {
	cfg     config.Config
	logger  *zap.Logger
	Metrics *metrics.Registry
	Events  *stream.Hub
	Cache   *store.BlockCache
	Engine  *blacklist.Engine
	Handler http.Handler

	redis      *redis.Client
	listeners  []*blacklist.Listener
	dispatcher *audit.Dispatcher
	closers    []func() error
}

func newGateway(ctx context.Context, cfg config.Config, logger *zap.Logger, d gatewayDeps) (_ *Gateway, err error) {
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		Metrics: metrics.NewRegistry(),
		Events:  stream.NewHub(),
	}
	g.Metrics.WatchStream(g.Events)
	defer func() {
		if err != nil {
			_ = g.Close(context.Background())
		}
	}()

	if err := g.openRedis(ctx, d); err != nil {
		return nil, err
	}
	shared := store.NewSharedTier(ctx, g.redis, cfg.Cache.KeyPrefix, cfg.Cache.SharedTTL, cfg.Cache.Timeout)
	if _, ok := shared.(*store.MemoryTier); ok {
		logger.Warn("shared block tier is in-memory; block windows are not shared between instances")
	}
	g.Cache = store.NewBlockCache(
		store.NewLocalTier(cfg.Cache.LocalSize, cfg.Cache.LocalTTL),
		shared,
		logger,
		store.WithLookupObserver(g.Metrics.CacheLookup),
	)

	locker, err := g.newLocker()
	if err != nil {
		return nil, err
	}
	g.Engine = blacklist.NewEngine(g.Cache, locker, logger,
		blacklist.WithEvents(g.Events),
		blacklist.WithRecorder(g.Metrics),
	)
	if err := g.startListeners(d); err != nil {
		return nil, err
	}

	authn, admin, issuer, err := g.newAuth()
	if err != nil {
		return nil, err
	}
	gatekeeper := gate.New(g.Cache, logger,
		gate.WithFailOpen(cfg.Gate.FailOpen),
		gate.WithEvents(g.Events),
		gate.WithRecorder(g.Metrics),
	)
	forward, err := proxy.NewForwarder(cfg.Gateway.Forward, cfg.Gateway.UpstreamTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.Audit.Enabled {
		capture, err := g.newAudit(ctx, d)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithAudit(capture, g.dispatcher))
	}
	pipe := pipeline.New(authn, gatekeeper, forward, opts...)

	var signIn http.Handler
	if issuer != nil {
		s, err := proxy.NewSignIn(cfg.Gateway.AuthServerURI, cfg.Gateway.ValidatePath, cfg.Gateway.SignInPath, issuer, cfg.Gateway.UpstreamTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("signin: %w", err)
		}
		signIn = s
	} else {
		logger.Warn("no jwt secret configured; sign-in is disabled")
	}

	g.Handler = g.routes(admin, pipe, signIn)
	return g, nil
}

func (g *Gateway) openRedis(ctx context.Context, d gatewayDeps) error {
	if strings.TrimSpace(g.cfg.Redis.Addr) == "" || d.openRedis == nil {
		if !g.cfg.Redis.Optional {
			return errors.New("redis: redis.addr required unless redis.optional=true")
		}
		return nil
	}
	client, err := d.openRedis(ctx, g.cfg.Redis)
	if err != nil {
		if !g.cfg.Redis.Optional {
			return fmt.Errorf("redis: %w", err)
		}
		g.logger.Warn("redis unavailable, continuing with in-memory tier", zap.Error(err))
		return nil
	}
	g.redis = client
	g.closers = append(g.closers, client.Close)
	return nil
}

func (g *Gateway) newLocker() (lock.Locker, error) {
	switch g.cfg.Lock.Backend {
	case config.LockBackendRedis:
		if g.redis == nil {
			if !g.cfg.Redis.Optional {
				return nil, errors.New("lock.backend=redis requires redis")
			}
			g.logger.Warn("redis lock backend unavailable, merges are serialised per instance only")
			return lock.NewKeyedMutex(g.cfg.Lock.Wait), nil
		}
		return lock.NewRedisLocker(g.redis, g.cfg.Lock.Wait, g.cfg.Lock.TTL), nil
	default:
		return lock.NewKeyedMutex(g.cfg.Lock.Wait), nil
	}
}

// startListeners creates one consumer per configured worker. They share the
// group id, so Kafka spreads partitions across them.
func (g *Gateway) startListeners(d gatewayDeps) error {
	kc := g.cfg.Kafka.Blacklist
	if !kc.Enabled {
		g.logger.Info("blacklist feed disabled")
		return nil
	}
	if d.newConsumer == nil {
		return errors.New("blacklist feed enabled without a consumer factory")
	}
	for i := 0; i < kc.Concurrency; i++ {
		consumer, err := d.newConsumer(msgbus.KafkaConfig{Brokers: g.cfg.Kafka.Brokers, Topic: kc.Topic, GroupID: kc.GroupID, ClientID: g.cfg.Service})
		if err != nil {
			return fmt.Errorf("blacklist consumer: %w", err)
		}
		g.closers = append(g.closers, consumer.Close)
		g.listeners = append(g.listeners, blacklist.NewListener(consumer, g.Engine, g.logger.With(zap.Int("worker", i)),
			blacklist.WithRetry(g.cfg.Blacklist.MaxRetries, g.cfg.Blacklist.RetryBackoff),
			blacklist.WithIngestRecorder(g.Metrics),
		))
	}
	return nil
}

// newAuth builds the pipeline authenticator, which only secures routes under
// the protected prefix, and the admin authenticator, which secures every
// route it is mounted on.
func (g *Gateway) newAuth() (gateway, admin *auth.Authenticator, issuer *auth.Issuer, err error) {
	jwt := g.cfg.Auth.JWT
	routes := auth.Routes{ProtectedPrefix: g.cfg.Auth.ProtectedPrefix, UnprotectedPaths: g.cfg.Auth.UnprotectedPaths}
	secret, err := jwt.SecretBytes()
	if err != nil {
		if g.cfg.Auth.Enabled {
			return nil, nil, nil, fmt.Errorf("auth: %w", err)
		}
		// Without a secret no admin token can verify, so the stream refuses everyone.
		return auth.NewAuthenticator(nil, routes, false, g.logger), auth.NewAuthenticator(nil, auth.Routes{}, true, nil), nil, nil
	}
	validator, err := auth.NewValidator(secret, auth.WithIssuer(jwt.Issuer), auth.WithLeeway(jwt.Leeway))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("auth: %w", err)
	}
	issuer, err = auth.NewIssuer(secret, jwt.Issuer, g.cfg.Auth.Scope, jwt.TTL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("auth: %w", err)
	}
	gateway = auth.NewAuthenticator(validator, routes, g.cfg.Auth.Enabled, g.logger)
	// The operator stream is authenticated even when gateway auth is off.
	admin = auth.NewAuthenticator(validator, auth.Routes{}, true, nil)
	return gateway, admin, issuer, nil
}

func (g *Gateway) newAudit(ctx context.Context, d gatewayDeps) (*audit.Capture, error) {
	ac := g.cfg.Audit
	var pub audit.Publisher
	switch ac.Sink {
	case config.AuditSinkKafka:
		if !g.cfg.Kafka.Audit.Enabled || d.newProducer == nil {
			g.logger.Warn("audit feed disabled, snapshots go to the log")
			pub = audit.LogPublisher{Logger: g.logger}
			break
		}
		producer, err := d.newProducer(msgbus.KafkaConfig{Brokers: g.cfg.Kafka.Brokers, Topic: g.cfg.Kafka.Audit.Topic, ClientID: g.cfg.Service})
		if err != nil {
			return nil, fmt.Errorf("audit producer: %w", err)
		}
		g.closers = append(g.closers, producer.Close)
		pub = audit.NewKafkaPublisher(producer)
	case config.AuditSinkPostgres:
		if d.openDB == nil {
			return nil, errors.New("audit.sink=postgres without a database opener")
		}
		pool, err := d.openDB(ctx, g.cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		g.closers = append(g.closers, func() error { pool.Close(); return nil })
		pub = &audit.PostgresPublisher{DB: pool}
	default:
		pub = audit.LogPublisher{Logger: g.logger}
	}
	g.dispatcher = audit.NewDispatcher(pub, ac.QueueSize, ac.Workers, g.logger, g.Metrics)

	var redactor *audit.Redactor
	if ac.Redact {
		redactor = audit.NewRedactor(ac.HashSalt, ac.RedactHeaders)
	}
	return audit.NewCapture(audit.CaptureOptions{
		CaptureBody:    ac.CaptureBody,
		MaxBodyBytes:   ac.MaxBodyBytes,
		TrustedProxies: g.cfg.HTTP.TrustedProxies,
		Redactor:       redactor,
	}), nil
}

func (g *Gateway) signInLimiter() ratelimit.Limiter {
	window := g.cfg.Gateway.SignInRateWindow
	if g.redis != nil {
		return ratelimit.NewRedis(g.redis, window)
	}
	return ratelimit.NewInMemory(window)
}

func (g *Gateway) routes(admin *auth.Authenticator, pipe http.Handler, signIn http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.AccessLog(g.logger))
	r.Use(httpx.CORSMiddleware(g.cfg.HTTP.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(g.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(g.cfg.Service))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": g.cfg.Service})
	})
	r.Handle("/metrics", g.Metrics.Handler())
	r.With(auth.Middleware(admin), auth.RequireScope(g.cfg.Auth.AdminScope)).
		Get("/admin/stream", stream.Handler(g.Events, nil, g.logger))

	if signIn != nil {
		trusted := g.cfg.HTTP.TrustedProxies
		r.With(ratelimit.Middleware(g.signInLimiter(), g.cfg.Gateway.SignInRateLimit, func(r *http.Request) string {
			return "signin:" + httpx.ClientIP(r, trusted)
		}, g.logger)).Post(g.cfg.Gateway.SignInPath, signIn.ServeHTTP)
	}

	r.With(g.limitBody).Handle("/*", pipe)
	return r
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := httpx.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		g.Metrics.ObserveHTTP(route, r.Method, rec.Status, time.Since(start))
	})
}

func (g *Gateway) limitBody(next http.Handler) http.Handler {
	limit := g.cfg.HTTP.MaxBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 && r.Body != nil {
			if r.ContentLength > limit {
				httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the HTTP server and the blacklist listeners until ctx is
// cancelled or the server stops.
func (g *Gateway) Serve(ctx context.Context, listen listenFunc) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	hc := g.cfg.HTTP
	server := &http.Server{
		Addr:              hc.Addr,
		Handler:           g.Handler,
		ReadHeaderTimeout: hc.ReadHeaderTimeout,
		ReadTimeout:       hc.ReadTimeout,
		WriteTimeout:      hc.WriteTimeout,
		IdleTimeout:       hc.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)
	for _, l := range g.listeners {
		l := l
		eg.Go(func() error { return l.Run(egCtx) })
	}
	eg.Go(func() error {
		defer cancel()
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), hc.ShutdownTimeout)
		defer done()
		return server.Shutdown(shutdownCtx)
	})

	g.Events.Publish(stream.NewEvent(stream.EventReady, map[string]any{"addr": hc.Addr}))
	g.logger.Info("frontdoor listening",
		zap.String("addr", hc.Addr),
		zap.String("forward", g.cfg.Gateway.Forward),
		zap.Bool("auth", g.cfg.Auth.Enabled),
		zap.Bool("audit", g.cfg.Audit.Enabled),
		zap.String("audit_sink", g.cfg.Audit.Sink),
		zap.Int("blacklist_workers", len(g.listeners)),
		zap.String("lock_backend", g.cfg.Lock.Backend),
		zap.Bool("gate_fail_open", g.cfg.Gate.FailOpen),
	)
	return eg.Wait()
}

// Close drains queued audit snapshots, then releases connections in reverse
// order of opening.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if g.dispatcher != nil {
		if err := g.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit drain: %w", err))
		}
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
