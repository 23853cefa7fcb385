package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"frontdoor/pkg/config"
	"frontdoor/pkg/hardening"
	"frontdoor/pkg/logging"
	"frontdoor/pkg/msgbus"
	"frontdoor/pkg/store"
	"frontdoor/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    = config.Load
	newLoggerG     = logging.New
	initTelemetryG = telemetry.Init
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	depsG          = gatewayDeps{
		openRedis: store.NewRedis,
		openDB: func(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
			return store.NewPostgresPool(ctx, cfg)
		},
		newConsumer: func(cfg msgbus.KafkaConfig) (msgbus.Consumer, error) { return msgbus.NewKafkaConsumer(cfg) },
		newProducer: func(cfg msgbus.KafkaConfig) (msgbus.Producer, error) { return msgbus.NewKafkaProducer(cfg) },
	}
)

func main() {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("FRONTDOOR_CONFIG"), "path to a YAML config file")
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, *configPath, depsG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(ctx context.Context, configPath string, deps gatewayDeps, listen listenFunc) error {
	cfg, err := loadConfigG(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := newLoggerG(cfg.Log, cfg.Service)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(cfg); err != nil {
		return err
	}
	shutdown, err := initTelemetryG(ctx, cfg.Tracing, cfg.Service, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	gw, err := newGateway(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	serveErr := gw.Serve(ctx, listen)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := gw.Close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return serveErr
}
