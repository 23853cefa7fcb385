package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"frontdoor/pkg/audit"
	"frontdoor/pkg/auth"
	"frontdoor/pkg/config"
	"frontdoor/pkg/models"
	"frontdoor/pkg/msgbus"
	"frontdoor/pkg/store"
)

type trailDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Testable variables for main()
var (
	osExit        = os.Exit
	loadConfigFn  = config.Load
	now           = func() time.Time { return time.Now().UTC() }
	openRedisFn   = store.NewRedis
	newProducerFn = func(cfg msgbus.KafkaConfig) (msgbus.Producer, error) { return msgbus.NewKafkaProducer(cfg) }
	openDBFn      = func(ctx context.Context, cfg config.PostgresConfig) (trailDB, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

const commandTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-secret":
		return genSecret(args[1:], out)
	case "issue-token":
		return issueToken(args[1:], out)
	case "block":
		return block(args[1:], out)
	case "inspect":
		return inspect(args[1:], out)
	case "trail":
		return trail(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "frontdoorctl commands:")
	fmt.Fprintln(out, "  gen-secret [--bytes 32]")
	fmt.Fprintln(out, "  issue-token --subject 15 [--name alice] [--scope ecomm] [--config config.yaml]")
	fmt.Fprintln(out, "  block --user 15 (--for 10m | --to 2026-01-02T15:04:05Z) [--from ...] [--config config.yaml]")
	fmt.Fprintln(out, "  inspect --user 15 [--config config.yaml]")
	fmt.Fprintln(out, "  trail --id <request id> [--config config.yaml]")
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", os.Getenv("FRONTDOOR_CONFIG"), "config file")
	return fs, configPath
}

func genSecret(args []string, out io.Writer) error {
	fs, _ := newFlagSet("gen-secret")
	size := fs.Int("bytes", 32, "secret length in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *size < 32 {
		return fmt.Errorf("secret must be at least 32 bytes, got %d", *size)
	}
	b := make([]byte, *size)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(b))
	return nil
}

func issueToken(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("issue-token")
	subject := fs.String("subject", "", "user id")
	name := fs.String("name", "", "display name")
	scope := fs.String("scope", "", "scope claim, defaults to auth.scope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("subject required")
	}
	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	secret, err := cfg.Auth.JWT.SecretBytes()
	if err != nil {
		return err
	}
	if *scope == "" {
		*scope = cfg.Auth.Scope
	}
	issuer, err := auth.NewIssuer(secret, cfg.Auth.JWT.Issuer, *scope, cfg.Auth.JWT.TTL)
	if err != nil {
		return err
	}
	token, claims, err := issuer.Issue(*subject, *name)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, token)
	fmt.Fprintf(out, "expires %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

func block(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("block")
	user := fs.String("user", "", "user id")
	fromRaw := fs.String("from", "", "window start (default now)")
	toRaw := fs.String("to", "", "window end")
	dur := fs.Duration("for", 0, "window length from --from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	event, err := blockEvent(*user, *fromRaw, *toRaw, *dur)
	if err != nil {
		return err
	}
	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	producer, err := newProducerFn(msgbus.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Blacklist.Topic})
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer producer.Close()

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := producer.Publish(ctx, []byte(event.UserID), raw); err != nil {
		return err
	}
	fmt.Fprintf(out, "published block for %s from %s to %s\n", event.UserID,
		event.From.Format(time.RFC3339), event.To.Format(time.RFC3339))
	return nil
}

func blockEvent(user, fromRaw, toRaw string, dur time.Duration) (models.BlacklistEvent, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return models.BlacklistEvent{}, errors.New("user required")
	}
	from := now()
	if fromRaw != "" {
		t, err := models.ParseEventTime(fromRaw)
		if err != nil {
			return models.BlacklistEvent{}, fmt.Errorf("parse --from: %w", err)
		}
		from = t
	}
	var to time.Time
	switch {
	case toRaw != "" && dur != 0:
		return models.BlacklistEvent{}, errors.New("use either --to or --for")
	case toRaw != "":
		t, err := models.ParseEventTime(toRaw)
		if err != nil {
			return models.BlacklistEvent{}, fmt.Errorf("parse --to: %w", err)
		}
		to = t
	case dur > 0:
		to = from.Add(dur)
	default:
		return models.BlacklistEvent{}, errors.New("--to or a positive --for required")
	}
	event := models.BlacklistEvent{UserID: user, From: from.UTC(), To: to.UTC()}
	if err := event.Window().Validate(); err != nil {
		return models.BlacklistEvent{}, err
	}
	return event, nil
}

func inspect(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("inspect")
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("user required")
	}
	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	client, err := openRedisFn(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer client.Close()
	return printWindow(ctx, out, client, cfg.Cache, *user)
}

func printWindow(ctx context.Context, out io.Writer, client *redis.Client, cc config.CacheConfig, user string) error {
	tier := store.NewRedisTier(client, cc.KeyPrefix, cc.SharedTTL, cc.Timeout)
	w, found, err := tier.Load(ctx, user)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(out, "%s: no block window\n", user)
		return nil
	}
	state := "inactive"
	if w.Covers(now()) {
		state = "BLOCKED"
	}
	fmt.Fprintf(out, "%s: %s from %s to %s\n", user, state, w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	return nil
}

func trail(args []string, out io.Writer) error {
	fs, configPath := newFlagSet("trail")
	id := fs.String("id", "", "request id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("id required")
	}
	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	db, err := openDBFn(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	entries, err := (&audit.PostgresPublisher{DB: db}).Trail(ctx, *id)
	if err != nil {
		return fmt.Errorf("trail: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no snapshots for %s", *id)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, e := range entries {
		if err := enc.Encode(e.Payload); err != nil {
			return err
		}
	}
	return nil
}
