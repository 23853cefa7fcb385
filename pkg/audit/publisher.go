package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"frontdoor/pkg/models"
	"frontdoor/pkg/msgbus"
)

// ErrPublish wraps every failure to hand a snapshot to its sink.
var ErrPublish = errors.New("audit publish failed")

// Entry is one encoded snapshot ready for a sink.
type Entry struct {
	Kind    string
	ID      string
	UserID  string
	Arrived time.Time
	Payload json.RawMessage
}

func RequestEntry(s models.RequestSnapshot) (Entry, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return Entry{}, fmt.Errorf("encode request snapshot %s: %w", s.ID, err)
	}
	return Entry{Kind: s.Kind, ID: s.ID, UserID: s.UserID, Arrived: s.Arrived, Payload: b}, nil
}

func ResponseEntry(s models.ResponseSnapshot) (Entry, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return Entry{}, fmt.Errorf("encode response snapshot %s: %w", s.ID, err)
	}
	return Entry{Kind: s.Kind, ID: s.ID, UserID: s.UserID, Arrived: s.Arrived, Payload: b}, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// KafkaPublisher writes entries to the audit topic keyed by user id, so both
// snapshots of a request land on the same partition in order.
type KafkaPublisher struct {
	producer msgbus.Producer
}

func NewKafkaPublisher(p msgbus.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Entry) error {
	if err := k.producer.Publish(ctx, []byte(e.UserID), e.Payload); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrPublish, e.Kind, e.ID, err)
	}
	return nil
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresPublisher stores entries in audit_snapshots. Replays of the same
// snapshot are ignored.
type PostgresPublisher struct {
	DB auditDB
}

func (p *PostgresPublisher) Publish(ctx context.Context, e Entry) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO audit_snapshots (snapshot_id, kind, user_id, payload, arrived_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (snapshot_id, kind) DO NOTHING
	`, e.ID, e.Kind, e.UserID, []byte(e.Payload), e.Arrived)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrPublish, e.Kind, e.ID, err)
	}
	return nil
}

// Trail returns the stored snapshots of one request, request first.
func (p *PostgresPublisher) Trail(ctx context.Context, id string) ([]Entry, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT kind, snapshot_id, user_id, arrived_at, payload
		FROM audit_snapshots WHERE snapshot_id=$1
		ORDER BY CASE kind WHEN 'request' THEN 0 ELSE 1 END
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.Kind, &e.ID, &e.UserID, &e.Arrived, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogPublisher writes entries to the log. Meant for development.
type LogPublisher struct {
	Logger *zap.Logger
}

func (l LogPublisher) Publish(_ context.Context, e Entry) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("audit snapshot",
		zap.String("kind", e.Kind),
		zap.String("id", e.ID),
		zap.String("user_id", e.UserID),
		zap.ByteString("payload", e.Payload))
	return nil
}
