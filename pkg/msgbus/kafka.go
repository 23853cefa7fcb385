package msgbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultClientID = "frontdoor"

var errNotInitialized = errors.New("kafka client not initialized")

// KafkaConfig names one topic on a cluster. GroupID is required for
// consumers only.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// normalized trims the broker list and fills ClientID.
func (c KafkaConfig) normalized() (KafkaConfig, error) {
	out := KafkaConfig{
		Topic:    strings.TrimSpace(c.Topic),
		GroupID:  strings.TrimSpace(c.GroupID),
		ClientID: strings.TrimSpace(c.ClientID),
	}
	for _, b := range c.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			out.Brokers = append(out.Brokers, b)
		}
	}
	if out.ClientID == "" {
		out.ClientID = defaultClientID
	}
	switch {
	case len(out.Brokers) == 0:
		return out, errors.New("kafka brokers required")
	case out.Topic == "":
		return out, errors.New("kafka topic required")
	}
	return out, nil
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads one consumer-group member's partitions. Offsets are
// committed explicitly through Commit.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id required")
	}
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		Dialer:         &kafka.Dialer{ClientID: cfg.ClientID, Timeout: 10 * time.Second, DualStack: true},
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})}, nil
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errNotInitialized
	}
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset, Key: m.Key, Value: m.Value, Time: m.Time}, nil
}

// Commit marks msg and everything before it on its partition as consumed.
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	if c == nil || c.reader == nil {
		return errNotInitialized
	}
	return c.reader.CommitMessages(ctx, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer hashes keys to partitions so every message for one key lands
// on the same partition in order.
type KafkaProducer struct {
	writer kafkaWriter
	topic  string
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{topic: cfg.Topic, writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}}, nil
}

func (p *KafkaProducer) Topic() string { return p.topic }

func (p *KafkaProducer) Publish(ctx context.Context, key, value []byte) error {
	if p == nil || p.writer == nil {
		return errNotInitialized
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
