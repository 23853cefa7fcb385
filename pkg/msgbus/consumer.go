// Package msgbus carries the gateway's Kafka feeds: the blacklisted-users
// feed it consumes and the audit feed it produces.
package msgbus

import (
	"context"
	"time"
)

type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Consumer delivers messages one at a time. Commit acknowledges a message
// after it has been handled.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Producer publishes keyed messages to one topic.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}
