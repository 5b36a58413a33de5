package storage

import (
	"context"
	"time"
)

// ConnectionMeta is the Go form of the `metadata` record described by the
// storage-sink contract: everything a collaborator needs to persist a
// connection event without reaching back into the recorder's internal
// tables.
type ConnectionMeta struct {
	Alias      string
	RemoteAddr string
	PID        int
	FD         int
	Time       time.Time
	Duration   time.Duration
}

// Sink receives connection lifecycle and payload events from the recorder.
// Implementations must be safe for concurrent use and are responsible for
// durable, ordered persistence per connection and per stream.
type Sink interface {
	OnConnect(ctx context.Context, incoming bool, meta ConnectionMeta) error
	OnDisconnect(ctx context.Context, meta ConnectionMeta) error
	OnData(ctx context.Context, incoming bool, meta ConnectionMeta, data []byte) error
	OnRandomness(ctx context.Context, alias string, sample [32]byte) error
}
