package rest

import (
	"context"

	"github.com/mina-net/debugger/internal/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryConnections returns connections matching q, newest first.
	QueryConnections(ctx context.Context, q storage.ConnectionQuery) ([]storage.Connection, error)

	// QueryStreamMessages returns the messages recorded for one connection,
	// ordered by observation time.
	QueryStreamMessages(ctx context.Context, q storage.StreamMessageQuery) ([]storage.StreamMessage, error)
}
