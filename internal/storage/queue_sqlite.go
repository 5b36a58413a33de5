// WAL-mode SQLite-backed durable queue for the recorder.
//
// Queue implements Sink by appending one row per call to a single events
// table, then asynchronously draining rows to an upstream Sink (typically a
// Postgres-backed Store) in FIFO order, deleting rows only after a
// successful upstream write. This gives the recorder the same
// at-least-once durability property this codebase's agent queue provides
// for its alert stream, applied to capture data instead.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

type eventKind string

const (
	kindConnect    eventKind = "connect"
	kindDisconnect eventKind = "disconnect"
	kindData       eventKind = "data"
	kindRandomness eventKind = "randomness"
)

// Queue is a WAL-mode SQLite-backed implementation of Sink. It is safe for
// concurrent use.
type Queue struct {
	db       *sql.DB
	depth    atomic.Int64
	upstream Sink
	logger   *slog.Logger

	drainInterval time.Duration
	drainBatch    int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewQueue opens (or creates) the SQLite database at path, enables WAL
// journal mode, applies the schema, and starts a background goroutine that
// drains queued events into upstream. If path is ":memory:", an in-memory
// database is used; suitable for tests only.
func NewQueue(path string, upstream Sink, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises concurrent Enqueue calls without "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(queueDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &Queue{
		db:            db,
		upstream:      upstream,
		logger:        logger,
		drainInterval: 250 * time.Millisecond,
		drainBatch:    100,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	go q.drainLoop()

	return q, nil
}

const queueDDL = `
CREATE TABLE IF NOT EXISTS events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    kind          TEXT    NOT NULL,
    alias         TEXT    NOT NULL,
    remote_addr   TEXT    NOT NULL DEFAULT '',
    pid           INTEGER NOT NULL DEFAULT 0,
    fd            INTEGER NOT NULL DEFAULT 0,
    incoming      INTEGER NOT NULL DEFAULT 0,
    observed_at   TEXT    NOT NULL,
    duration_ns   INTEGER NOT NULL DEFAULT 0,
    payload       BLOB,
    enqueued_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_pending ON events (delivered, id);
`

// Depth returns the number of pending (undelivered) events.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// Close stops the drain loop and closes the database connection. It blocks
// until the drain loop's current iteration finishes.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		<-q.doneCh
	})
	return q.db.Close()
}

func (q *Queue) insert(ctx context.Context, kind eventKind, meta ConnectionMeta, payload []byte, incoming bool) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO events (kind, alias, remote_addr, pid, fd, incoming, observed_at, duration_ns, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(kind), meta.Alias, meta.RemoteAddr, meta.PID, meta.FD, boolToInt(incoming),
		meta.Time.UTC().Format(time.RFC3339Nano), meta.Duration.Nanoseconds(), payload,
	)
	if err != nil {
		return fmt.Errorf("queue: insert %s event: %w", kind, err)
	}
	q.depth.Add(1)
	return nil
}

// OnConnect implements Sink.
func (q *Queue) OnConnect(ctx context.Context, incoming bool, meta ConnectionMeta) error {
	return q.insert(ctx, kindConnect, meta, nil, incoming)
}

// OnDisconnect implements Sink.
func (q *Queue) OnDisconnect(ctx context.Context, meta ConnectionMeta) error {
	return q.insert(ctx, kindDisconnect, meta, nil, false)
}

// OnData implements Sink.
func (q *Queue) OnData(ctx context.Context, incoming bool, meta ConnectionMeta, data []byte) error {
	return q.insert(ctx, kindData, meta, data, incoming)
}

// OnRandomness implements Sink.
func (q *Queue) OnRandomness(ctx context.Context, alias string, sample [32]byte) error {
	return q.insert(ctx, kindRandomness, ConnectionMeta{Alias: alias, Time: time.Now()}, sample[:], false)
}

type queuedRow struct {
	id         int64
	kind       eventKind
	meta       ConnectionMeta
	incoming   bool
	payload    []byte
}

func (q *Queue) dequeue(ctx context.Context, n int) ([]queuedRow, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, alias, remote_addr, pid, fd, incoming, observed_at, duration_ns, payload
		 FROM   events
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []queuedRow
	for rows.Next() {
		var (
			r            queuedRow
			kindStr      string
			observedAt   string
			incomingInt  int
			durationNS   int64
		)
		if err := rows.Scan(&r.id, &kindStr, &r.meta.Alias, &r.meta.RemoteAddr, &r.meta.PID, &r.meta.FD,
			&incomingInt, &observedAt, &durationNS, &r.payload); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		r.kind = eventKind(kindStr)
		r.incoming = incomingInt != 0
		r.meta.Duration = time.Duration(durationNS)
		r.meta.Time, _ = time.Parse(time.RFC3339Nano, observedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queue) ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM events WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// drainLoop periodically ships queued rows to the upstream sink, retrying
// transient failures with exponential backoff before giving up on a batch
// until the next tick. It exits when Close is called.
func (q *Queue) drainLoop() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.drainOnce(context.Background())
			return
		case <-ticker.C:
			q.drainOnce(context.Background())
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	if q.upstream == nil {
		return
	}

	rows, err := q.dequeue(ctx, q.drainBatch)
	if err != nil {
		q.logger.Warn("queue: dequeue failed", slog.Any("error", err))
		return
	}
	if len(rows) == 0 {
		return
	}

	var delivered []int64
	for _, r := range rows {
		op := func() error { return q.ship(ctx, r) }
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		if err := backoff.Retry(op, bo); err != nil {
			q.logger.Warn("queue: failed to ship event after retries, leaving queued",
				slog.String("kind", string(r.kind)), slog.Any("error", err))
			break // preserve FIFO order; stop at first persistent failure
		}
		delivered = append(delivered, r.id)
	}

	if err := q.ack(ctx, delivered); err != nil {
		q.logger.Warn("queue: failed to ack delivered events", slog.Any("error", err))
	}
}

func (q *Queue) ship(ctx context.Context, r queuedRow) error {
	switch r.kind {
	case kindConnect:
		return q.upstream.OnConnect(ctx, r.incoming, r.meta)
	case kindDisconnect:
		return q.upstream.OnDisconnect(ctx, r.meta)
	case kindData:
		return q.upstream.OnData(ctx, r.incoming, r.meta, r.payload)
	case kindRandomness:
		if len(r.payload) != 32 {
			return fmt.Errorf("queue: randomness payload has %d bytes, want 32", len(r.payload))
		}
		var sample [32]byte
		copy(sample[:], r.payload)
		return q.upstream.OnRandomness(ctx, r.meta.Alias, sample)
	default:
		return fmt.Errorf("queue: unknown event kind %q", r.kind)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
