package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of stream-message rows held in
	// memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending stream messages even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed canonical storage layer. It implements
// Sink directly, so it can sit either behind a Queue (as the queue's
// upstream) or be used as the recorder's sole sink when no local
// durability buffer is needed.
//
// Connection open/close and randomness samples are written immediately;
// stream message payloads are batched the same way the teacher codebase
// batches its high-volume write path, flushed either when the buffer
// reaches batchSize or when the background ticker fires, whichever comes
// first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []StreamMessage
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]StreamMessage, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered stream messages, and closes the connection pool. It is safe to
// call Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// --- Sink implementation ---

// OnConnect implements storage.Sink by opening a new connections row.
func (s *Store) OnConnect(ctx context.Context, incoming bool, meta ConnectionMeta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections
			(connection_id, alias, incoming, remote_addr, pid, fd, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), meta.Alias, incoming, meta.RemoteAddr, meta.PID, meta.FD, meta.Time,
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// OnDisconnect implements storage.Sink by closing the most recent open
// connections row for (pid, fd). If the matching OutgoingConnection/
// IncomingConnection event was dropped by a prior overflow, no row is
// closed and the Disconnected event is silently absorbed, matching the
// at-most-one-active-connection-per-(pid,fd) invariant on a best-effort
// basis under loss.
func (s *Store) OnDisconnect(ctx context.Context, meta ConnectionMeta) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET    closed_at   = $1,
		       duration_ns = $2
		WHERE  connection_id = (
			SELECT connection_id
			FROM   connections
			WHERE  pid = $3 AND fd = $4 AND closed_at IS NULL
			ORDER  BY opened_at DESC
			LIMIT  1
		)`,
		meta.Time, meta.Duration.Nanoseconds(), meta.PID, meta.FD,
	)
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return nil
}

// OnData implements storage.Sink by buffering a StreamMessage row against
// whichever connection is currently open for (pid, fd).
func (s *Store) OnData(ctx context.Context, incoming bool, meta ConnectionMeta, data []byte) error {
	var connID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT connection_id
		FROM   connections
		WHERE  pid = $1 AND fd = $2 AND closed_at IS NULL
		ORDER  BY opened_at DESC
		LIMIT  1`, meta.PID, meta.FD,
	).Scan(&connID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("on data: no open connection for pid=%d fd=%d", meta.PID, meta.FD)
		}
		return fmt.Errorf("on data: lookup connection: %w", err)
	}

	return s.enqueueStreamMessage(ctx, StreamMessage{
		MessageID:    uuid.New(),
		ConnectionID: connID,
		Incoming:     incoming,
		Payload:      data,
		ObservedAt:   meta.Time,
	})
}

// OnRandomness implements storage.Sink by inserting a randomness_samples row.
func (s *Store) OnRandomness(ctx context.Context, alias string, sample [32]byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO randomness_samples (sample_id, alias, sample, observed_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), alias, sample[:], time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert randomness sample: %w", err)
	}
	return nil
}

// enqueueStreamMessage buffers msg for deferred batch insertion, flushing
// synchronously when the buffer reaches batchSize.
func (s *Store) enqueueStreamMessage(ctx context.Context, msg StreamMessage) error {
	s.mu.Lock()
	s.batch = append(s.batch, msg)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current stream-message buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support, mirroring
// the at-least-once delivery the local queue provides upstream).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]StreamMessage, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO stream_messages
			(message_id, connection_id, incoming, protocol, payload, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		m := &toInsert[i]
		b.Queue(query, m.MessageID, m.ConnectionID, m.Incoming, m.Protocol, m.Payload, m.ObservedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec stream message: %w", err)
		}
	}
	return nil
}

// --- aggregator read paths ---

// QueryConnections returns connections matching q, newest first.
func (s *Store) QueryConnections(ctx context.Context, q ConnectionQuery) ([]Connection, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE opened_at >= $1 AND opened_at < $2"
	if q.Alias != "" {
		where += " AND alias = $5"
		args = append(args, q.Alias)
	}

	sql := fmt.Sprintf(`
		SELECT connection_id, alias, incoming, remote_addr, pid, fd, opened_at, closed_at, duration_ns
		FROM   connections
		%s
		ORDER  BY opened_at DESC
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ConnectionID, &c.Alias, &c.Incoming, &c.RemoteAddr,
			&c.PID, &c.FD, &c.OpenedAt, &c.ClosedAt, &c.DurationNS); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// QueryStreamMessages returns the messages recorded for q.ConnectionID,
// ordered by observed_at ascending (wire order).
func (s *Store) QueryStreamMessages(ctx context.Context, q StreamMessageQuery) ([]StreamMessage, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, connection_id, incoming, protocol, payload, observed_at
		FROM   stream_messages
		WHERE  connection_id = $1
		ORDER  BY observed_at ASC
		LIMIT  $2 OFFSET $3`,
		q.ConnectionID, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query stream messages: %w", err)
	}
	defer rows.Close()

	var msgs []StreamMessage
	for rows.Next() {
		var m StreamMessage
		if err := rows.Scan(&m.MessageID, &m.ConnectionID, &m.Incoming, &m.Protocol, &m.Payload, &m.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan stream message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry. The
// caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EntryID, e.SequenceNum, e.EventHash, e.PrevHash, []byte(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries with created_at in [q.From, q.To),
// ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  created_at >= $1 AND created_at < $2
		ORDER  BY sequence_num ASC`,
		q.From, q.To,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		if err := rows.Scan(&e.EntryID, &e.SequenceNum, &e.EventHash, &e.PrevHash, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Sink = (*Store)(nil)
