//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mina-net/debugger/internal/storage"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// thisFile is internal/storage/postgres_test.go
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "db", "migrations")
}

// setupDB starts a PostgreSQL container, applies all migration files, and
// returns a Store and a raw pgxpool for schema-level assertions.
func setupDB(t *testing.T) (*storage.Store, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("mina_debugger_test"),
		tcpostgres.WithUsername("mina"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))

	store, err := storage.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, rawPool, cleanup
}

func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{
		"001_connections.sql",
		"002_stream_messages.sql",
		"003_randomness_samples.sql",
		"004_audit.sql",
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

// ── connection lifecycle via the Sink interface ────────────────────────────────

func TestOnConnectOnDisconnect(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	opened := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	meta := storage.ConnectionMeta{
		Alias:      "mina-node-1",
		RemoteAddr: "10.0.0.5:8302",
		PID:        4242,
		FD:         7,
		Time:       opened,
	}
	if err := store.OnConnect(ctx, false, meta); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}

	from := opened.Add(-time.Minute)
	to := opened.Add(time.Minute)
	conns, err := store.QueryConnections(ctx, storage.ConnectionQuery{Alias: "mina-node-1", From: from, To: to, Limit: 10})
	if err != nil {
		t.Fatalf("QueryConnections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("want 1 open connection, got %d", len(conns))
	}
	if conns[0].ClosedAt != nil {
		t.Error("connection should still be open")
	}

	closeMeta := meta
	closeMeta.Time = opened.Add(5 * time.Second)
	closeMeta.Duration = 5 * time.Second
	if err := store.OnDisconnect(ctx, closeMeta); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}

	conns, err = store.QueryConnections(ctx, storage.ConnectionQuery{Alias: "mina-node-1", From: from, To: to, Limit: 10})
	if err != nil {
		t.Fatalf("QueryConnections after disconnect: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("want 1 connection, got %d", len(conns))
	}
	if conns[0].ClosedAt == nil {
		t.Fatal("connection should be closed")
	}
	if conns[0].DurationNS != (5 * time.Second).Nanoseconds() {
		t.Errorf("duration_ns: want %d, got %d", (5 * time.Second).Nanoseconds(), conns[0].DurationNS)
	}
}

func TestOnDisconnectWithoutMatchingConnectIsAbsorbed(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	// No prior OnConnect for this (pid, fd): the matching open event was
	// presumably dropped by ring-buffer overflow.
	err := store.OnDisconnect(ctx, storage.ConnectionMeta{Alias: "ghost", PID: 9999, FD: 3, Time: time.Now()})
	if err != nil {
		t.Fatalf("OnDisconnect on unmatched socket should not error, got: %v", err)
	}
}

// ── stream message batching ────────────────────────────────────────────────────

func TestOnDataBuffersAndFlushes(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	opened := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	meta := storage.ConnectionMeta{Alias: "mina-node-2", RemoteAddr: "10.0.0.6:8302", PID: 555, FD: 9, Time: opened}
	if err := store.OnConnect(ctx, true, meta); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}

	// batchSize is 10 in setupDB; 10 OnData calls trigger a size-based flush.
	for i := 0; i < 10; i++ {
		dataMeta := meta
		dataMeta.Time = opened.Add(time.Duration(i) * time.Millisecond)
		if err := store.OnData(ctx, true, dataMeta, []byte(fmt.Sprintf("chunk-%d", i))); err != nil {
			t.Fatalf("OnData[%d]: %v", i, err)
		}
	}

	conns, err := store.QueryConnections(ctx, storage.ConnectionQuery{
		Alias: "mina-node-2", From: opened.Add(-time.Minute), To: opened.Add(time.Minute), Limit: 1,
	})
	if err != nil || len(conns) != 1 {
		t.Fatalf("QueryConnections: %v, %d results", err, len(conns))
	}

	msgs, err := store.QueryStreamMessages(ctx, storage.StreamMessageQuery{ConnectionID: conns[0].ConnectionID, Limit: 100})
	if err != nil {
		t.Fatalf("QueryStreamMessages: %v", err)
	}
	if len(msgs) != 10 {
		t.Errorf("want 10 stream messages, got %d", len(msgs))
	}
}

func TestOnDataFlushOnInterval(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	opened := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	meta := storage.ConnectionMeta{Alias: "mina-node-3", RemoteAddr: "10.0.0.7:8302", PID: 777, FD: 11, Time: opened}
	if err := store.OnConnect(ctx, false, meta); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}

	// Only 1 message — the batchSize threshold (10) is not reached.
	if err := store.OnData(ctx, false, meta, []byte("hello")); err != nil {
		t.Fatalf("OnData: %v", err)
	}

	// Wait for the 50ms flush interval to fire (give 200ms headroom).
	time.Sleep(200 * time.Millisecond)

	conns, err := store.QueryConnections(ctx, storage.ConnectionQuery{
		Alias: "mina-node-3", From: opened.Add(-time.Minute), To: opened.Add(time.Minute), Limit: 1,
	})
	if err != nil || len(conns) != 1 {
		t.Fatalf("QueryConnections: %v, %d results", err, len(conns))
	}

	msgs, err := store.QueryStreamMessages(ctx, storage.StreamMessageQuery{ConnectionID: conns[0].ConnectionID, Limit: 10})
	if err != nil {
		t.Fatalf("QueryStreamMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("want 1 stream message, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != "hello" {
		t.Errorf("payload: want %q, got %q", "hello", msgs[0].Payload)
	}
}

// ── randomness samples ──────────────────────────────────────────────────────────

func TestOnRandomness(t *testing.T) {
	store, rawPool, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	var sample [32]byte
	for i := range sample {
		sample[i] = byte(i)
	}
	if err := store.OnRandomness(ctx, "mina-node-4", sample); err != nil {
		t.Fatalf("OnRandomness: %v", err)
	}

	var count int
	if err := rawPool.QueryRow(ctx, `SELECT COUNT(*) FROM randomness_samples WHERE alias = $1`, "mina-node-4").Scan(&count); err != nil {
		t.Fatalf("count randomness_samples: %v", err)
	}
	if count != 1 {
		t.Errorf("want 1 randomness sample row, got %d", count)
	}
}

// ── audit entries ───────────────────────────────────────────────────────────────

func TestAuditEntryInsertAndQuery(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	e1 := storage.AuditEntry{
		EntryID:     "a0000000-0000-0000-0000-000000000001",
		SequenceNum: 1,
		PrevHash:    "0000000000000000000000000000000000000000000000000000000000000000",
		EventHash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Payload:     json.RawMessage(`{"event":"connect","alias":"mina-node-5"}`),
		CreatedAt:   now,
	}
	e2 := storage.AuditEntry{
		EntryID:     "a0000000-0000-0000-0000-000000000002",
		SequenceNum: 2,
		PrevHash:    e1.EventHash,
		EventHash:   "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Payload:     json.RawMessage(`{"event":"disconnect","alias":"mina-node-5"}`),
		CreatedAt:   now.Add(time.Second),
	}
	for _, e := range []storage.AuditEntry{e1, e2} {
		if err := store.InsertAuditEntry(ctx, e); err != nil {
			t.Fatalf("InsertAuditEntry: %v", err)
		}
	}

	entries, err := store.QueryAuditEntries(ctx, storage.AuditQuery{From: now.Add(-time.Minute), To: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 audit entries, got %d", len(entries))
	}
	if entries[0].SequenceNum != 1 || entries[1].SequenceNum != 2 {
		t.Errorf("sequence order wrong: got %d, %d", entries[0].SequenceNum, entries[1].SequenceNum)
	}
	if entries[1].PrevHash != entries[0].EventHash {
		t.Errorf("hash chain broken: entry[1].PrevHash=%q, entry[0].EventHash=%q",
			entries[1].PrevHash, entries[0].EventHash)
	}

	var gotPayload map[string]any
	if err := json.Unmarshal(entries[0].Payload, &gotPayload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if gotPayload["event"] != "connect" {
		t.Errorf("payload event: want 'connect', got %v", gotPayload["event"])
	}
}
