// Package storage provides the recorder- and aggregator-side persistence
// layer: a durable local SQLite queue, the canonical PostgreSQL store, and
// the typed model structs both operate on.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Application is a process the recorder has identified via its BPF_ALIAS
// environment variable, optionally enriched with host process metadata
// (executable path, start time) when available.
type Application struct {
	Alias          string     `json:"alias"`
	PID            int        `json:"pid"`
	ExecutablePath string     `json:"executable_path,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastSeen       time.Time  `json:"last_seen"`
}

// Connection maps to the `connections` table: one recorded (pid, fd) socket
// lifetime, from the OutgoingConnection/IncomingConnection event through its
// matching Disconnected event (ClosedAt nil while still open).
type Connection struct {
	ConnectionID uuid.UUID  `json:"connection_id"`
	Alias        string     `json:"alias"`
	Incoming     bool       `json:"incoming"`
	RemoteAddr   string     `json:"remote_addr"`
	PID          int        `json:"pid"`
	FD           int        `json:"fd"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	DurationNS   int64      `json:"duration_ns,omitempty"`
}

// StreamMessage maps to the `stream_messages` table: one application-level
// message boundary produced by a connection pipeline's innermost codec.
type StreamMessage struct {
	MessageID    uuid.UUID `json:"message_id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Incoming     bool      `json:"incoming"`
	Protocol     string    `json:"protocol"`
	Payload      []byte    `json:"payload"`
	ObservedAt   time.Time `json:"observed_at"`
}

// RandomnessSample maps to the `randomness_samples` table: one 32-byte
// sample observed from a tracked process's getrandom calls, retained for
// use bootstrapping Noise key material.
type RandomnessSample struct {
	SampleID   uuid.UUID `json:"sample_id"`
	Alias      string    `json:"alias"`
	Sample     []byte    `json:"sample"` // always 32 bytes
	ObservedAt time.Time `json:"observed_at"`
}

// AuditEntry maps to the `audit_entries` table and mirrors one hash-chained
// line written by package audit.
//
// EventHash is the SHA-256 hex digest of this entry. PrevHash is the
// SHA-256 hex digest of the previous entry; for the genesis entry this is a
// string of 64 zeros. Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ConnectionQuery carries the filter and pagination parameters for
// QueryConnections. An empty Alias matches every application. Limit
// defaults to 100 when ≤ 0.
type ConnectionQuery struct {
	Alias  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// StreamMessageQuery carries the filter and pagination parameters for
// QueryStreamMessages. Limit defaults to 100 when ≤ 0.
type StreamMessageQuery struct {
	ConnectionID uuid.UUID
	Limit        int
	Offset       int
}

// AuditQuery carries the mandatory time range for QueryAuditEntries.
type AuditQuery struct {
	From time.Time
	To   time.Time
}
