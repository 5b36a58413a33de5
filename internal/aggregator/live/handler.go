package websocket

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) that the
// server will accept from clients. Frames exceeding this limit cause the
// read loop to drop the connection rather than allocating unbounded memory.
// Browser clients never send frames anywhere near this size; 64 KiB is a
// conservative guard against misbehaving or malicious clients.
const maxFrameSize = 64 * 1024 // 64 KiB

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler is an http.Handler that upgrades HTTP connections to WebSocket and
// streams live ConnectionEvent updates to browser clients.
//
// An optional "alias" query parameter scopes the stream to events for one
// traced application instead of every connection the aggregator observes;
// this bypasses the broadcaster's shared fan-out channel and subscribes
// directly so that filtering happens per-client rather than on the hot
// ingestion path.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP handles the HTTP → WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	aliasFilter := r.URL.Query().Get("alias")

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("websocket: hijack failed", slog.Any("error", err))
		return
	}

	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"

	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("websocket: handshake write failed", slog.Any("error", err))
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("websocket: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send, unregister := h.subscribe(ctx, clientID, aliasFilter)
	defer unregister()

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.String("alias_filter", aliasFilter),
	)

	// closed is an atomic flag to prevent double-close when the reader or
	// writer goroutine exits first.
	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("websocket: readLoop panic recovered",
					slog.Any("recover", r),
					slog.String("client_id", clientID),
				)
			}
		}()
		readLoop(conn, h.logger, clientID)
		closeOnce()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-send:
			if !ok {
				closeOnce()
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("websocket: set write deadline failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}

			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("websocket: write frame failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}
		}
	}
}

// subscribe wires the client into the broadcaster and returns the channel of
// JSON-encoded frames to write, plus a cleanup function.
//
// With no alias filter, the client registers directly with the broadcaster
// and receives its shared fan-out channel. With an alias filter, the client
// instead subscribes to the broadcaster's raw ConnectionEvent stream and a
// local goroutine filters and re-encodes matching events, so that per-client
// filtering never runs on the broadcaster's hot Publish path.
func (h *Handler) subscribe(ctx context.Context, clientID, aliasFilter string) (<-chan []byte, func()) {
	if aliasFilter == "" {
		client := h.bc.Register(clientID)
		return client.Send(), func() { h.bc.Unregister(clientID) }
	}

	events := h.bc.Subscribe(ctx)
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for evt := range events {
			if evt.Alias != aliasFilter {
				continue
			}
			raw, err := json.Marshal(ConnectionEventMessage{
				Type: "connection_event",
				Data: ConnectionEventData{
					Kind:       evt.Kind,
					Alias:      evt.Alias,
					Incoming:   evt.Incoming,
					RemoteAddr: evt.RemoteAddr,
					PID:        evt.PID,
					FD:         evt.FD,
					ByteLength: evt.ByteLength,
					ObservedAt: evt.ObservedAt.UTC().Format(time.RFC3339Nano),
				},
			})
			if err != nil {
				h.logger.Error("websocket: marshal filtered event failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				continue
			}
			select {
			case out <- raw:
			default:
				h.logger.Warn("websocket: filtered client buffer full, dropping event",
					slog.String("client_id", clientID), slog.String("alias", aliasFilter))
			}
		}
	}()
	return out, func() { h.bc.Unsubscribe(events) }
}

// --- helpers -------------------------------------------------------------------

// isWebSocketUpgrade returns true when the request carries the WebSocket
// upgrade headers as specified in RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single, unfragmented WebSocket text
// frame (FIN=1, opcode=0x1) and writes it to conn.
//
// Server-to-client frames must NOT be masked (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop reads and discards incoming WebSocket frames from conn until the
// connection is closed or a close frame is received. Browser clients never
// publish connection events themselves; this loop exists only to detect
// client disconnection and drain the receive buffer.
func readLoop(conn net.Conn, logger *slog.Logger, clientID string) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			break
		}
		b1, err := buf.ReadByte()
		if err != nil {
			break
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			// Guard against int64 overflow: binary.BigEndian.Uint64 returns a
			// uint64; values > math.MaxInt64 would wrap to a negative int64
			// and cause make([]byte, length) to panic. Reject any frame that
			// exceeds maxFrameSize — browser clients never send frames this
			// large.
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}

		if masked {
			var maskKey [4]byte
			if _, err := buf.Read(maskKey[:]); err != nil {
				return
			}
		}

		// Discard the payload without allocating a full buffer; io.CopyN
		// reads in small chunks and prevents memory exhaustion from large
		// frames.
		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		// Close frame (opcode 8) — graceful client disconnect.
		if opcode == 0x08 {
			logger.Debug("websocket: received close frame", slog.String("client_id", clientID))
			return
		}
	}
}
