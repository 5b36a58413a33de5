// Package recorder is the user-space half of the capture pipeline: it
// consumes decoded ring-buffer events, demultiplexes them by (pid, fd) into
// per-connection byte streams, drives each stream through a connection
// pipeline, and persists the results to a storage.Sink.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mina-net/debugger/internal/config"
	"github.com/mina-net/debugger/internal/metrics"
	"github.com/mina-net/debugger/internal/pipeline/protocol"
	"github.com/mina-net/debugger/internal/ringbuf"
	"github.com/mina-net/debugger/internal/storage"
)

// maxRandomness bounds the per-alias randomness queue so a long-lived,
// chatty process can't grow it without bound; old samples are evicted
// first since the Noise layer only ever needs recently-observed scalars.
const maxRandomness = 4096

// socketID packs a (pid, fd) pair into a single map key. fd occupies the
// high bits so that two different processes reusing the same low fd number
// concurrently, which is the common case, don't collide in the low bits of
// the key, keeping map bucket distribution reasonable.
type socketID uint64

func newSocketID(pid, fd uint32) socketID {
	return socketID(uint64(fd)<<32 | uint64(pid))
}

// ConnectionID identifies one recorded connection for logging and for the
// alias-collision check.
type ConnectionID struct {
	Alias      string
	RemoteAddr string
	PID        uint32
	FD         uint32
}

type trackedConnection struct {
	id ConnectionID

	pipeline connectionPipeline
	meta     storage.ConnectionMeta // updated in place before every forwarded call
}

// Recorder is the demultiplexer described by the connection-pipeline
// design: it owns all mutable per-connection and per-alias state and must
// only be driven from a single goroutine (see HandleEvent).
type Recorder struct {
	cfg     config.Config
	sink    storage.Sink
	logger  *slog.Logger
	metrics *metrics.Recorder

	ctx context.Context

	aliasOf map[uint32]string // pid -> alias, set by execve tagging

	tracked map[socketID]*trackedConnection
	ignored map[socketID]struct{}

	randomness map[string][][32]byte // alias -> samples, oldest first

	origin     time.Time
	haveOrigin bool
}

// New constructs a Recorder. ctx is used for every call the recorder makes
// into sink; HandleEvent does not accept a per-call context because the
// probe's event stream carries no cancellation semantics of its own. m may
// be nil, in which case metric updates are skipped.
func New(ctx context.Context, cfg config.Config, sink storage.Sink, logger *slog.Logger, m *metrics.Recorder) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		aliasOf:    make(map[uint32]string),
		tracked:    make(map[socketID]*trackedConnection),
		ignored:    make(map[socketID]struct{}),
		randomness: make(map[string][][32]byte),
	}
}

// HandleEvent processes one decoded ring-buffer event. It is not safe for
// concurrent use; the caller (the ring consumer loop) must serialize calls.
func (r *Recorder) HandleEvent(ev ringbuf.Event) error {
	r.anchorOrigin(ev)
	p := parseEvent(ev)

	switch p.kind {
	case kindNone:
		return nil
	case kindError:
		r.logger.Debug("syscall failed", "tag", p.errTag, "code", p.errCode, "pid", p.pid, "fd", p.fd)
		if r.metrics != nil {
			r.metrics.EventsDropped.WithLabelValues("syscall_error").Inc()
		}
		return nil
	case kindNewApp:
		r.handleAlias(p)
		return nil
	case kindConnect:
		return r.handleConnect(p)
	case kindDisconnect:
		return r.handleDisconnect(p)
	case kindData:
		return r.handleData(p)
	case kindRandom:
		return r.handleRandom(p)
	default:
		return nil
	}
}

// anchorOrigin fixes the wall-clock instant that corresponds to monotonic
// timestamp 0, using the first event's TS0 as the anchor. Every subsequent
// event's wall-clock time is derived from this anchor plus its own offset,
// so event ordering survives clock adjustments during a long capture.
func (r *Recorder) anchorOrigin(ev ringbuf.Event) {
	if r.haveOrigin {
		return
	}
	r.origin = time.Now().Add(-time.Duration(ev.TS0))
	r.haveOrigin = true
}

func (r *Recorder) eventTime(ts0 uint64) time.Time {
	return r.origin.Add(time.Duration(ts0))
}

func (r *Recorder) handleAlias(p parsedEvent) {
	r.aliasOf[p.pid] = p.alias

	attrs := []any{"pid", p.pid, "alias", p.alias}
	if exe, startedAt, ok := processInfo(p.pid); ok {
		attrs = append(attrs, "exe", exe, "started_at", startedAt)
	}
	r.logger.Info("process tagged", attrs...)
}

// processInfo best-effort enriches a NewApp event with host process
// metadata. The traced process may have already exited by the time the
// probe's event reaches user space, or gopsutil may lack permission to
// read /proc for it; either case degrades to "no enrichment" rather than
// failing the tagging itself.
func processInfo(pid uint32) (exe string, startedAt time.Time, ok bool) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", time.Time{}, false
	}
	exe, err = proc.Exe()
	if err != nil {
		return "", time.Time{}, false
	}
	createdMs, err := proc.CreateTime()
	if err != nil {
		return exe, time.Time{}, true
	}
	return exe, time.UnixMilli(createdMs), true
}

func (r *Recorder) aliasForPID(pid uint32) string {
	if alias, ok := r.aliasOf[pid]; ok {
		return alias
	}
	return fmt.Sprintf("pid-%d", pid)
}

// classify decides whether a newly observed socket belongs to Mina p2p
// traffic from its remote address: a remote port equal to the configured
// p2p port counts, and so, for incoming connections only, does a remote
// port at or above EphemeralPortMin. The probe itself cannot apply this
// heuristic since it never sees the application-level handshake.
func (r *Recorder) classify(addr ringbuf.SockAddr, incoming bool) bool {
	if int(addr.Port) == r.cfg.P2PPort {
		return true
	}
	return incoming && int(addr.Port) >= r.cfg.EphemeralPortMin
}

func (r *Recorder) handleConnect(p parsedEvent) error {
	alias, hasAlias := r.aliasOf[p.pid]
	if !hasAlias {
		return nil
	}

	id := newSocketID(p.pid, p.fd)

	if _, already := r.tracked[id]; already {
		// A new Connect/Accept on an already-tracked (pid, fd) means the fd
		// was reused without an observed Close in between — synthesize the
		// missing disconnect before installing the new connection.
		if err := r.closeTracked(id, p.ts0, p.ts1); err != nil {
			return err
		}
	}

	if !p.hasAddr {
		// EINPROGRESS: track the socket so later writes aren't silently
		// dropped, but without a remote address to classify against, keep
		// it provisionally tracked rather than guessing.
		r.startConnection(id, p, alias, "")
		return r.emitConnect(id, p)
	}

	if !r.classify(p.addr, p.incoming) {
		r.ignored[id] = struct{}{}
		return nil
	}

	remote := net.JoinHostPort(p.addr.IP.String(), fmt.Sprintf("%d", p.addr.Port))
	r.startConnection(id, p, alias, remote)
	return r.emitConnect(id, p)
}

func (r *Recorder) startConnection(id socketID, p parsedEvent, alias, remoteAddr string) {
	tc := &trackedConnection{
		id: ConnectionID{
			Alias:      alias,
			RemoteAddr: remoteAddr,
			PID:        p.pid,
			FD:         p.fd,
		},
	}

	rec := &streamRecorder{tc: tc, sink: r.sink, ctx: r.ctx}
	tc.pipeline = newConnectionPipeline(r.candidateSource(alias), rec)

	r.tracked[id] = tc
	delete(r.ignored, id)
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(len(r.tracked)))
	}
}

func (r *Recorder) emitConnect(id socketID, p parsedEvent) error {
	tc := r.tracked[id]
	tc.meta = r.metaFor(tc, p.ts0, p.ts1)
	return r.sink.OnConnect(r.ctx, p.incoming, tc.meta)
}

func (r *Recorder) metaFor(tc *trackedConnection, ts0, ts1 uint64) storage.ConnectionMeta {
	return storage.ConnectionMeta{
		Alias:      tc.id.Alias,
		RemoteAddr: tc.id.RemoteAddr,
		PID:        int(tc.id.PID),
		FD:         int(tc.id.FD),
		Time:       r.eventTime(ts0),
		Duration:   time.Duration(ts1 - ts0),
	}
}

func (r *Recorder) handleDisconnect(p parsedEvent) error {
	id := newSocketID(p.pid, p.fd)
	if _, ok := r.ignored[id]; ok {
		delete(r.ignored, id)
		return nil
	}
	if _, ok := r.tracked[id]; !ok {
		r.logger.Debug("close on untracked socket", "pid", p.pid, "fd", p.fd)
		return nil
	}
	return r.closeTracked(id, p.ts0, p.ts1)
}

func (r *Recorder) closeTracked(id socketID, ts0, ts1 uint64) error {
	tc, ok := r.tracked[id]
	if !ok {
		return nil
	}
	delete(r.tracked, id)
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(len(r.tracked)))
	}
	tc.meta = r.metaFor(tc, ts0, ts1)
	return r.sink.OnDisconnect(r.ctx, tc.meta)
}

func (r *Recorder) handleData(p parsedEvent) error {
	id := newSocketID(p.pid, p.fd)
	if _, ignored := r.ignored[id]; ignored {
		return nil
	}
	tc, ok := r.tracked[id]
	if !ok {
		// A write or read on an fd the recorder never saw opened — most
		// likely a socket that existed before the probe attached. Silently
		// dropped per the untracked-fd invariant.
		return nil
	}

	tc.meta = r.metaFor(tc, p.ts0, p.ts1)
	if err := r.sink.OnData(r.ctx, p.incoming, tc.meta, p.data); err != nil {
		return err
	}
	if err := tc.pipeline.OnData(p.incoming, p.data); err != nil {
		r.logger.Warn("connection pipeline error", "alias", tc.id.Alias, "remote", tc.id.RemoteAddr, "err", err)
		if r.metrics != nil {
			r.metrics.PipelineErrors.WithLabelValues("connection").Inc()
		}
	}
	return nil
}

func (r *Recorder) handleRandom(p parsedEvent) error {
	alias := r.aliasForPID(p.pid)
	r.pushRandomness(alias, p.random)
	return r.sink.OnRandomness(r.ctx, alias, p.random)
}

func (r *Recorder) pushRandomness(alias string, sample [32]byte) {
	samples := append(r.randomness[alias], sample)
	if len(samples) > maxRandomness {
		samples = samples[len(samples)-maxRandomness:]
	}
	r.randomness[alias] = samples
}

// candidateSource returns a noise.CandidateSource that yields an alias's
// observed randomness samples newest-first: the ephemeral scalar used in a
// handshake is almost always one of the most recent getrandom calls the
// traced process made, so trying recent samples first finds the match
// fastest without changing correctness.
func (r *Recorder) candidateSource(alias string) func() [][32]byte {
	return func() [][32]byte {
		samples := r.randomness[alias]
		out := make([][32]byte, len(samples))
		for i, s := range samples {
			out[len(samples)-1-i] = s
		}
		return out
	}
}

// streamRecorder bridges the pipeline's protocol.Recorder contract to the
// storage.Sink contract, attributing every application message to the
// connection's current metadata.
type streamRecorder struct {
	tc   *trackedConnection
	sink storage.Sink
	ctx  context.Context
}

func (s *streamRecorder) RecordMessage(protocolName string, kind protocol.Kind, incoming bool, data []byte) error {
	return s.sink.OnData(s.ctx, incoming, s.tc.meta, data)
}
