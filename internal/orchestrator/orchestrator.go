// Package orchestrator wires together the kernel probe, the ring buffer
// consumer, and the demultiplexing recorder, managing their lifecycle
// through a shared context. It plays the same role for the recorder binary
// that this codebase's agent orchestrator plays for its watcher/queue/
// transport triad, generalized to a single probe-fed consumer pipeline.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mina-net/debugger/internal/bpfprobe"
	"github.com/mina-net/debugger/internal/config"
	"github.com/mina-net/debugger/internal/metrics"
	"github.com/mina-net/debugger/internal/recorder"
	"github.com/mina-net/debugger/internal/ringbuf"
	"github.com/mina-net/debugger/internal/storage"
)

// depther is implemented by storage collaborators that can report a pending
// write-behind depth; storage.Queue satisfies it.
type depther interface {
	Depth() int
}

// Service is the central orchestrator of the recorder process: it attaches
// the kernel probe, starts the ring consumer goroutine, and feeds every
// decoded event to a recorder.Recorder, which in turn drives connection
// pipelines and calls into the configured storage.Sink.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	sink   storage.Sink
	m      *metrics.Recorder

	probe  *bpfprobe.Probe
	reader *ringbuf.Reader
	rec    *recorder.Recorder

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// New creates a Service from the provided configuration and logger. Provide
// the storage collaborator and metrics registry via WithSink and
// WithMetrics. A Service with no sink configured fails to Start, since a
// recorder with nowhere to persist events is not useful in production —
// tests that only want to exercise probe/ring plumbing should supply a
// no-op Sink explicitly.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option is a functional option for Service construction.
type Option func(*Service)

// WithSink registers the storage collaborator every recorded event is
// forwarded to.
func WithSink(sink storage.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithMetrics registers the Prometheus collector set to update as events
// flow through the service. Optional; a nil value disables metric updates.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.m = m }
}

// Start attaches the kernel probe, opens the ring consumer, and begins
// processing events on an internal goroutine. It returns a non-nil error if
// probe attachment fails — the caller is expected to treat this as fatal,
// per the CLI contract requiring root.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	if s.sink == nil {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator: no storage sink configured")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting recorder",
		slog.Int("p2p_port", s.cfg.P2PPort),
		slog.Uint64("ring_capacity", uint64(s.cfg.RingCapacity)),
		slog.String("log_level", string(s.cfg.LogLevel)),
	)

	probe, err := bpfprobe.Load(bpfprobe.Config{RingCapacity: uint64(s.cfg.RingCapacity)}, s.logger)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("orchestrator: attach probe: %w", err)
	}
	s.probe = probe

	reader, err := ringbuf.NewReader(probe.RingFD(), probe.RingCapacity(), s.logger)
	if err != nil {
		_ = probe.Close()
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("orchestrator: open ring reader: %w", err)
	}
	s.reader = reader

	if s.m != nil {
		reader.SetFillCallback(func(pct int) {
			s.m.RingFillPercent.Set(float64(pct))
		})
	}

	s.rec = recorder.New(ctx, *s.cfg, s.sink, s.logger, s.m)

	s.wg.Add(1)
	go s.consume(ctx)

	s.logger.Info("recorder started")
	return nil
}

// consume is the ring consumer loop: it blocks in Read, hands every decoded
// event to the recorder, and returns once ctx is cancelled. Any other
// reader error (overflow or corruption, per the error policy) is logged and
// the process exits with status 1.
func (s *Service) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		buf, err := s.reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("ring consumer terminating", slog.Any("error", err))
			os.Exit(1)
		}

		ev, err := ringbuf.Decode(buf)
		if err != nil {
			s.logger.Warn("dropping malformed ring record", slog.Any("error", err))
			continue
		}

		s.mu.Lock()
		s.lastEventAt = time.Now()
		s.mu.Unlock()

		if err := s.rec.HandleEvent(ev); err != nil {
			s.logger.Warn("recorder failed to handle event", slog.String("tag", ev.Tag.String()), slog.Any("error", err))
		}
	}
}

// Stop signals the consumer goroutine to exit and waits for it, then
// releases the probe and ring resources. It is safe to call Stop multiple
// times.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			s.logger.Warn("error closing ring reader", slog.Any("error", err))
		}
	}
	if s.probe != nil {
		if err := s.probe.Close(); err != nil {
			s.logger.Warn("error detaching probe", slog.Any("error", err))
		}
	}

	s.logger.Info("recorder stopped")
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	QueueDepth  int     `json:"queue_depth,omitempty"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current service health state.
func (s *Service) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{Status: "ok"}
	if !s.startTime.IsZero() {
		h.UptimeS = time.Since(s.startTime).Seconds()
	}

	if d, ok := s.sink.(depther); ok {
		h.QueueDepth = d.Depth()
	}
	if !s.lastEventAt.IsZero() {
		h.LastEventAt = s.lastEventAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the service's
// health status as a JSON object and HTTP 200.
func (s *Service) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
