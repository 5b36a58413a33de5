// Package bpfprobe loads the kernel-side syscall tap (probe.bpf.c) and
// exposes the resulting ring buffer file descriptor to the recorder.
//
// # Kernel requirements
//
//   - Linux ≥ 5.8 (BPF ring buffer: BPF_MAP_TYPE_RINGBUF)
//   - CAP_BPF (Linux ≥ 5.8) or CAP_SYS_ADMIN (older kernels)
//   - CONFIG_BPF_SYSCALL=y
//
// # Build variants
//
// Standard build — no embedded BPF object (Load returns an informative
// error unless SetBPFObject is called first):
//
//	go build ./internal/bpfprobe/...
//
// Embedded build — bundles the compiled BPF object into the binary:
//
//	clang -target bpf -O2 -c probe.bpf.c -o probe.bpf.o
//	go build -tags bpf_embedded ./internal/bpfprobe/...
//
//go:build linux

package bpfprobe

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
)

// defaultRingCapacity is 512 MiB, matching the default ring size the
// recorder is configured with unless overridden.
const defaultRingCapacity = 1 << 29

// bpfObjectBytes holds the pre-compiled probe object.
//
// In a standard build this is nil; Load returns a descriptive error unless
// SetBPFObject has supplied bytes. When built with -tags bpf_embedded,
// embed_linux.go sets this variable via //go:embed.
var bpfObjectBytes []byte

var objMu sync.Mutex

// SetBPFObject supplies the compiled probe object bytes to use on the next
// call to Load. It is primarily useful in tests or when the binary is not
// built with -tags bpf_embedded.
func SetBPFObject(obj []byte) {
	objMu.Lock()
	defer objMu.Unlock()
	bpfObjectBytes = obj
}

// Config controls probe attachment.
type Config struct {
	// RingCapacity is the ring buffer's size in bytes; must be a power of
	// two. Zero selects the default of 512 MiB.
	RingCapacity uint64
}

// Probe represents an attached kernel-side syscall tap. Call Close to
// detach all tracepoints and release kernel resources.
type Probe struct {
	obj    *bpfObject
	logger *slog.Logger
}

// Load parses the embedded (or explicitly supplied) BPF object, creates the
// probe's maps, loads every tracepoint program, and attaches each to its
// tracepoint on every CPU. The caller must hold CAP_BPF or CAP_SYS_ADMIN.
func Load(cfg Config, logger *slog.Logger) (*Probe, error) {
	if logger == nil {
		logger = slog.Default()
	}

	objMu.Lock()
	objBytes := bpfObjectBytes
	objMu.Unlock()

	if len(objBytes) == 0 {
		return nil, fmt.Errorf("bpfprobe: no BPF object available; " +
			"either build with -tags bpf_embedded (after compiling probe.bpf.c) " +
			"or call SetBPFObject before Load")
	}

	obj, err := loadBPFObject(bytes.NewReader(objBytes), cfg.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("bpfprobe: load BPF object: %w", err)
	}

	logger.Info("bpf probe attached",
		slog.Int("programs", len(obj.progFDs)),
		slog.Int("perf_events", len(obj.perfFDs)),
		slog.Uint64("ring_capacity", obj.ringCapacity),
	)

	return &Probe{obj: obj, logger: logger}, nil
}

// RingFD returns the file descriptor of the probe's ring buffer map, ready
// to be mmap'd by a ringbuf.Reader.
func (p *Probe) RingFD() int { return p.obj.ringFD }

// RingCapacity returns the ring buffer's actual size in bytes.
func (p *Probe) RingCapacity() uint64 { return p.obj.ringCapacity }

// Close detaches every tracepoint and releases all map, program, and perf
// event file descriptors. It does not close the ring fd's consumer mmap;
// callers must close their ringbuf.Reader first if they opened one against
// RingFD().
func (p *Probe) Close() error {
	p.obj.Close()
	p.logger.Info("bpf probe detached")
	return nil
}
