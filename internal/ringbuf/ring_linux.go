//go:build linux

package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// recordHdrSize is the size, in bytes, of the ring's own record framing
// header (distinct from the 32-byte event header it wraps).
const recordHdrSize = 8

const (
	busyBit    uint32 = 1 << 31
	discardBit uint32 = 1 << 30
	lenMask    uint32 = (1 << 30) - 1
)

// ErrOverflow is returned (and also logged as fatal) when the ring reaches
// 100% fill. The design treats this as unrecoverable: the caller is
// expected to terminate the process rather than risk dropped or reordered
// data.
var ErrOverflow = errors.New("ringbuf: buffer overflow, consumer fell too far behind")

// errCorrupt indicates the producer position moved behind the consumer
// position, which can only mean the shared memory region has been corrupted.
var errCorrupt = errors.New("ringbuf: producer position behind consumer position")

// Reader consumes a memory-mapped ring buffer shared with the kernel-side
// probe. It is single-consumer: callers must not call Read concurrently
// from more than one goroutine.
type Reader struct {
	fd       int
	capacity uint64
	mask     uint64

	consumerMmap []byte // page 0, read-write: consumer position
	producerMmap []byte // page 1 onward: producer position + data area (double-mapped)

	logger      *slog.Logger
	onFill      func(pct int)
	lastFillPct int

	closed atomic.Bool
}

// NewReader maps the ring buffer backed by fd. capacity must be a power of
// two and must match the size the producer was configured with.
func NewReader(fd int, capacity uint64, logger *slog.Logger) (*Reader, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ringbuf: capacity %d is not a power of two", capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := uint64(os.Getpagesize())

	consumerMmap, err := unix.Mmap(fd, 0, int(pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap consumer page: %w", err)
	}

	// Producer page plus the data area mapped twice back-to-back so that any
	// record up to `capacity` bytes is linearly addressable regardless of
	// wrap position.
	producerLen := pageSize + 2*capacity
	producerMmap, err := unix.Mmap(fd, int64(pageSize), int(producerLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Munmap(consumerMmap)
		return nil, fmt.Errorf("ringbuf: mmap producer+data pages: %w", err)
	}

	return &Reader{
		fd:           fd,
		capacity:     capacity,
		mask:         capacity - 1,
		consumerMmap: consumerMmap,
		producerMmap: producerMmap,
		logger:       logger,
	}, nil
}

// SetFillCallback registers a function invoked whenever the observed fill
// percentage of the ring changes, up or down, by at least one percentage
// point. It is
// intended for wiring into the recorder's Prometheus gauge.
func (r *Reader) SetFillCallback(f func(pct int)) {
	r.onFill = f
}

func (r *Reader) consumerPos() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.consumerMmap[0]))
}

func (r *Reader) producerPos() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.producerMmap[0]))
}

func (r *Reader) dataAt(off uint64) []byte {
	pageSize := uint64(os.Getpagesize())
	return r.producerMmap[pageSize+off:]
}

// Read blocks until the next non-discarded record is available and returns
// a copy of its payload (the raw bytes between the 8-byte ring header and
// the next 8-byte boundary, exactly `length` bytes — ring-level padding is
// stripped here). It implements the consumer algorithm of §4.2: acquire the
// producer position, detect corruption and overflow, read and release the
// record header, and advance the consumer position with a release store.
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	for {
		if r.closed.Load() {
			return nil, errors.New("ringbuf: reader closed")
		}

		consumerPos := atomic.LoadUint64(r.consumerPos())
		producerPos := atomic.LoadUint64(r.producerPos())

		if producerPos < consumerPos {
			r.logger.Error("ringbuf: producer position behind consumer position", slog.Uint64("producer", producerPos), slog.Uint64("consumer", consumerPos))
			return nil, errCorrupt
		}

		if producerPos == consumerPos {
			if err := r.waitReadable(ctx); err != nil {
				return nil, err
			}
			continue
		}

		distance := producerPos - consumerPos
		pct := int(distance * 100 / r.capacity)
		if pct != r.lastFillPct {
			r.lastFillPct = pct
			if r.onFill != nil {
				r.onFill(pct)
			}
		}
		if pct >= 100 {
			r.logger.Error("ringbuf: buffer 100% full, terminating", slog.Uint64("capacity", r.capacity))
			return nil, ErrOverflow
		}

		off := consumerPos & r.mask
		hdr := atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.dataAt(off)[0])))

		if hdr&busyBit != 0 {
			if err := r.waitReadable(ctx); err != nil {
				return nil, err
			}
			continue
		}

		length := hdr & lenMask
		discard := hdr&discardBit != 0

		advance := uint64(recordHdrSize) + uint64(align8(length))
		atomic.StoreUint64(r.consumerPos(), consumerPos+advance)

		if discard {
			continue
		}

		payload := make([]byte, length)
		copy(payload, r.dataAt(off+recordHdrSize)[:length])
		return payload, nil
	}
}

// waitReadable blocks on poll(2) against the ring fd with a 1-second
// timeout, returning early if ctx is cancelled or the reader is closed.
func (r *Reader) waitReadable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return errors.New("ringbuf: reader closed")
	}

	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, 1000)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("ringbuf: poll: %w", err)
	}
	return ctx.Err()
}

// Close unmaps both regions. It is safe to call Close while a Read is
// blocked in poll; Read returns an error on its next wakeup (at most one
// second later).
func (r *Reader) Close() error {
	r.closed.Store(true)
	err1 := unix.Munmap(r.consumerMmap)
	err2 := unix.Munmap(r.producerMmap)
	if err1 != nil {
		return err1
	}
	return err2
}

func align8(n uint32) uint32 {
	return (n + 7) &^ 7
}
