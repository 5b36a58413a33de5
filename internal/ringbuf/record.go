// Package ringbuf decodes the fixed 32-byte event header emitted by the
// kernel-side probe into typed events, and (on Linux) consumes the shared
// memory ring buffer those events travel over.
//
// The wire format and the double-mmap ring layout are described in the
// probe's companion documentation; this package implements both halves of
// the contract: Encode/Decode for the typed header (platform independent,
// used by tests and by the Linux reader alike) and the consumer algorithm
// itself in ring_linux.go.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Tag identifies the kind of event a record carries.
type Tag uint32

const (
	TagDebug Tag = iota
	TagClose
	TagConnect
	TagBind
	TagListen
	TagAccept
	TagWrite
	TagRead
	TagAlias
	TagRandom
)

func (t Tag) String() string {
	switch t {
	case TagDebug:
		return "Debug"
	case TagClose:
		return "Close"
	case TagConnect:
		return "Connect"
	case TagBind:
		return "Bind"
	case TagListen:
		return "Listen"
	case TagAccept:
		return "Accept"
	case TagWrite:
		return "Write"
	case TagRead:
		return "Read"
	case TagAlias:
		return "Alias"
	case TagRandom:
		return "Random"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// HeaderSize is the fixed size, in bytes, of an event record header.
const HeaderSize = 32

// ErrShortRead is returned by Decode when the supplied slice does not yet
// contain a full header plus payload. Callers should retain the bytes and
// retry once more have arrived.
var ErrShortRead = errors.New("ringbuf: short read, need more bytes")

// RandomSampleSize is the fixed payload size of a Random event.
const RandomSampleSize = 32

// Event is the decoded form of one ring-buffer record.
type Event struct {
	FD      uint32
	PID     uint32
	TS0     uint64 // enter timestamp, monotonic nanoseconds
	TS1     uint64 // exit timestamp, monotonic nanoseconds
	Tag     Tag
	Size    int32 // ≥0 payload length; <0 errno-style failure code
	Payload []byte
}

// IsError reports whether the record represents a failed syscall.
func (e Event) IsError() bool { return e.Size < 0 }

// Encode renders e into the 32-byte header plus payload wire format used
// between the probe and the consumer. Host-native byte order is used for
// every scalar field, matching the probe's ctx struct layout.
func Encode(e Event) []byte {
	buf := make([]byte, HeaderSize+len(e.Payload))
	binary.NativeEndian.PutUint32(buf[0:4], e.FD)
	binary.NativeEndian.PutUint32(buf[4:8], e.PID)
	binary.NativeEndian.PutUint64(buf[8:16], e.TS0)
	binary.NativeEndian.PutUint64(buf[16:24], e.TS1)
	binary.NativeEndian.PutUint32(buf[24:28], uint32(e.Tag))
	binary.NativeEndian.PutUint32(buf[28:32], uint32(e.Size))
	copy(buf[HeaderSize:], e.Payload)
	return buf
}

// Decode parses one event record from buf, which must be exactly the slice
// the ring consumer handed to the decoder (i.e. its length already equals
// the record's declared length, with ring-level padding stripped).
//
// Decode returns ErrShortRead if buf is shorter than the header, or shorter
// than header+payload for a successful (size ≥ 0) record.
func Decode(buf []byte) (Event, error) {
	if len(buf) < HeaderSize {
		return Event{}, ErrShortRead
	}

	e := Event{
		FD:   binary.NativeEndian.Uint32(buf[0:4]),
		PID:  binary.NativeEndian.Uint32(buf[4:8]),
		TS0:  binary.NativeEndian.Uint64(buf[8:16]),
		TS1:  binary.NativeEndian.Uint64(buf[16:24]),
		Tag:  Tag(binary.NativeEndian.Uint32(buf[24:28])),
		Size: int32(binary.NativeEndian.Uint32(buf[28:32])),
	}

	if e.Size < 0 {
		return e, nil
	}

	want := HeaderSize + int(e.Size)
	if len(buf) < want {
		return Event{}, ErrShortRead
	}

	e.Payload = make([]byte, e.Size)
	copy(e.Payload, buf[HeaderSize:want])
	return e, nil
}

// SockAddr is the decoded form of a Connect/Accept payload.
type SockAddr struct {
	Family uint16
	Port   uint16
	IP     net.IP
}

const (
	afINET  = 2
	afINET6 = 10
)

// DecodeSockAddr parses the sockaddr prefix carried by Connect and Accept
// payloads: 2 bytes address family (host order), 2 bytes port (network
// order), then the address. IPv4 addresses immediately follow the port (no
// padding); IPv6 addresses are preceded by a 4-byte flowinfo hole.
func DecodeSockAddr(payload []byte) (SockAddr, error) {
	if len(payload) < 8 {
		return SockAddr{}, fmt.Errorf("ringbuf: sockaddr payload too short (%d bytes)", len(payload))
	}

	family := binary.NativeEndian.Uint16(payload[0:2])
	port := binary.BigEndian.Uint16(payload[2:4])

	switch family {
	case afINET:
		ip := make(net.IP, 4)
		copy(ip, payload[4:8])
		return SockAddr{Family: family, Port: port, IP: ip}, nil
	case afINET6:
		if len(payload) < 24 {
			return SockAddr{}, fmt.Errorf("ringbuf: ipv6 sockaddr payload too short (%d bytes)", len(payload))
		}
		ip := make(net.IP, 16)
		copy(ip, payload[8:24])
		return SockAddr{Family: family, Port: port, IP: ip}, nil
	default:
		return SockAddr{}, fmt.Errorf("ringbuf: unsupported address family %d", family)
	}
}
