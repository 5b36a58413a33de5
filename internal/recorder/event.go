package recorder

import "github.com/mina-net/debugger/internal/ringbuf"

// einprogress is the errno Linux returns from a non-blocking connect(2)
// that has not completed yet. The kernel probe still reports the
// connection as having been attempted, so the event parser treats it as a
// successful OutgoingConnection rather than a failure.
const einprogress = -115

// kind classifies a decoded ring record for the recorder's demultiplexer.
type kind int

const (
	kindNone kind = iota
	kindNewApp
	kindConnect
	kindDisconnect
	kindData
	kindRandom
	kindError
)

// parsedEvent is the typed form of a ring record, after tag-specific
// decoding. Only the fields relevant to Kind are populated.
type parsedEvent struct {
	kind kind

	pid, fd uint32
	ts0     uint64
	ts1     uint64

	alias    string
	incoming bool

	addr    ringbuf.SockAddr
	hasAddr bool

	data []byte

	random [32]byte

	errTag  ringbuf.Tag
	errCode int32
}

// parseEvent implements the event-parser semantics: tag-to-kind mapping,
// the Debug no-op, the EINPROGRESS special case, and generic error
// classification for any other negative Size.
func parseEvent(ev ringbuf.Event) parsedEvent {
	p := parsedEvent{pid: ev.PID, fd: ev.FD, ts0: ev.TS0, ts1: ev.TS1}

	if ev.Tag == ringbuf.TagDebug {
		return p
	}

	if ev.IsError() {
		if (ev.Tag == ringbuf.TagConnect || ev.Tag == ringbuf.TagAccept) && ev.Size == einprogress {
			p.kind = kindConnect
			p.incoming = ev.Tag == ringbuf.TagAccept
			return p
		}
		p.kind = kindError
		p.errTag = ev.Tag
		p.errCode = ev.Size
		return p
	}

	switch ev.Tag {
	case ringbuf.TagAlias:
		p.kind = kindNewApp
		p.alias = string(ev.Payload)
	case ringbuf.TagConnect, ringbuf.TagAccept:
		addr, err := ringbuf.DecodeSockAddr(ev.Payload)
		if err != nil {
			return p // unsupported address family: drop
		}
		p.kind = kindConnect
		p.incoming = ev.Tag == ringbuf.TagAccept
		p.addr = addr
		p.hasAddr = true
	case ringbuf.TagClose:
		p.kind = kindDisconnect
	case ringbuf.TagRead:
		p.kind = kindData
		p.incoming = true
		p.data = ev.Payload
	case ringbuf.TagWrite:
		p.kind = kindData
		p.incoming = false
		p.data = ev.Payload
	case ringbuf.TagRandom:
		p.kind = kindRandom
		if len(ev.Payload) >= 32 {
			copy(p.random[:], ev.Payload[:32])
		}
	case ringbuf.TagBind, ringbuf.TagListen:
		// No downstream event; these exist only to let the kernel side
		// correlate a later accept with its listening socket.
	}

	return p
}
