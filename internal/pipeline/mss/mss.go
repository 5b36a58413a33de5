// Package mss implements the multistream-select negotiation layer used
// twice in the connection pipeline: once over the raw pnet-framed stream to
// agree on the encrypted-channel protocol (typically "/noise"), and once
// again inside the decrypted channel to agree on the application-level
// multiplexer (typically "/mplex/6.7.0").
//
// Each direction of a connection runs its own low-level token parser; the
// two directions are reconciled by a shared high-level state machine that
// implements libp2p's simultaneous-connect symmetry-breaking rules.
package mss

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	initiatorLine = "\ninitiator\n"
	responderLine = "\nresponder\n"
)

// tokenKind distinguishes the three token shapes the low-level parser can
// produce.
type tokenKind int

const (
	tokenString tokenKind = iota
	tokenInitiator
	tokenResponder
)

// lowLevel accumulates bytes for one direction and yields complete tokens as
// they become available, carrying any trailing partial token across calls.
type lowLevel struct {
	acc []byte
}

// append adds newly received bytes to the accumulator.
func (l *lowLevel) append(b []byte) {
	l.acc = append(l.acc, b...)
}

// next extracts the next complete token from the accumulator, if any. It
// returns ok=false when the accumulator holds only a partial token (or is
// empty), in which case the caller should wait for more data.
func (l *lowLevel) next() (tok string, kind tokenKind, ok bool, err error) {
	switch {
	case bytesHasPrefix(l.acc, initiatorLine):
		l.acc = l.acc[len(initiatorLine):]
		return "", tokenInitiator, true, nil
	case bytesHasPrefix(l.acc, responderLine):
		l.acc = l.acc[len(responderLine):]
		return "", tokenResponder, true, nil
	}

	length, n := binary.Uvarint(l.acc)
	if n <= 0 {
		// Either not enough bytes yet for the varint (n == 0), or the
		// varint is malformed (n < 0); in both cases wait for more data
		// rather than treating a short prefix as an error.
		return "", 0, false, nil
	}
	rest := l.acc[n:]
	if uint64(len(rest)) < length {
		return "", 0, false, nil
	}

	msg := rest[:length]
	l.acc = rest[length:]

	if !utf8Valid(msg) {
		return "", 0, false, fmt.Errorf("mss: token is not valid UTF-8: %x", msg)
	}
	return strings.TrimSuffix(string(msg), "\n"), tokenString, true, nil
}

func bytesHasPrefix(b []byte, s string) bool {
	if len(b) < len(s) {
		return false
	}
	return string(b[:len(s)]) == s
}

func utf8Valid(b []byte) bool {
	return strings.ToValidUTF8(string(b), "") == string(b)
}

// oneDirection tracks the negotiation state for a single direction of the
// connection (incoming or outgoing).
type oneDirection struct {
	ll                  lowLevel
	simultaneousConnect bool
	done                *string
	errored             bool
}

// State is the bidirectional multistream-select negotiation state for one
// pipeline layer instance. Zero value is ready to use.
type State struct {
	incoming oneDirection
	outgoing oneDirection

	agreedProtocol string
	agreed         bool
}

// Result describes the outcome of a single Poll call.
type Result struct {
	// Tokens holds every token decoded from this call's bytes, in order,
	// for diagnostic/audit recording.
	Tokens []string
	// Agreed is true from the first call made after both directions'
	// negotiated protocol names have become equal (see Poll), and on every
	// call after that.
	Agreed bool
	// Protocol is the agreed protocol name, valid only when Agreed is true
	// or once a prior call has already set State.agreed.
	Protocol string
	// Remainder holds the bytes of this call that belong to the inner
	// protocol once negotiation has completed (valid when Agreed is true,
	// or on every call after negotiation already completed — see
	// State.Done).
	Remainder []byte
	// Err is set when a token fails to parse (e.g. invalid UTF-8). The
	// direction is marked errored and no further tokens are read from it.
	Err error
}

// Done reports whether this layer has already completed negotiation.
func (s *State) Done() (protocol string, ok bool) {
	return s.agreedProtocol, s.agreed
}

// Poll feeds newly received bytes for one direction into the negotiation
// state machine. Once negotiation has completed, every subsequent call
// (regardless of direction) simply returns its entire input as Remainder,
// satisfying the pass-through invariant the connection pipeline depends on.
func (s *State) Poll(incoming bool, data []byte) Result {
	if s.agreed {
		return Result{Agreed: true, Protocol: s.agreedProtocol, Remainder: data}
	}

	this, other := s.directions(incoming)
	if this.errored {
		// A malformed token poisoned this direction earlier; its bytes
		// are dropped unparsed.
		return Result{}
	}
	this.ll.append(data)

	// Agreement is detected on entry, using each direction's done value as
	// it stood after all *previous* calls: the call that brings the two
	// directions' proposals into alignment is the one whose entire input is
	// already inner-protocol data, not a further token to parse.
	if this.done != nil && other.done != nil && *this.done == *other.done {
		s.agreed = true
		s.agreedProtocol = *this.done
		remainder := this.ll.acc
		this.ll.acc = nil
		return Result{Agreed: true, Protocol: *this.done, Remainder: remainder}
	}

	var res Result
	for {
		tok, kind, ok, err := this.ll.next()
		if err != nil {
			res.Err = err
			this.errored = true
			break
		}
		if !ok {
			break
		}

		switch kind {
		case tokenInitiator:
			res.Tokens = append(res.Tokens, "initiator")
		case tokenResponder:
			res.Tokens = append(res.Tokens, "responder")
		case tokenString:
			res.Tokens = append(res.Tokens, tok)
			switch {
			case strings.HasPrefix(tok, "/multistream/"):
				// preamble, not a protocol proposal
			case strings.HasPrefix(tok, "/libp2p/simultaneous-connect"):
				this.simultaneousConnect = true
			case tok == "na":
				if other.simultaneousConnect {
					other.simultaneousConnect = false
				} else {
					other.done = nil
				}
			case strings.HasPrefix(tok, "select"):
				this.simultaneousConnect = false
			default:
				if !this.simultaneousConnect && !other.simultaneousConnect {
					proposed := tok
					this.done = &proposed
				}
			}
		}
	}

	return res
}

func (s *State) directions(incoming bool) (this, other *oneDirection) {
	if incoming {
		return &s.incoming, &s.outgoing
	}
	return &s.outgoing, &s.incoming
}
