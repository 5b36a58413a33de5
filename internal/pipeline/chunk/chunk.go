// Package chunk implements the length-prefixed framing the Noise channel
// uses: every ciphertext is preceded by a two-byte big-endian length, the
// same framing libp2p's noise transport uses to delimit Noise messages over
// an otherwise unstructured byte stream.
package chunk

import "encoding/binary"

// LengthPrefixSize is the width, in bytes, of the frame length header.
const LengthPrefixSize = 2

// MaxFrameSize is the largest frame the two-byte length header can express.
const MaxFrameSize = 1<<16 - 1

// Handler is the inner layer a Layer delivers reassembled frames to.
type Handler interface {
	OnData(incoming bool, data []byte) error
}

// direction buffers bytes for one side of the connection until complete
// frames can be split off.
type direction struct {
	acc []byte
}

// Layer reassembles length-prefixed frames per direction and forwards each
// complete frame's payload to Inner.
type Layer[Inner Handler] struct {
	incoming direction
	outgoing direction
	inner    Inner
}

// New constructs a Layer wrapping an already-constructed inner handler.
func New[Inner Handler](inner Inner) *Layer[Inner] {
	return &Layer[Inner]{inner: inner}
}

// OnData appends data to the direction's accumulator and forwards every
// complete frame found, in order. A trailing partial frame carries over to
// the next call.
func (l *Layer[Inner]) OnData(incoming bool, data []byte) error {
	var d *direction
	if incoming {
		d = &l.incoming
	} else {
		d = &l.outgoing
	}

	d.acc = append(d.acc, data...)

	for {
		if len(d.acc) < LengthPrefixSize {
			return nil
		}
		length := int(binary.BigEndian.Uint16(d.acc[:LengthPrefixSize]))
		if len(d.acc) < LengthPrefixSize+length {
			return nil
		}

		frame := d.acc[LengthPrefixSize : LengthPrefixSize+length]
		d.acc = d.acc[LengthPrefixSize+length:]

		if err := l.inner.OnData(incoming, frame); err != nil {
			return err
		}
	}
}
