// Package pnet implements the outermost layer of the connection pipeline:
// the fixed-size key-derivation preamble every libp2p private-network
// transport exchanges before any multistream-select traffic. The recorder
// does not hold the network's pre-shared key, so it cannot recover the
// keystream; it only needs to know the preamble's length so it can strip it
// and hand the remaining bytes to the inner layer unmodified.
package pnet

// PreambleSize is the length, in bytes, of the nonce each side sends before
// any other traffic on a private-network transport.
const PreambleSize = 24

// Handler is the inner layer a Layer forwards post-preamble bytes to.
type Handler interface {
	OnData(incoming bool, data []byte) error
}

// direction tracks how many preamble bytes have been consumed for one side
// of the connection.
type direction struct {
	consumed int
}

func (d *direction) strip(data []byte) []byte {
	if d.consumed >= PreambleSize {
		return data
	}
	need := PreambleSize - d.consumed
	if len(data) <= need {
		d.consumed += len(data)
		return nil
	}
	d.consumed = PreambleSize
	return data[need:]
}

// Layer strips the pnet preamble independently per direction and forwards
// whatever remains to Inner.
type Layer[Inner Handler] struct {
	incoming direction
	outgoing direction
	inner    Inner
}

// New constructs a Layer wrapping an already-constructed inner handler; the
// pnet layer has no protocol to negotiate, so unlike the rest of the
// pipeline it does not defer construction of its inner layer.
func New[Inner Handler](inner Inner) *Layer[Inner] {
	return &Layer[Inner]{inner: inner}
}

// OnData strips this call's share of the preamble, if any remains
// unconsumed for the given direction, and forwards the rest to Inner.
func (l *Layer[Inner]) OnData(incoming bool, data []byte) error {
	var d *direction
	if incoming {
		d = &l.incoming
	} else {
		d = &l.outgoing
	}

	rest := d.strip(data)
	if len(rest) == 0 {
		return nil
	}
	return l.inner.OnData(incoming, rest)
}
