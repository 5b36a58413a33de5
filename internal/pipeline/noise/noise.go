// Package noise implements the Noise_XX_25519_ChaChaPoly_BLAKE2b encrypted
// channel libp2p negotiates after multistream-select agrees on "/noise".
// Every message arrives already framed by the chunk layer, so this package
// only runs the handshake state machine and, once (if) it recovers the
// local ephemeral private key from observed randomness, decrypts transport
// messages before handing plaintext to Inner.
//
// Decryption is best-effort: if the local process's ephemeral key was never
// captured by the probe — or belongs entirely to the remote peer — this
// layer never forwards plaintext to Inner, consistent with the stated
// limitation that traffic whose key material never appeared in observed
// randomness cannot be recovered.
package noise

import "fmt"

// Handler is the inner layer a Layer delivers decrypted messages to.
type Handler interface {
	OnData(incoming bool, data []byte) error
}

// Layer runs the Noise XX handshake over the first three directed messages
// it sees, then decrypts every subsequent message before forwarding it.
type Layer[Inner Handler] struct {
	hs      *handshake
	inner   Inner
	failed  bool
	onEvent func(event string)
}

// New constructs a Layer. candidates supplies the alias-scoped randomness
// queue to try as the local ephemeral private key.
func New[Inner Handler](inner Inner, candidates CandidateSource) *Layer[Inner] {
	return &Layer[Inner]{
		hs:    newHandshake(candidates),
		inner: inner,
	}
}

// OnEvent registers a callback invoked with a short event name ("handshake_complete",
// "decrypt_failed", "key_unrecovered") for observability.
func (l *Layer[Inner]) OnEvent(f func(event string)) {
	l.onEvent = f
}

func (l *Layer[Inner]) emit(event string) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// OnData advances the handshake or decrypts a transport message, depending
// on how far negotiation has progressed. Each call is one already-delimited
// Noise message, as produced by the chunk layer.
func (l *Layer[Inner]) OnData(incoming bool, data []byte) error {
	if l.failed {
		return nil
	}

	var err error
	switch l.hs.step {
	case 0:
		err = l.hs.step0(incoming, data)
	case 1:
		err = l.hs.step1(incoming, data)
	case 2:
		err = l.hs.step2(incoming, data)
		if err == nil {
			l.emit("handshake_complete")
		}
	default:
		return l.decryptAndForward(incoming, data)
	}
	if err != nil {
		l.failed = true
		return fmt.Errorf("noise: handshake failed: %w", err)
	}
	return nil
}

func (l *Layer[Inner]) decryptAndForward(incoming bool, data []byte) error {
	cs, err := l.hs.decrypt(incoming)
	if err != nil {
		l.emit("key_unrecovered")
		return nil
	}
	plaintext, err := cs.decryptWithAD(nil, data)
	if err != nil {
		l.emit("decrypt_failed")
		return nil
	}
	return l.inner.OnData(incoming, plaintext)
}
