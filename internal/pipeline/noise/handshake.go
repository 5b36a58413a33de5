package noise

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// CandidateSource supplies candidate ephemeral private scalars to try
// against an observed handshake. The recorder feeds it the alias-scoped
// randomness queue captured from the traced process's own getrandom calls
// (§4.4); any sample that was never observed — because it belongs to the
// remote peer, or the probe missed it — means this connection's traffic
// cannot be decrypted, which is an accepted limitation rather than a bug.
type CandidateSource func() [][32]byte

const ephemeralKeySize = 32

// handshake drives the Noise_XX pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// Recovery only succeeds when the traced local process sent message 1 —
// i.e. it initiated the connection — since only then does decrypting the
// "es" and "se" terms require nothing beyond the local ephemeral private
// key and the remote's public keys observed on the wire. When the traced
// process is the responder, those terms depend on the responder's static
// private key, which getrandom sampling cannot be expected to have
// captured at connection time; such connections are left undecrypted.
type handshake struct {
	ss   *symmetricState
	step int

	candidates CandidateSource

	initiatorDir bool // the `incoming` value of the message that carried e_initiator
	isInitiator  bool // whether the local party sent message 1 (recovered locally)
	localEph     [32]byte
	remoteEph    [32]byte

	done bool
	send cipherState
	recv cipherState
}

func newHandshake(candidates CandidateSource) *handshake {
	return &handshake{ss: newSymmetricState(), candidates: candidates}
}

// step0 processes message 1 ("-> e"): a bare 32-byte ephemeral public key.
func (h *handshake) step0(incoming bool, msg []byte) error {
	if len(msg) < ephemeralKeySize {
		return fmt.Errorf("noise: handshake message 1 too short (%d bytes)", len(msg))
	}
	h.initiatorDir = incoming
	h.ss.mixHash(msg[:ephemeralKeySize])

	if priv, ok := h.matchCandidate(msg[:ephemeralKeySize]); ok {
		h.localEph = priv
		h.isInitiator = true
	}
	h.step = 1
	return nil
}

// step1 processes message 2 ("<- e, ee, s, es"): a plaintext ephemeral
// public key followed by the responder's encrypted static key.
func (h *handshake) step1(incoming bool, msg []byte) error {
	if len(msg) < ephemeralKeySize {
		return fmt.Errorf("noise: handshake message 2 too short (%d bytes)", len(msg))
	}
	copy(h.remoteEph[:], msg[:ephemeralKeySize])
	h.ss.mixHash(h.remoteEph[:])

	if !h.isInitiator {
		// The local process is the responder (or its key was never
		// recovered); "es" below would need the responder's static
		// private key, which this package does not attempt to recover.
		// Mix the ciphertext in unkeyed so the transcript hash stays
		// consistent for anyone re-deriving it, but don't try to decrypt.
		h.ss.mixHash(msg[ephemeralKeySize:])
		h.step = 2
		return nil
	}

	ee, err := dh(h.localEph, h.remoteEph)
	if err != nil {
		return err
	}
	h.ss.mixKey(ee[:])

	staticCT := msg[ephemeralKeySize:]
	staticPT, err := h.ss.decryptAndHash(staticCT)
	if err != nil || len(staticPT) < ephemeralKeySize {
		h.step = 2
		return nil
	}
	var remoteStatic [32]byte
	copy(remoteStatic[:], staticPT[:ephemeralKeySize])

	es, err := dh(h.localEph, remoteStatic)
	if err != nil {
		return err
	}
	h.ss.mixKey(es[:])

	h.step = 2
	return nil
}

// step2 processes message 3 ("-> s, se"): the initiator's encrypted static
// key, completing the handshake and deriving the transport cipher states.
// "se" needs the initiator's static private key — which, symmetrically to
// "es" above, this package never has — so it is mixed in unkeyed.
func (h *handshake) step2(incoming bool, msg []byte) error {
	h.ss.mixHash(msg)
	h.send, h.recv = h.ss.split()
	h.done = true
	h.step = 3
	return nil
}

// matchCandidate tries every candidate scalar from the source against
// observed, returning the first whose public key equals want.
func (h *handshake) matchCandidate(want []byte) (priv [32]byte, ok bool) {
	if h.candidates == nil {
		return priv, false
	}
	for _, candidate := range h.candidates() {
		pub, err := curve25519.X25519(candidate[:], curve25519.Basepoint)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(pub, want) == 1 {
			return candidate, true
		}
	}
	return priv, false
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("noise: x25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// decrypt returns the CipherState that applies to messages flowing in the
// given direction, or an error if the connection's keys were never
// recovered.
func (h *handshake) decrypt(incoming bool) (*cipherState, error) {
	if !h.done {
		return nil, fmt.Errorf("noise: handshake not complete")
	}
	if !h.isInitiator {
		return nil, fmt.Errorf("noise: local ephemeral key never recovered from observed randomness")
	}
	// initiatorDir is the direction flag under which local (the
	// initiator) sent message 1 — local's own outgoing direction.
	if incoming == h.initiatorDir {
		return &h.send, nil
	}
	return &h.recv, nil
}
