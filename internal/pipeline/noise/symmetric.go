package noise

import (
	"crypto/cipher"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hashLen = 64 // blake2b-512 digest size used as the Noise hash output

// cipherState is Noise's CipherState: a key and a strictly increasing nonce.
type cipherState struct {
	key    [chacha20poly1305.KeySize]byte
	hasKey bool
	n      uint64
}

func (c *cipherState) initializeKey(key [chacha20poly1305.KeySize]byte) {
	c.key = key
	c.hasKey = true
	c.n = 0
}

func (c *cipherState) aead() (cipher.AEAD, error) {
	return chacha20poly1305.New(c.key[:])
}

func (c *cipherState) nonceBytes() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	// Noise defines the nonce as a little-endian 64-bit counter in the last
	// 8 bytes of a 12-byte field; the first 4 bytes stay zero.
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(c.n >> (8 * i))
	}
	return nonce
}

func (c *cipherState) encryptWithAD(ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), plaintext...), nil
	}
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, c.nonceBytes(), plaintext, ad)
	c.n++
	return ct, nil
}

func (c *cipherState) decryptWithAD(ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), ciphertext...), nil
	}
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, c.nonceBytes(), ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("noise: decrypt failed: %w", err)
	}
	c.n++
	return pt, nil
}

// symmetricState is Noise's SymmetricState: the running chaining key and
// handshake hash, plus the current CipherState derived from them.
type symmetricState struct {
	ck [hashLen]byte
	h  [hashLen]byte
	cs cipherState
}

// protocolName is the Noise protocol name string for the handshake pattern
// and primitives this package implements: Noise_XX_25519_ChaChaPoly_BLAKE2b.
const protocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2b"

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	name := []byte(protocolName)
	if len(name) <= hashLen {
		copy(s.h[:], name)
	} else {
		s.h = blake2bHash(name)
	}
	s.ck = s.h
	return s
}

func blake2bHash(data []byte) [hashLen]byte {
	var out [hashLen]byte
	sum := blake2b.Sum512(data)
	copy(out[:], sum[:])
	return out
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = blake2bHash(append(append([]byte(nil), s.h[:]...), data...))
}

func (s *symmetricState) mixKey(inputKeyMaterial []byte) {
	ck, tempK := hkdf2(s.ck[:], inputKeyMaterial)
	s.ck = ck
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], tempK[:chacha20poly1305.KeySize])
	s.cs.initializeKey(key)
}

// hkdf2 implements the two-output HKDF used throughout Noise: HKDF with
// blake2b-512 as the hash, chaining key ck as salt, input keying material
// ikm, and an empty info string, truncated to two 64-byte outputs.
func hkdf2(ck, ikm []byte) (out1, out2 [hashLen]byte) {
	newBlake2b512 := func() hash.Hash {
		h, err := blake2b.New512(nil)
		if err != nil {
			panic(fmt.Sprintf("noise: blake2b.New512: %v", err))
		}
		return h
	}
	reader := hkdf.New(newBlake2b512, ikm, ck, nil)
	var buf [2 * hashLen]byte
	if _, err := reader.Read(buf[:]); err != nil {
		// hkdf.Read over a blake2b.New512-backed reader only fails if the
		// hash constructor itself fails, which blake2b.New512 never does
		// with a nil key.
		panic(fmt.Sprintf("noise: hkdf read: %v", err))
	}
	copy(out1[:], buf[:hashLen])
	copy(out2[:], buf[hashLen:])
	return out1, out2
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := s.cs.encryptWithAD(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := s.cs.decryptWithAD(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport CipherStates once the handshake
// completes.
func (s *symmetricState) split() (send, recv cipherState) {
	k1, k2 := hkdf2(s.ck[:], nil)
	var key1, key2 [chacha20poly1305.KeySize]byte
	copy(key1[:], k1[:chacha20poly1305.KeySize])
	copy(key2[:], k2[:chacha20poly1305.KeySize])
	send.initializeKey(key1)
	recv.initializeKey(key2)
	return send, recv
}
