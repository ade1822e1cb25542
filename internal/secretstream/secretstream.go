// Package secretstream implements the keyed encrypt/decrypt halves (C3 of
// noisestream's design) used to protect every post-handshake frame: a
// Push (encryptor) that emits a one-time 24-byte header and then seals
// successive plaintexts, and a Pull (decryptor) that records that header
// and opens them back up.
//
// Push and Pull wrap the *noise.CipherState pair the handshake driver
// already derived rather than deriving a second, independent symmetric
// key: flynn/noise hands both peers matching, auto-incrementing,
// forward-secret AEAD states the instant the handshake completes, so the
// header is not needed to seed a nonce the way it is in the libsodium
// secretstream this design is modeled on. It is still exchanged, unchanged
// in size and position on the wire, as the random confirmation value that
// binds the header frame together with the stream id (see streamid.go).
package secretstream

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// HeaderSize is the length of the header exchanged once per direction.
const HeaderSize = 24

// TagSize is the length of the unencrypted-but-authenticated tag byte
// prefixed to every sealed frame.
const TagSize = 1

// MACSize is the ChaCha20-Poly1305 authentication tag length.
const MACSize = 16

// Overhead is the total per-frame expansion: tag byte + MAC.
const Overhead = TagSize + MACSize

// ErrShortFrame is returned by Pull.Next when a frame is too short to
// contain even the tag byte and MAC.
var ErrShortFrame = errors.New("secretstream: frame shorter than AEAD overhead")

// Push is the encrypting half of a secret-stream pair.
type Push struct {
	cs     *noise.CipherState
	header [HeaderSize]byte
}

// NewPush wraps cs (the handshake's Tx CipherState) and generates a fresh
// random header to send to the peer.
func NewPush(cs *noise.CipherState) (*Push, error) {
	p := &Push{cs: cs}
	if _, err := rand.Read(p.header[:]); err != nil {
		return nil, fmt.Errorf("secretstream: generating header: %w", err)
	}
	return p, nil
}

// Header returns the 24-byte header to send to the peer once, before the
// first data frame.
func (p *Push) Header() []byte {
	return p.header[:]
}

// Next appends one sealed frame (tag byte + ciphertext + MAC) for
// plaintext to dst and returns the extended slice.
func (p *Push) Next(dst, plaintext []byte) ([]byte, error) {
	tag := [TagSize]byte{0}
	dst = append(dst, tag[:]...)
	sealed, err := p.cs.Encrypt(dst, tag[:], plaintext)
	if err != nil {
		return nil, fmt.Errorf("secretstream: %w", err)
	}
	return sealed, nil
}

// Pull is the decrypting half of a secret-stream pair.
type Pull struct {
	cs     *noise.CipherState
	header [HeaderSize]byte
}

// NewPull wraps cs (the handshake's Rx CipherState). Call Init with the
// peer's header before the first Next.
func NewPull(cs *noise.CipherState) *Pull {
	return &Pull{cs: cs}
}

// Init records the peer's header. header must be HeaderSize bytes.
func (p *Pull) Init(header []byte) error {
	if len(header) != HeaderSize {
		return fmt.Errorf("secretstream: header must be %d bytes, got %d", HeaderSize, len(header))
	}
	copy(p.header[:], header)
	return nil
}

// Next authenticates and decrypts frame, appending the plaintext to dst
// and returning the extended slice. frame must be at least Overhead bytes.
func (p *Pull) Next(dst, frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, ErrShortFrame
	}
	tag := frame[:TagSize]
	ciphertext := frame[TagSize:]
	out, err := p.cs.Decrypt(dst, tag, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secretstream: %w", err)
	}
	return out, nil
}
