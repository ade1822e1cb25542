// Package noisehandshake drives a Noise protocol handshake (C2 of
// noisestream's design) over pre-framed messages, sequencing writes and
// reads until both cipher states, the transcript hash, and the peer's
// static public key are known. It never touches the wire itself: callers
// hand it unframed payloads and frame whatever it returns.
package noisehandshake

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// ErrFailed wraps every cryptographic failure the underlying Noise state
// machine can report: a bad MAC, a malformed DH element, or a handshake
// message received out of sequence.
var ErrFailed = errors.New("noise handshake failed")

// CipherSuite is the fixed Noise cipher suite for the wire protocol:
// X25519 for DH, ChaCha20-Poly1305 for the AEAD, BLAKE2s for the hash —
// matching the teacher's Noise_XX_25519_ChaChaPoly_BLAKE2s choice.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Config configures a Driver.
type Config struct {
	// Initiator is true for the side that sends the first handshake message.
	Initiator bool
	// Pattern selects the Noise handshake pattern; defaults to XX when the
	// zero value is passed. Every fundamental Noise pattern alternates
	// senders strictly starting with the initiator, so the turn-taking
	// logic below is pattern-agnostic.
	Pattern noise.HandshakePattern
	// StaticKeyPair is this side's long-term Noise key.
	StaticKeyPair noise.DHKey
	// PeerStatic is the expected remote static public key, if known ahead
	// of time (pre-authenticated dial). May be nil.
	PeerStatic []byte
}

func patternOrDefault(p noise.HandshakePattern) noise.HandshakePattern {
	if p.Name == "" {
		return noise.HandshakeXX
	}
	return p
}

// Result is returned by Send and Recv after every step. Data is the
// (possibly empty) message to deliver to the peer for this step; it is nil
// once the pattern has nothing left to send on this call. Complete is true
// once Tx/Rx/Hash/RemoteStatic are all populated, after which the Driver
// must not be used again.
type Result struct {
	Data         []byte
	Complete     bool
	Tx           *noise.CipherState
	Rx           *noise.CipherState
	Hash         []byte
	RemoteStatic []byte
}

// Driver sequences one handshake to completion. It is not safe for
// concurrent use.
type Driver struct {
	hs        *noise.HandshakeState
	initiator bool
	msgIndex  int
	destroyed bool
}

// NewDriver constructs a Driver with an empty prologue, matching spec's
// requirement that external parties bind context via pattern choice alone.
func NewDriver(cfg Config) (*Driver, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Pattern:       patternOrDefault(cfg.Pattern),
		Initiator:     cfg.Initiator,
		StaticKeypair: cfg.StaticKeyPair,
		PeerStatic:    cfg.PeerStatic,
		Prologue:      nil,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init: %w", ErrFailed, err)
	}
	return &Driver{hs: hs, initiator: cfg.Initiator}, nil
}

// Send runs one Noise write step and returns the message to deliver to the
// peer, along with derived keys/hash/remote-static once the handshake
// completes.
func (d *Driver) Send() (Result, error) {
	if d.destroyed {
		return Result{}, fmt.Errorf("%w: driver destroyed", ErrFailed)
	}
	msg, cs1, cs2, err := d.hs.WriteMessage(nil, nil)
	if err != nil {
		d.destroyed = true
		return Result{}, fmt.Errorf("%w: write: %w", ErrFailed, err)
	}
	d.msgIndex++
	return d.finish(msg, cs1, cs2), nil
}

// Recv runs one Noise read step on an unframed peer payload. If the
// pattern calls for a subsequent write step, it is run internally and its
// message is returned.
func (d *Driver) Recv(payload []byte) (Result, error) {
	if d.destroyed {
		return Result{}, fmt.Errorf("%w: driver destroyed", ErrFailed)
	}
	_, cs1, cs2, err := d.hs.ReadMessage(nil, payload)
	if err != nil {
		d.destroyed = true
		return Result{}, fmt.Errorf("%w: read: %w", ErrFailed, err)
	}
	d.msgIndex++
	if cs1 != nil && cs2 != nil {
		return d.finish(nil, cs1, cs2), nil
	}
	if d.nextIsWrite() {
		return d.Send()
	}
	return Result{}, nil
}

// nextIsWrite reports whether this side must write the next handshake
// message before the pattern can complete. Noise messages strictly
// alternate sender starting with the initiator, so message index parity
// alone determines whose turn it is.
func (d *Driver) nextIsWrite() bool {
	isInitiatorTurn := d.msgIndex%2 == 0
	return isInitiatorTurn == d.initiator
}

func (d *Driver) finish(data []byte, cs1, cs2 *noise.CipherState) Result {
	if cs1 == nil || cs2 == nil {
		return Result{Data: data}
	}
	d.destroyed = true
	// cs1 is initiator->responder, cs2 is responder->initiator.
	tx, rx := cs1, cs2
	if !d.initiator {
		tx, rx = cs2, cs1
	}
	return Result{
		Data:         data,
		Complete:     true,
		Tx:           tx,
		Rx:           rx,
		Hash:         append([]byte(nil), d.hs.ChannelBinding()...),
		RemoteStatic: append([]byte(nil), d.hs.PeerStatic()...),
	}
}
