package noisestream

import (
	"golang.org/x/crypto/blake2b"
)

// namespaceHash computes the unkeyed 32-byte BLAKE2b-256 digest of data,
// used to derive the three process-wide namespace constants below.
func namespaceHash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// keyedHash computes the 32-byte BLAKE2b-256 digest of data keyed with key,
// the "generic cryptographic hash usable in keyed mode" spec.md's
// stream-identity binding requires.
func keyedHash(key, data []byte) [32]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// key is always exactly 32 bytes in this package, which blake2b
		// always accepts as a MAC key; a failure here is a programming error.
		panic("noisestream: keyed blake2b-256: " + err.Error())
	}
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ns, nsInitiator, and nsResponder are the fixed namespace constants from
// spec.md §6, computed once at package init so every process derives the
// same values (and therefore stays wire-compatible).
var (
	ns          = namespaceHash([]byte("hyperswarm/secret-stream"))
	nsInitiator = namespaceHash(append([]byte{0x00}, ns[:]...))
	nsResponder = namespaceHash(append([]byte{0x01}, ns[:]...))
)

// DeriveStreamID derives the 32-byte per-direction stream id
// H(handshakeHash, NS_role) used in the header frame: the id this side
// sends is keyed with NS_initiator when this side is the initiator, or
// NS_responder otherwise. Exposed so callers can pre-bind stream identity
// for higher-layer routing, per spec.md §4.4's static helper.
func DeriveStreamID(handshakeHash []byte, initiator bool) [32]byte {
	role := nsResponder
	if initiator {
		role = nsInitiator
	}
	return keyedHash(role[:], handshakeHash)
}

// expectedPeerStreamID returns the stream id we expect to receive from the
// peer: if we are the initiator, the peer (responder) signs with
// NS_responder, and vice versa.
func expectedPeerStreamID(handshakeHash []byte, weAreInitiator bool) [32]byte {
	return DeriveStreamID(handshakeHash, !weAreInitiator)
}
