package noisestream

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// KeyPair is a long-term Noise X25519 identity key pair.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair creates a new long-term identity key pair. When seed is
// nil, crypto/rand is used; passing a deterministic reader (e.g. a seeded
// stream cipher) yields reproducible keys, useful for tests.
func GenerateKeyPair(seed io.Reader) (KeyPair, error) {
	if seed == nil {
		seed = rand.Reader
	}
	dh, err := noise.DH25519.GenerateKeypair(seed)
	if err != nil {
		return KeyPair{}, fmt.Errorf("noisestream: generating key pair: %w", err)
	}
	return KeyPair{PublicKey: dh.Public, PrivateKey: dh.Private}, nil
}

func (k KeyPair) toDHKey() noise.DHKey {
	return noise.DHKey{Public: k.PublicKey, Private: k.PrivateKey}
}
