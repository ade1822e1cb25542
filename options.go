package noisestream

import (
	"github.com/flynn/noise"
	"github.com/rs/zerolog"
)

// HandshakeResult is a pre-computed handshake outcome that bypasses the
// Noise driver entirely (spec.md's "external handshake injection"): the
// handshake was carried out elsewhere (a separate channel, or derived by
// some other means) and the session should jump straight to the
// AwaitingHeader/Established boundary.
type HandshakeResult struct {
	PublicKey       []byte
	RemotePublicKey []byte
	Hash            []byte
	Tx              *noise.CipherState
	Rx              *noise.CipherState
}

var namedPatterns = map[string]noise.HandshakePattern{
	"NN": noise.HandshakeNN,
	"XX": noise.HandshakeXX,
	"IK": noise.HandshakeIK,
	"NK": noise.HandshakeNK,
	"XK": noise.HandshakeXK,
	"KK": noise.HandshakeKK,
}

type config struct {
	publicKey       []byte
	remotePublicKey []byte
	keyPair         *KeyPair
	pattern         noise.HandshakePattern
	deferredStart   bool
	handshakeResult *HandshakeResult
	headBuffer      []byte
	ended           bool
	logger          zerolog.Logger
}

func defaultConfig() config {
	return config{
		pattern: noise.HandshakeXX,
		logger:  zerolog.Nop(),
	}
}

// Option configures a Session at construction or deferred Start time.
type Option func(*config)

// WithKeyPair overrides the generated long-term identity with kp.
func WithKeyPair(kp KeyPair) Option {
	return func(c *config) { c.keyPair = &kp }
}

// WithRemotePublicKey pins the expected remote static key. If the peer's
// actual key differs, the handshake fails with ErrRemoteKeyMismatch.
func WithRemotePublicKey(pub []byte) Option {
	return func(c *config) { c.remotePublicKey = append([]byte(nil), pub...) }
}

// WithPattern selects a named Noise handshake pattern ("XX" by default).
// Unrecognized names fall back to XX.
func WithPattern(name string) Option {
	return func(c *config) {
		if p, ok := namedPatterns[name]; ok {
			c.pattern = p
		}
	}
}

// WithDeferredStart constructs the Session without attaching a transport;
// the caller must call Start exactly once before the session does
// anything. New returns an error if a non-nil transport is also passed
// alongside this option.
func WithDeferredStart() Option {
	return func(c *config) { c.deferredStart = true }
}

// WithHandshakeResult injects a pre-computed handshake outcome, skipping
// the Noise driver entirely.
func WithHandshakeResult(hr HandshakeResult) Option {
	return func(c *config) { c.handshakeResult = &hr }
}

// WithHeadBuffer feeds data through the inbound frame parser immediately
// on Start, before any further transport reads are processed. This covers
// the case where a caller buffered transport bytes before the session was
// ready to consume them.
func WithHeadBuffer(data []byte) Option {
	return func(c *config) { c.headBuffer = append([]byte(nil), data...) }
}

// WithEnded signals immediate end-of-input, processed after any
// WithHeadBuffer data. It is handled as Close(nil): the whole session is
// torn down, so ReadMessage returns io.EOF and the outbound side is not
// kept open either; later writes fail with ErrDestroyed.
func WithEnded() Option {
	return func(c *config) { c.ended = true }
}

// WithLogger attaches a zerolog.Logger for lifecycle diagnostics. The
// default is a no-op logger, so the library is silent unless a caller
// opts in.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}
