package noisestream

import "errors"

// Sentinel errors surfaced by Session. Wrap these with fmt.Errorf("%w: ...")
// when more context is useful; callers should match with errors.Is.
var (
	// ErrHandshakeFailed is returned when the Noise handshake fails for any
	// cryptographic reason (bad MAC, malformed DH element, wrong pattern bytes).
	ErrHandshakeFailed = errors.New("noise handshake failed")

	// ErrBadHeaderLength is returned when the first post-handshake frame is
	// not exactly 56 bytes (32-byte stream id + 24-byte secret-stream header).
	ErrBadHeaderLength = errors.New("invalid header message received")

	// ErrBadHeaderID is returned when the first post-handshake frame's
	// 32-byte id prefix does not match the expected derived stream id.
	ErrBadHeaderID = errors.New("invalid header received")

	// ErrBadDataFrame is returned when a post-handshake data frame is
	// shorter than the AEAD overhead or fails authentication.
	ErrBadDataFrame = errors.New("invalid data frame")

	// ErrDestroyed is returned to any pending caller once the session has
	// been torn down, whether by the user, the transport, or a protocol error.
	ErrDestroyed = errors.New("stream destroyed")

	// ErrAlreadyStarted is returned by Start when called more than once.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrNotDeferred is returned by Start when the session was not
	// constructed with WithDeferredStart.
	ErrNotDeferred = errors.New("session does not use deferred start")

	// ErrRemoteKeyMismatch is returned when a pre-specified remote public
	// key does not match the key learned during the handshake.
	ErrRemoteKeyMismatch = errors.New("remote public key mismatch")

	// ErrBufferStale is returned by (*WriteBuffer).Commit when the buffer
	// was already committed.
	ErrBufferStale = errors.New("write buffer is stale")

	// ErrFrameTooLarge is returned when a frame length would exceed the
	// 2^24-1 wire cap.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
