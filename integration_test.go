package noisestream

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// oneByteTransport clamps every Read to at most one byte, regardless of
// the caller's buffer size, to exercise scenario S3 (1-byte chunking) at
// the full session layer rather than just the framing parser in
// isolation.
type oneByteTransport struct {
	Transport
}

func (o oneByteTransport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.Transport.Read(p[:1])
}

// TestOneByteChunkingEndToEnd is scenario S3 run through the whole stack
// (handshake, secret-stream, framing) rather than just the framing
// parser: "hello world" then 40000 random bytes must arrive verbatim
// even when the transport only ever yields one byte per Read.
func TestOneByteChunkingEndToEnd(t *testing.T) {
	outerA, outerB := NewBridge()
	a, err := New(RoleInitiator, outerA)
	require.NoError(t, err)
	defer a.Close(nil)
	b, err := New(RoleResponder, oneByteTransport{outerB})
	require.NoError(t, err)
	defer b.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Handshake(ctx))
	require.NoError(t, b.Handshake(ctx))

	require.NoError(t, a.WriteMessage([]byte("hello world")))
	big := make([]byte, 40000)
	_, err = rand.Read(big)
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(big))

	got1, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got1))

	got2, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, big, got2)
}
