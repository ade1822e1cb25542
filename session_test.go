package noisestream

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", kind)
		}
	}
}

// tappedTransport wraps a Transport and records every byte read through
// it, used by TestCiphertextDoesNotContainPlaintext to inspect exactly
// what crossed the wire.
type tappedTransport struct {
	Transport
	mu   sync.Mutex
	seen []byte
}

func (t *tappedTransport) Read(p []byte) (int, error) {
	n, err := t.Transport.Read(p)
	if n > 0 {
		t.mu.Lock()
		t.seen = append(t.seen, p[:n]...)
		t.mu.Unlock()
	}
	return n, err
}

func (t *tappedTransport) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.seen...)
}

// TestBasicMutualHandshake is scenario S1: after both sides emit open,
// each side's RemotePublicKey equals the other's PublicKey.
func TestBasicMutualHandshake(t *testing.T) {
	outerA, outerB := NewBridge()
	a, err := New(RoleInitiator, outerA)
	require.NoError(t, err)
	defer a.Close(nil)
	b, err := New(RoleResponder, outerB)
	require.NoError(t, err)
	defer b.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Handshake(ctx))
	require.NoError(t, b.Handshake(ctx))

	require.Equal(t, a.PublicKey(), b.RemotePublicKey())
	require.Equal(t, b.PublicKey(), a.RemotePublicKey())
	require.Equal(t, PhaseEstablished, a.Phase())
	require.Equal(t, PhaseEstablished, b.Phase())
}

// TestCiphertextDoesNotContainPlaintext is scenario S2: the transport
// bytes for a written message never contain the plaintext literal.
func TestCiphertextDoesNotContainPlaintext(t *testing.T) {
	outerA, outerB := NewBridge()
	tapped := &tappedTransport{Transport: outerB}

	a, err := New(RoleInitiator, outerA)
	require.NoError(t, err)
	defer a.Close(nil)
	b, err := New(RoleResponder, tapped)
	require.NoError(t, err)
	defer b.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Handshake(ctx))
	require.NoError(t, b.Handshake(ctx))

	const msg = "the eagle lands at midnight"
	require.NoError(t, a.WriteMessage([]byte(msg)))
	got, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, msg, string(got))

	require.NotContains(t, string(tapped.Bytes()), msg)
}

// TestDeferredStartWithBufferedHead is scenario S4: B is constructed with
// WithDeferredStart, two messages accumulate from A while B is not yet
// listening, B starts with the accumulated bytes as a head buffer plus a
// pre-computed handshake result, and a third message from A arrives
// after — B must deliver all three in order.
func TestDeferredStartWithBufferedHead(t *testing.T) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	hsA, err := noise.NewHandshakeState(noise.Config{CipherSuite: suite, Pattern: noise.HandshakeNN, Initiator: true})
	require.NoError(t, err)
	hsB, err := noise.NewHandshakeState(noise.Config{CipherSuite: suite, Pattern: noise.HandshakeNN, Initiator: false})
	require.NoError(t, err)

	msg1, _, _, err := hsA.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = hsB.ReadMessage(nil, msg1)
	require.NoError(t, err)
	msg2, bcs1, bcs2, err := hsB.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, acs1, acs2, err := hsA.ReadMessage(nil, msg2)
	require.NoError(t, err)

	outerA, outerB := NewBridge()

	a, err := New(RoleInitiator, outerA, WithHandshakeResult(HandshakeResult{
		PublicKey: []byte("a-pub"), RemotePublicKey: []byte("b-pub"),
		Hash: hsA.ChannelBinding(), Tx: acs1, Rx: acs2,
	}))
	require.NoError(t, err)
	defer a.Close(nil)

	require.NoError(t, a.WriteMessage([]byte("first")))
	require.NoError(t, a.WriteMessage([]byte("second")))

	// Drain exactly what has accumulated on B's side of the bridge: A's
	// header frame plus the two data frames above.
	var buffered []byte
	tmp := make([]byte, 4096)
	for i := 0; i < 3; i++ {
		n, err := outerB.Read(tmp)
		require.NoError(t, err)
		buffered = append(buffered, tmp[:n]...)
	}

	b, err := New(RoleResponder, nil, WithDeferredStart())
	require.NoError(t, err)
	defer b.Close(nil)

	started := make(chan error, 1)
	go func() {
		started <- b.Start(outerB, WithHandshakeResult(HandshakeResult{
			PublicKey: []byte("b-pub"), RemotePublicKey: []byte("a-pub"),
			Hash: hsB.ChannelBinding(), Tx: bcs2, Rx: bcs1,
		}), WithHeadBuffer(buffered))
	}()

	got1, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "first", string(got1))
	got2, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "second", string(got2))
	require.NoError(t, <-started)

	require.NoError(t, a.WriteMessage([]byte("third")))
	got3, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "third", string(got3))
}

// TestGarbageHandshakeZeros and TestGarbageHandshakeBadFrame are
// scenario S5: garbage fed into a fresh initiator's handshake surfaces
// as an error event rather than a panic or a silent hang.
func TestGarbageHandshakeZeros(t *testing.T) {
	outer, inner := NewBridge()
	s, err := New(RoleInitiator, outer)
	require.NoError(t, err)
	defer s.Close(nil)

	_, err = inner.Write(make([]byte, 65536))
	require.NoError(t, err)

	ev := waitForEvent(t, s, EventError)
	require.Error(t, ev.Err)
}

func TestGarbageHandshakeBadFrame(t *testing.T) {
	outer, inner := NewBridge()
	s, err := New(RoleInitiator, outer)
	require.NoError(t, err)
	defer s.Close(nil)

	frame := []byte{16, 0, 0}
	frame = append(frame, []byte("garbage123456789")[:16]...)
	_, err = inner.Write(frame)
	require.NoError(t, err)

	ev := waitForEvent(t, s, EventError)
	require.Error(t, ev.Err)
}

// TestGarbageHeaderFrame is scenario S6: once this side is past its own
// handshake and awaiting the peer's header, an oversized garbage frame
// in that slot fails length validation rather than being misread as data.
func TestGarbageHeaderFrame(t *testing.T) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	hsA, err := noise.NewHandshakeState(noise.Config{CipherSuite: suite, Pattern: noise.HandshakeNN, Initiator: true})
	require.NoError(t, err)
	hsB, err := noise.NewHandshakeState(noise.Config{CipherSuite: suite, Pattern: noise.HandshakeNN, Initiator: false})
	require.NoError(t, err)

	msg1, _, _, err := hsA.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = hsB.ReadMessage(nil, msg1)
	require.NoError(t, err)
	_, cs1, cs2, err := hsB.WriteMessage(nil, nil)
	require.NoError(t, err)

	outer, inner := NewBridge()
	s, err := New(RoleResponder, outer, WithHandshakeResult(HandshakeResult{
		PublicKey: []byte("b-pub"), RemotePublicKey: []byte("a-pub"),
		Hash: hsB.ChannelBinding(), Tx: cs2, Rx: cs1,
	}))
	require.NoError(t, err)
	defer s.Close(nil)

	frame := []byte{255, 0, 0}
	frame = append(frame, make([]byte, 255)...)
	_, err = inner.Write(frame)
	require.NoError(t, err)

	ev := waitForEvent(t, s, EventError)
	require.ErrorIs(t, ev.Err, ErrBadHeaderLength)
}

// TestAllocCommitRoundTrip exercises the zero-copy WriteBuffer path.
func TestAllocCommitRoundTrip(t *testing.T) {
	outerA, outerB := NewBridge()
	a, err := New(RoleInitiator, outerA)
	require.NoError(t, err)
	defer a.Close(nil)
	b, err := New(RoleResponder, outerB)
	require.NoError(t, err)
	defer b.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Handshake(ctx))
	require.NoError(t, b.Handshake(ctx))

	wb := a.Alloc(5)
	copy(wb.Bytes(), "hello")
	require.NoError(t, wb.Commit())
	require.ErrorIs(t, wb.Commit(), ErrBufferStale)

	got, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

// TestCloseUnblocksReadMessage confirms a clean peer close surfaces as
// io.EOF rather than hanging ReadMessage forever.
func TestCloseUnblocksReadMessage(t *testing.T) {
	outerA, outerB := NewBridge()
	a, err := New(RoleInitiator, outerA)
	require.NoError(t, err)
	b, err := New(RoleResponder, outerB)
	require.NoError(t, err)
	defer b.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Handshake(ctx))
	require.NoError(t, b.Handshake(ctx))

	require.NoError(t, a.Close(nil))

	_, err = b.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}
