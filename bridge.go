package noisestream

import (
	"errors"
	"io"
	"sync"
)

// ErrBridgeClosed is returned by a BridgeConn once it (or its peer) has
// been closed.
var ErrBridgeClosed = errors.New("noisestream: bridge closed")

// BridgeConn is one endpoint of an in-memory loopback Transport (C6),
// created by NewBridge. Unlike net.Pipe, a Write does not block waiting
// for a concurrent Read — data queues on a bounded buffered channel, the
// same trade-off gosuda-portal's bufferedPipeStream makes so that a
// handshake's back-to-back writes do not deadlock against a peer that has
// not started reading yet.
type BridgeConn struct {
	readCh  <-chan []byte
	writeCh chan<- []byte

	closeOnce   sync.Once
	closeCh     chan struct{}
	peerCloseCh <-chan struct{}

	mu      sync.Mutex
	readBuf []byte
}

const bridgeQueueDepth = 64

// NewBridge creates a connected pair of in-memory Transport endpoints.
// Bytes written to one side are delivered, in order, to Reads on the
// other.
func NewBridge() (a, b *BridgeConn) {
	ab := make(chan []byte, bridgeQueueDepth)
	ba := make(chan []byte, bridgeQueueDepth)
	aClose := make(chan struct{})
	bClose := make(chan struct{})

	a = &BridgeConn{readCh: ba, writeCh: ab, closeCh: aClose, peerCloseCh: bClose}
	b = &BridgeConn{readCh: ab, writeCh: ba, closeCh: bClose, peerCloseCh: aClose}
	return a, b
}

// Write implements Transport. It copies p (the caller may reuse its
// buffer immediately) and enqueues it for the peer's Read.
func (c *BridgeConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := append([]byte(nil), p...)
	// Check for a close first: the queue may still have room, and select
	// would otherwise pick between the send and the close at random.
	select {
	case <-c.closeCh:
		return 0, ErrBridgeClosed
	case <-c.peerCloseCh:
		return 0, ErrBridgeClosed
	default:
	}
	select {
	case <-c.closeCh:
		return 0, ErrBridgeClosed
	case <-c.peerCloseCh:
		return 0, ErrBridgeClosed
	case c.writeCh <- data:
		return len(p), nil
	}
}

// Read implements Transport.
func (c *BridgeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	select {
	case <-c.closeCh:
		return 0, io.EOF
	default:
	}

	// Prefer delivering queued data over a close signal so that a
	// write-then-close on the peer is never lost.
	select {
	case data, ok := <-c.readCh:
		if !ok {
			return 0, io.EOF
		}
		return c.deliver(p, data), nil
	default:
	}

	select {
	case data, ok := <-c.readCh:
		if !ok {
			return 0, io.EOF
		}
		return c.deliver(p, data), nil
	case <-c.closeCh:
		return 0, io.EOF
	case <-c.peerCloseCh:
		select {
		case data, ok := <-c.readCh:
			if ok {
				return c.deliver(p, data), nil
			}
		default:
		}
		return 0, io.EOF
	}
}

func (c *BridgeConn) deliver(p, data []byte) int {
	n := copy(p, data)
	if n < len(data) {
		c.mu.Lock()
		c.readBuf = data[n:]
		c.mu.Unlock()
	}
	return n
}

// Close implements Transport. Idempotent; closing either endpoint of a
// bridge unblocks any pending Read/Write on both sides.
func (c *BridgeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}
