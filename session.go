package noisestream

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/google/uuid"

	"gosuda.org/noisestream/internal/framing"
	"gosuda.org/noisestream/internal/noisehandshake"
	"gosuda.org/noisestream/internal/secretstream"
)

// Role identifies which side of the handshake a Session plays. The
// initiator sends the first Noise message; the responder waits for it.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Phase is the lifecycle state of a Session, monotonic except that any
// phase can transition directly to Closed.
type Phase int32

const (
	// PhaseHandshaking: the Noise handshake is in progress, or pending
	// for a deferred-start session that has not yet called Start.
	PhaseHandshaking Phase = iota
	// PhaseAwaitingHeader: the handshake completed and this side's
	// secret-stream header has been sent, but the peer's has not yet
	// arrived. Writes are already safe; reads are not.
	PhaseAwaitingHeader
	// PhaseEstablished: both header frames have been exchanged. Reads
	// and writes are both safe.
	PhaseEstablished
	// PhaseClosed: the session is torn down. No further I/O is possible.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseAwaitingHeader:
		return "awaiting-header"
	case PhaseEstablished:
		return "established"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the byte-stream contract a Session drives: an ordered,
// reliable, unbounded duplex byte stream. No framing, encryption, or
// message-boundary guarantee is assumed of it — Session supplies all of
// that. A concrete transport (TCP, a pipe, NewBridge's in-memory bridge)
// is supplied by the caller; this module never dials or listens itself.
type Transport = io.ReadWriteCloser

// Hinter is the optional capability a Transport may implement to receive
// a best-effort estimate of how many more bytes the frame currently being
// reassembled still needs.
type Hinter = framing.Hinter

// EventKind identifies the variant carried by an Event.
type EventKind int

const (
	// EventHandshake fires once, when the local handshake and
	// secret-stream setup complete and this side's header frame has been
	// sent (phase reaches AwaitingHeader).
	EventHandshake EventKind = iota
	// EventOpen fires once, when the peer's header frame has been
	// received and validated (phase reaches Established).
	EventOpen
	// EventEnd fires immediately before EventClose when the session is
	// torn down without a cause: a clean end of input (io.EOF) from the
	// transport, or Close(nil).
	EventEnd
	// EventError fires immediately before EventClose when the session is
	// torn down with a non-nil cause.
	EventError
	// EventClose fires exactly once, last, whenever the session is torn
	// down for any reason.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventHandshake:
		return "handshake"
	case EventOpen:
		return "open"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification delivered on Session.Events. The
// channel is a best-effort secondary notification surface: it is small
// and buffered, and a slow consumer can miss an event. Authoritative
// state is always available via the blocking calls (Handshake,
// ReadMessage, WriteMessage) and the Phase accessor.
type Event struct {
	Kind EventKind
	Err  error
}

// Session is one end of an encrypted duplex byte stream: a Noise
// handshake, secret-stream framing, and lifecycle management layered over
// a transport-agnostic Transport. It owns exactly one reader goroutine
// (started by New or Start) that drives every inbound state transition;
// writeMu serializes every outbound transition. The zero value is not
// usable; construct with New.
type Session struct {
	id   uuid.UUID
	role Role
	cfg  config

	mu        sync.Mutex
	phase     Phase
	localKP   KeyPair
	remotePub []byte
	hsHash    []byte
	closeErr  error

	transport Transport
	parser    *framing.Parser
	driver    *noisehandshake.Driver

	writeMu sync.Mutex
	push    *secretstream.Push
	pull    *secretstream.Pull

	writableCh   chan struct{}
	writableOnce sync.Once
	openedCh     chan struct{}
	openedOnce   sync.Once
	closedCh     chan struct{}

	closeOnce sync.Once

	incoming        chan []byte
	readTerminalErr error

	events chan Event

	startedFlag atomic.Bool
}

// New constructs a Session playing role over transport. If opts includes
// WithDeferredStart, transport must be nil; the caller must then call
// Start exactly once before doing any I/O. If transport is nil and
// WithDeferredStart is not used, the session drives one end of a fresh
// in-memory bridge (see NewBridge); the other end is unreachable, so this
// is only useful in tests that only need one side's externally-visible
// behavior.
func New(role Role, transport Transport, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.deferredStart && transport != nil {
		return nil, fmt.Errorf("noisestream: transport must be nil when using WithDeferredStart")
	}

	s := &Session{
		id:         uuid.New(),
		role:       role,
		cfg:        cfg,
		writableCh: make(chan struct{}),
		openedCh:   make(chan struct{}),
		closedCh:   make(chan struct{}),
		incoming:   make(chan []byte),
		events:     make(chan Event, 8),
	}

	if cfg.deferredStart {
		return s, nil
	}
	s.startedFlag.Store(true)
	if err := s.start(transport); err != nil {
		return nil, err
	}
	return s, nil
}

// Start attaches transport to a Session constructed with WithDeferredStart
// and begins handshaking. It may be called exactly once.
func (s *Session) Start(transport Transport, opts ...Option) error {
	if !s.cfg.deferredStart {
		return ErrNotDeferred
	}
	if !s.startedFlag.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, o := range opts {
		o(&s.cfg)
	}
	return s.start(transport)
}

func (s *Session) start(transport Transport) error {
	if transport == nil {
		_, inner := NewBridge()
		transport = inner
	}
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	var hint framing.Hinter
	if h, ok := transport.(framing.Hinter); ok {
		hint = h
	}
	s.parser = framing.NewParser(hint)

	if hr := s.cfg.handshakeResult; hr != nil {
		s.localKP = KeyPair{PublicKey: hr.PublicKey}
		if err := s.completeHandshake(noisehandshake.Result{
			Complete:     true,
			Tx:           hr.Tx,
			Rx:           hr.Rx,
			Hash:         hr.Hash,
			RemoteStatic: hr.RemotePublicKey,
		}); err != nil {
			s.Close(err)
			return err
		}
	} else {
		if kp := s.cfg.keyPair; kp != nil {
			s.localKP = *kp
		} else {
			kp, err := GenerateKeyPair(nil)
			if err != nil {
				return fmt.Errorf("noisestream: %w", err)
			}
			s.localKP = kp
		}

		// The Noise state only takes the pinned remote key when the pattern
		// carries it as a pre-message; for patterns that transmit it (XX),
		// completeHandshake compares it against the learned key instead.
		peerPre := s.cfg.pattern.ResponderPreMessages
		if s.role == RoleResponder {
			peerPre = s.cfg.pattern.InitiatorPreMessages
		}
		var peerStatic []byte
		if len(peerPre) > 0 {
			peerStatic = s.cfg.remotePublicKey
		}
		driver, err := noisehandshake.NewDriver(noisehandshake.Config{
			Initiator:     s.role == RoleInitiator,
			Pattern:       s.cfg.pattern,
			StaticKeyPair: s.localKP.toDHKey(),
			PeerStatic:    peerStatic,
		})
		if err != nil {
			return fmt.Errorf("noisestream: %w", err)
		}
		s.driver = driver

		if s.role == RoleInitiator {
			res, err := driver.Send()
			if err != nil {
				werr := fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
				s.Close(werr)
				return werr
			}
			if err := s.sendRaw(res.Data); err != nil {
				s.Close(err)
				return err
			}
		}
	}

	if len(s.cfg.headBuffer) > 0 {
		if err := s.parser.Feed(s.cfg.headBuffer, s.handleFrame); err != nil {
			s.Close(err)
			return err
		}
	}
	if s.cfg.ended {
		s.Close(nil)
	}

	go s.readLoop()
	return nil
}

// readLoop owns every inbound state transition: parsing, handshake
// driving, header verification, and decrypt-then-dispatch of data frames.
// It is the only goroutine that ever calls handleFrame once start
// returns (the synchronous WithHeadBuffer replay inside start is the
// only other caller, and always finishes before readLoop begins, so
// there is never more than one goroutine inside handleFrame at a time).
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.transport.Read(buf)
		if n > 0 {
			if ferr := s.parser.Feed(buf[:n], s.handleFrame); ferr != nil {
				s.Close(ferr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				s.Close(nil)
			} else {
				s.Close(err)
			}
			return
		}
	}
}

func (s *Session) handleFrame(payload []byte) error {
	switch s.getPhase() {
	case PhaseHandshaking:
		return s.handleHandshakeFrame(payload)
	case PhaseAwaitingHeader:
		return s.handleHeaderFrame(payload)
	case PhaseEstablished:
		return s.handleDataFrame(payload)
	default:
		return nil
	}
}

func (s *Session) handleHandshakeFrame(payload []byte) error {
	if s.driver == nil {
		return fmt.Errorf("%w: unexpected handshake frame", ErrHandshakeFailed)
	}
	res, err := s.driver.Recv(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if res.Data != nil {
		if err := s.sendRaw(res.Data); err != nil {
			return err
		}
	}
	if res.Complete {
		return s.completeHandshake(res)
	}
	return nil
}

func (s *Session) completeHandshake(res noisehandshake.Result) error {
	if s.cfg.remotePublicKey != nil && subtle.ConstantTimeCompare(s.cfg.remotePublicKey, res.RemoteStatic) != 1 {
		return ErrRemoteKeyMismatch
	}
	s.mu.Lock()
	s.remotePub = append([]byte(nil), res.RemoteStatic...)
	s.hsHash = append([]byte(nil), res.Hash...)
	s.mu.Unlock()
	return s.setupSecretStream(res.Tx, res.Rx)
}

// setupSecretStream builds the Push/Pull pair and sends this side's
// header frame (32-byte stream id ∥ 24-byte secret-stream header). This
// is always the first write after the handshake messages: app writes block on
// awaitWritable, which only unblocks after this returns, so the header
// frame is guaranteed to be the first bytes written on the wire even if
// the caller queued a WriteMessage before the handshake finished.
func (s *Session) setupSecretStream(tx, rx *noise.CipherState) error {
	push, err := secretstream.NewPush(tx)
	if err != nil {
		return err
	}
	pull := secretstream.NewPull(rx)

	s.mu.Lock()
	s.push = push
	s.pull = pull
	hash := s.hsHash
	s.mu.Unlock()

	id := DeriveStreamID(hash, s.role == RoleInitiator)
	header := make([]byte, 0, 32+secretstream.HeaderSize)
	header = append(header, id[:]...)
	header = append(header, push.Header()...)

	if err := s.sendRaw(header); err != nil {
		return err
	}
	s.setPhase(PhaseAwaitingHeader)
	s.writableOnce.Do(func() { close(s.writableCh) })
	s.emit(Event{Kind: EventHandshake})
	return nil
}

func (s *Session) handleHeaderFrame(payload []byte) error {
	if len(payload) != 32+secretstream.HeaderSize {
		return ErrBadHeaderLength
	}
	s.mu.Lock()
	hash := s.hsHash
	pull := s.pull
	s.mu.Unlock()

	expected := expectedPeerStreamID(hash, s.role == RoleInitiator)
	if subtle.ConstantTimeCompare(payload[:32], expected[:]) != 1 {
		return ErrBadHeaderID
	}
	if err := pull.Init(payload[32:]); err != nil {
		return fmt.Errorf("%w: %w", ErrBadHeaderLength, err)
	}
	s.setPhase(PhaseEstablished)
	s.openedOnce.Do(func() { close(s.openedCh) })
	s.emit(Event{Kind: EventOpen})
	return nil
}

func (s *Session) handleDataFrame(payload []byte) error {
	s.mu.Lock()
	pull := s.pull
	s.mu.Unlock()

	if len(payload) < secretstream.Overhead {
		return ErrBadDataFrame
	}
	plain, err := pull.Next(nil, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadDataFrame, err)
	}
	select {
	case s.incoming <- plain:
		return nil
	case <-s.closedCh:
		return ErrDestroyed
	}
}

// sendRaw frames payload (length prefix only, no encryption) and writes
// it directly to the transport. Used for handshake messages and the
// one-time header frame, neither of which is secret-stream data.
func (s *Session) sendRaw(payload []byte) error {
	framed, err := framing.Encode(nil, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err = s.transport.Write(framed)
	s.writeMu.Unlock()
	return err
}

// sendFrame seals plaintext into dst (which must already carry a 3-byte
// length-prefix placeholder) and writes the resulting frame. dst and
// plaintext may alias the same backing array starting at the same offset
// (plaintext[:0] idiom) for in-place encryption — see Alloc/Commit — or
// be entirely separate buffers for a simple copying write.
func (s *Session) sendFrame(dst, plaintext []byte) error {
	if len(plaintext) > framing.MaxFrameLen-secretstream.Overhead {
		return ErrFrameTooLarge
	}
	if err := s.awaitWritable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.closedErr(); err != nil {
		return err
	}

	sealed, err := s.push.Next(dst, plaintext)
	if err != nil {
		s.Close(err)
		return err
	}
	if err := framing.PatchLength(sealed); err != nil {
		s.Close(err)
		return err
	}
	if _, err := s.transport.Write(sealed); err != nil {
		s.Close(err)
		return err
	}
	return nil
}

// WriteMessage encrypts and writes p as a single frame, preserving its
// boundary on the peer's matching ReadMessage call. It blocks until this
// side's secret-stream encryptor is ready (handshake done, header sent);
// it does not wait for the peer's header.
func (s *Session) WriteMessage(p []byte) error {
	dst := make([]byte, 3, 3+1+len(p)+secretstream.MACSize)
	return s.sendFrame(dst, p)
}

// ReadMessage blocks until the next plaintext frame has been decrypted,
// or the session ends. Once the session is torn down, every subsequent
// call returns the same terminal error: io.EOF for a clean end, or the
// error that caused the teardown. incoming is never closed (a sender in
// handleDataFrame may be parked on it concurrently with Close), so this
// always selects rather than relying on a closed-channel zero value.
func (s *Session) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.incoming:
		return data, nil
	case <-s.closedCh:
		s.mu.Lock()
		err := s.readTerminalErr
		s.mu.Unlock()
		return nil, err
	}
}

// WriteBuffer is a one-shot allocation returned by Alloc: the caller
// fills Bytes() in place and calls Commit to seal and send it without an
// extra copy of the plaintext.
type WriteBuffer struct {
	session   *Session
	buf       []byte
	plainLen  int
	committed atomic.Bool
}

// Alloc reserves a buffer sized to hold an n-byte plaintext frame. The
// caller must fill Bytes() before calling Commit exactly once; a second
// Commit returns ErrBufferStale. The frame is always sent on the Session
// that allocated it.
func (s *Session) Alloc(n int) *WriteBuffer {
	buf := make([]byte, 3+1+n, 3+1+n+secretstream.MACSize)
	return &WriteBuffer{session: s, buf: buf, plainLen: n}
}

// Bytes returns the plaintext window to fill before calling Commit.
func (wb *WriteBuffer) Bytes() []byte {
	return wb.buf[4 : 4+wb.plainLen]
}

// Commit seals the buffer in place (no additional copy of the plaintext)
// and writes the resulting frame.
func (wb *WriteBuffer) Commit() error {
	if !wb.committed.CompareAndSwap(false, true) {
		return ErrBufferStale
	}
	dst := wb.buf[:3]
	plaintext := wb.buf[4 : 4+wb.plainLen]
	return wb.session.sendFrame(dst, plaintext)
}

// Events returns a channel of lifecycle notifications. It is optional;
// every state change it reports is also observable through blocking
// calls and the Phase accessor. The channel is never closed; EventClose
// marks the end of the session's lifecycle.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// Handshake blocks until the session reaches PhaseEstablished (both
// header frames exchanged) or is torn down before getting there.
func (s *Session) Handshake(ctx context.Context) error {
	select {
	case <-s.openedCh:
		return nil
	default:
	}
	select {
	case <-s.openedCh:
		return nil
	case <-s.closedCh:
		return s.closedErrOrDestroyed()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) awaitWritable() error {
	select {
	case <-s.writableCh:
	case <-s.closedCh:
	}
	return s.closedErr()
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseClosed {
		return nil
	}
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrDestroyed
}

func (s *Session) closedErrOrDestroyed() error {
	if err := s.closedErr(); err != nil {
		return err
	}
	return ErrDestroyed
}

func (s *Session) getPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase reports the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	return s.getPhase()
}

// Role reports which side of the handshake this session played.
func (s *Session) Role() Role {
	return s.role
}

// PublicKey returns this side's long-term Noise static public key.
func (s *Session) PublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.localKP.PublicKey...)
}

// RemotePublicKey returns the peer's long-term Noise static public key,
// known once the handshake completes.
func (s *Session) RemotePublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.remotePub...)
}

// HandshakeHash returns the Noise transcript hash (channel binding
// value), known once the handshake completes. It is safe to use for
// out-of-band channel binding but, per streamid.go's derivation, must
// never be treated as secret key material: it is computable by anyone
// who observed the handshake on the wire.
func (s *Session) HandshakeHash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.hsHash...)
}

// ID returns a process-local correlation id for logging, distinct from
// any cryptographic identity.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Close tears the session down and closes the underlying transport. The
// Transport contract has no way to carry cause, so it is recorded on the
// session and reported through Events and the blocking calls. It is idempotent: subsequent
// calls are no-ops that return the original cause. Any pending
// Handshake, ReadMessage, or WriteMessage call is unblocked with an
// error derived from cause.
func (s *Session) Close(cause error) error {
	fired := false
	s.closeOnce.Do(func() {
		fired = true
		terminal := cause
		if terminal == nil {
			terminal = io.EOF
		}
		s.mu.Lock()
		s.closeErr = cause
		s.phase = PhaseClosed
		s.readTerminalErr = terminal
		transport := s.transport
		s.mu.Unlock()

		// openedCh is left open: Handshake sees closedCh instead and
		// reports the teardown rather than success.
		s.writableOnce.Do(func() { close(s.writableCh) })
		close(s.closedCh)

		if transport != nil {
			_ = transport.Close()
		}

		if cause != nil {
			s.emit(Event{Kind: EventError, Err: cause})
		} else {
			s.emit(Event{Kind: EventEnd})
		}
		s.emit(Event{Kind: EventClose})

		logEvt := s.cfg.logger.Debug()
		if cause != nil {
			logEvt = s.cfg.logger.Warn().Err(cause)
		}
		logEvt.Str("session", s.id.String()).Str("role", s.role.String()).Msg("session closed")
	})
	if !fired {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closeErr
	}
	return cause
}
