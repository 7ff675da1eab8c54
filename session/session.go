package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/handshake"
	"github.com/netsys-lab/bittorrent-over-scion/message"
	"github.com/netsys-lab/bittorrent-over-scion/storage"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Run when the session was closed locally
var ErrClosed = errors.New("session closed")

// Session speaks the peer wire protocol with one remote peer over a
// transport connection. Run drives it; the owner issues requests and gets
// everything else back as events.
type Session struct {
	conn    net.Conn
	addr    string
	cfg     Config
	meta    *torrentfile.TorrentFile
	store   storage.Store
	localID [20]byte
	events  chan<- Event
	// handshake already read by whoever routed an inbound connection
	inbound *handshake.Handshake
	log     *log.Entry

	state int32

	mu           sync.Mutex
	remoteID     [20]byte
	peerBitfield bitfield.Bitfield
	peerChoking  bool
	inFlight     map[message.Request]time.Time
	closing      bool
	queue        []*message.Message
	uploads      int

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New prepares an outbound session; the handshake is sent by Run
func New(conn net.Conn, addr string, meta *torrentfile.TorrentFile, store storage.Store, localID [20]byte, events chan<- Event, cfg Config) *Session {
	s := &Session{
		conn:         conn,
		addr:         addr,
		cfg:          cfg.withDefaults(),
		meta:         meta,
		store:        store,
		localID:      localID,
		events:       events,
		peerBitfield: bitfield.New(meta.NumPieces()),
		peerChoking:  true,
		inFlight:     make(map[message.Request]time.Time),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.log = log.WithFields(log.Fields{
		"torrent": meta.HexInfoHash()[:8],
		"peer":    addr,
	})
	return s
}

// NewInbound prepares a session for a connection whose handshake was
// already consumed. Run answers it with our own handshake.
func NewInbound(conn net.Conn, addr string, remote *handshake.Handshake, meta *torrentfile.TorrentFile, store storage.Store, localID [20]byte, events chan<- Event, cfg Config) *Session {
	s := New(conn, addr, meta, store, localID, events, cfg)
	s.inbound = remote
	return s
}

func (s *Session) Addr() string {
	return s.addr
}

// Conn is the transport the session runs on
func (s *Session) Conn() net.Conn {
	return s.conn
}

func (s *Session) Inbound() bool {
	return s.inbound != nil
}

func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Bitfield returns a snapshot of the pieces the peer announced
func (s *Session) Bitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBitfield.Clone()
}

func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBitfield.HasPiece(index)
}

func (s *Session) Choked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// CanRequest reports whether Request would currently accept a block
func (s *Session) CanRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing && !s.peerChoking && len(s.inFlight) < s.cfg.MaxInFlight && s.State() >= Idle
}

// Done is closed once the session is shutting down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run performs the handshake and then services the connection until it
// fails, ctx is cancelled or Close is called. The ClosedEvent is emitted
// before Run returns.
func (s *Session) Run(ctx context.Context) error {
	err := s.run(ctx)
	s.Close()

	s.mu.Lock()
	pending := make([]message.Request, 0, len(s.inFlight))
	for req := range s.inFlight {
		pending = append(pending, req)
	}
	s.inFlight = make(map[message.Request]time.Time)
	s.mu.Unlock()

	if errors.Is(err, ErrClosed) {
		s.log.Debug("[Session] Closed")
	} else {
		s.log.Debugf("[Session] Closed: %v", err)
	}
	s.setState(Closed)
	s.emitFinal(ctx, ClosedEvent{Session: s, Err: err, Pending: pending})
	return err
}

func (s *Session) run(ctx context.Context) error {
	s.setState(Handshaking)
	if err := s.handshake(); err != nil {
		return err
	}
	s.setState(Idle)

	s.mu.Lock()
	remote := s.remoteID
	s.mu.Unlock()
	if !s.emit(ReadyEvent{Session: s, PeerID: remote}) {
		return ErrClosed
	}

	if bf := s.store.Bitfield(); bf.Count(s.meta.NumPieces()) > 0 {
		s.enqueue(message.FormatBitfield(bf))
	}
	if s.store.Bitfield().Count(s.meta.NumPieces()) < s.meta.NumPieces() {
		s.enqueue(&message.Message{ID: message.MsgInterested})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	writeErr := make(chan error, 1)
	go func() {
		err := s.writeLoop()
		writeErr <- err
		if err != nil {
			s.Close()
		}
	}()

	err := s.readLoop()
	s.Close()
	// a failed write closes the session and surfaces here as ErrClosed
	if werr := <-writeErr; werr != nil && errors.Is(err, ErrClosed) {
		err = werr
	}
	return err
}

func (s *Session) handshake() error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer s.conn.SetDeadline(time.Time{})

	local := handshake.New(s.meta.InfoHash, s.localID)
	remote := s.inbound
	if remote == nil {
		if _, err := s.conn.Write(local.Serialize()); err != nil {
			return s.ioError("handshake write", err)
		}
		var err error
		remote, err = handshake.Read(s.conn)
		if err != nil {
			return s.ioError("handshake read", err)
		}
	}

	if remote.InfoHash != s.meta.InfoHash {
		return bterrors.Newf(bterrors.KindProtocolViolation, "expected info hash %x but got %x", s.meta.InfoHash, remote.InfoHash)
	}
	if remote.PeerID == s.localID {
		return bterrors.Newf(bterrors.KindProtocolViolation, "connected to ourselves")
	}

	if s.inbound != nil {
		if _, err := s.conn.Write(local.Serialize()); err != nil {
			return s.ioError("handshake write", err)
		}
	}

	s.mu.Lock()
	s.remoteID = remote.PeerID
	s.mu.Unlock()
	s.log.Debugf("[Session] Handshake with %x done", remote.PeerID[:6])
	return nil
}

// ioError keeps protocol violations as they are and marks deadlines as
// timeouts
func (s *Session) ioError(op string, err error) error {
	if bterrors.KindOf(err) != bterrors.KindUnknown {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return bterrors.New(bterrors.KindTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Session) readLoop() error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.KeepAliveTimeout)); err != nil {
			return err
		}
		msg, err := message.Read(s.conn)
		if err != nil {
			select {
			case <-s.done:
				return ErrClosed
			default:
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return bterrors.New(bterrors.KindTimeout, "keepalive", err)
			}
			return s.ioError("read", err)
		}
		if msg == nil {
			continue
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handle(msg *message.Message) error {
	switch msg.ID {
	case message.MsgChoke:
		s.mu.Lock()
		s.peerChoking = true
		dropped := s.clearInFlightLocked()
		s.mu.Unlock()
		s.emit(ChokeEvent{Session: s, Choked: true, Dropped: dropped})
	case message.MsgUnchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.emit(ChokeEvent{Session: s, Choked: false})
	case message.MsgInterested:
		// every interested peer is unchoked
		s.enqueue(&message.Message{ID: message.MsgUnchoke})
	case message.MsgNotInterested:
	case message.MsgHave:
		index := int(msg.Index)
		if index >= s.meta.NumPieces() {
			return bterrors.Newf(bterrors.KindProtocolViolation, "have for piece %d of %d", index, s.meta.NumPieces())
		}
		s.mu.Lock()
		s.peerBitfield.SetPiece(index)
		s.mu.Unlock()
		s.emit(HaveEvent{Session: s, Index: index})
	case message.MsgBitfield:
		if !msg.Bitfield.Valid(s.meta.NumPieces()) {
			return bterrors.Newf(bterrors.KindProtocolViolation, "bitfield of %d bytes for %d pieces", len(msg.Bitfield), s.meta.NumPieces())
		}
		s.mu.Lock()
		s.peerBitfield = msg.Bitfield.Clone()
		snapshot := s.peerBitfield.Clone()
		s.mu.Unlock()
		s.emit(BitfieldEvent{Session: s, Bitfield: snapshot})
	case message.MsgRequest:
		return s.serve(msg.Request())
	case message.MsgPiece:
		return s.receive(msg.Request(), msg.Block)
	case message.MsgCancel:
		// queued uploads are small and already committed to the wire
	case message.MsgPort:
	}
	return nil
}

func (s *Session) serve(req message.Request) error {
	if req.Index < 0 || req.Index >= s.meta.NumPieces() {
		return bterrors.Newf(bterrors.KindProtocolViolation, "request %s out of range", req)
	}
	size := s.meta.PieceSize(req.Index)
	if req.Length <= 0 || req.Length > message.MaxBlockLength || req.Begin < 0 || req.Begin+req.Length > size {
		return bterrors.Newf(bterrors.KindProtocolViolation, "request %s exceeds piece of %d bytes", req, size)
	}
	if !s.store.HasPiece(req.Index) {
		return bterrors.Newf(bterrors.KindProtocolViolation, "request %s for piece we do not have", req)
	}

	s.mu.Lock()
	if s.uploads >= s.cfg.MaxQueuedUploads {
		s.mu.Unlock()
		return bterrors.Newf(bterrors.KindProtocolViolation, "more than %d queued requests", s.cfg.MaxQueuedUploads)
	}
	s.uploads++
	s.mu.Unlock()

	block, err := s.store.ReadBlock(req.Index, req.Begin, req.Length)
	if err != nil {
		s.mu.Lock()
		s.uploads--
		s.mu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return bterrors.Newf(bterrors.KindProtocolViolation, "request %s for piece we do not have", req)
		}
		return err
	}
	s.log.Tracef("[Session] Serving %s", req)
	s.enqueue(message.FormatPiece(req.Index, req.Begin, block))
	return nil
}

func (s *Session) receive(req message.Request, block []byte) error {
	if req.Index < 0 || req.Index >= s.meta.NumPieces() {
		return bterrors.Newf(bterrors.KindProtocolViolation, "piece message %s out of range", req)
	}
	s.mu.Lock()
	if _, ok := s.inFlight[req]; !ok {
		for r := range s.inFlight {
			if r.Index == req.Index && r.Begin == req.Begin {
				s.mu.Unlock()
				return bterrors.Newf(bterrors.KindProtocolViolation, "block %s answers request %s", req, r)
			}
		}
		s.mu.Unlock()
		// late answer to a cancelled or timed out request
		s.log.Tracef("[Session] Dropping unrequested block %s", req)
		return nil
	}
	delete(s.inFlight, req)
	s.updateStateLocked(true)
	s.mu.Unlock()

	s.emit(BlockEvent{Session: s, Request: req, Data: block})
	return nil
}

func (s *Session) updateStateLocked(received bool) {
	switch st := s.State(); {
	case st >= Closing || st < Idle:
	case len(s.inFlight) == 0:
		s.setState(Idle)
	case received:
		s.setState(Transferring)
	case st == Idle:
		s.setState(Requesting)
	}
}

func (s *Session) clearInFlightLocked() []message.Request {
	reqs := make([]message.Request, 0, len(s.inFlight))
	for req := range s.inFlight {
		reqs = append(reqs, req)
	}
	s.inFlight = make(map[message.Request]time.Time)
	s.updateStateLocked(false)
	return reqs
}

// Request asks the peer for a block. It returns false without side
// effects when the peer is choking us, lacks the piece, the in-flight cap
// is reached or the session is closing.
func (s *Session) Request(req message.Request) bool {
	s.mu.Lock()
	if s.closing || s.peerChoking || s.State() < Idle ||
		len(s.inFlight) >= s.cfg.MaxInFlight || !s.peerBitfield.HasPiece(req.Index) {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.inFlight[req]; ok {
		s.mu.Unlock()
		return false
	}
	s.inFlight[req] = time.Now().Add(s.cfg.RequestTimeout)
	s.updateStateLocked(false)
	s.queue = append(s.queue, message.FormatRequest(req))
	s.mu.Unlock()
	s.signal()
	return true
}

// Cancel withdraws an in-flight request. It reports whether the request
// was still outstanding.
func (s *Session) Cancel(req message.Request) bool {
	s.mu.Lock()
	if _, ok := s.inFlight[req]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.inFlight, req)
	s.updateStateLocked(false)
	s.mu.Unlock()
	s.enqueue(message.FormatCancel(req))
	return true
}

// SendHave announces a freshly verified piece
func (s *Session) SendHave(index int) {
	s.enqueue(message.FormatHave(index))
}

func (s *Session) enqueue(m *message.Message) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) writeLoop() error {
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	timeouts := time.NewTicker(s.timeoutTick())
	defer timeouts.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-s.done:
			return nil
		case <-s.wake:
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, m := range batch {
				if err := s.write(m); err != nil {
					return err
				}
				if m.ID == message.MsgPiece {
					s.mu.Lock()
					s.uploads--
					s.mu.Unlock()
				}
			}
			if len(batch) > 0 {
				lastWrite = time.Now()
			}
		case now := <-keepAlive.C:
			if now.Sub(lastWrite) >= s.cfg.KeepAliveInterval {
				if err := s.write(nil); err != nil {
					return err
				}
				lastWrite = now
			}
		case now := <-timeouts.C:
			s.expire(now)
		}
	}
}

func (s *Session) timeoutTick() time.Duration {
	tick := s.cfg.RequestTimeout / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	return tick
}

func (s *Session) write(m *message.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	// a nil message serializes to a keep-alive
	if _, err := s.conn.Write(m.Serialize()); err != nil {
		select {
		case <-s.done:
			return nil
		default:
		}
		return s.ioError("write", err)
	}
	return nil
}

// expire cancels requests past their deadline and reports them
func (s *Session) expire(now time.Time) {
	s.mu.Lock()
	var expired []message.Request
	for req, deadline := range s.inFlight {
		if now.After(deadline) {
			expired = append(expired, req)
			delete(s.inFlight, req)
		}
	}
	if len(expired) > 0 {
		s.updateStateLocked(false)
	}
	s.mu.Unlock()

	for _, req := range expired {
		s.log.Debugf("[Session] Request %s timed out", req)
		s.enqueue(message.FormatCancel(req))
		s.emit(TimeoutEvent{Session: s, Request: req})
	}
}

// emit hands an event to the owner unless the session is shutting down
func (s *Session) emit(e Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) emitFinal(ctx context.Context, e Event) {
	select {
	case s.events <- e:
	case <-ctx.Done():
	}
}

// Close stops the session; Run returns shortly after
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.queue = nil
		s.mu.Unlock()
		if s.State() < Closing {
			s.setState(Closing)
		}
		close(s.done)
		// transports may linger on close to flush queued data
		go s.conn.Close()
	})
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %s)", s.addr, s.State())
}
