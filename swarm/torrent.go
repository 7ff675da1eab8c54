package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/handshake"
	"github.com/netsys-lab/bittorrent-over-scion/message"
	"github.com/netsys-lab/bittorrent-over-scion/packets"
	"github.com/netsys-lab/bittorrent-over-scion/peers"
	"github.com/netsys-lab/bittorrent-over-scion/session"
	"github.com/netsys-lab/bittorrent-over-scion/storage"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// peerInfo outlives single sessions so scores survive reconnects
type peerInfo struct {
	addr         string
	peerID       [20]byte
	score        float64
	timeouts     int
	hashFailures int
	downloaded   int64
	// added through AddPeer, redialed when lost
	dialable     bool
	dialing      bool
	dialFailures int
	nextDial     time.Time
	conn         *peerConn
}

// peerConn is the coordinator's view of one running session
type peerConn struct {
	session   *session.Session
	peer      *peerInfo
	have      bitfield.Bitfield
	ready     bool
	inFlight  int
	duplicate bool
}

type hashResult struct {
	index int
	res   storage.VerifyResult
	err   error
}

// pathMetrics is implemented by the multipath transport
type pathMetrics interface {
	Metrics() []packets.PathMetricsSnapshot
	ActivePath() string
}

// torrent is driven by a single goroutine (run) that owns all piece,
// availability and peer state. Everything else talks to it through cmds.
type torrent struct {
	c     *Coordinator
	meta  *torrentfile.TorrentFile
	store storage.Store
	opts  Options
	log   *log.Entry

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan session.Event
	results chan hashResult
	cmds    chan func()
	done    chan struct{}
	wg      sync.WaitGroup

	complete     chan struct{}
	completeOnce sync.Once
	closeErr     error

	picker       *picker
	book         *peers.PeerSet
	peers        map[string]*peerInfo
	conns        map[*session.Session]*peerConn
	outstanding  int
	hashFailures int
	degraded     bool
	err          error
}

func newTorrent(c *Coordinator, meta *torrentfile.TorrentFile, store storage.Store) *torrent {
	ctx, cancel := context.WithCancel(context.Background())
	t := &torrent{
		c:        c,
		meta:     meta,
		store:    store,
		opts:     c.opts,
		log:      log.WithField("torrent", meta.HexInfoHash()[:8]),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan session.Event, 256),
		results:  make(chan hashResult, 16),
		cmds:     make(chan func()),
		done:     make(chan struct{}),
		complete: make(chan struct{}),
		picker:   newPicker(meta.NumPieces(), c.opts.BlockSize, meta.PieceSize),
		book:     peers.NewPeerSet(),
		peers:    make(map[string]*peerInfo),
		conns:    make(map[*session.Session]*peerConn),
	}
	have := store.Bitfield()
	for i, pi := range t.picker.pieces {
		if have.HasPiece(i) {
			pi.state = Verified
		}
	}
	return t
}

func (t *torrent) run() {
	defer close(t.done)
	t.checkComplete()
	t.log.Infof("[Swarm] Started %s with %d of %d pieces", t.meta.Name, t.picker.verifiedCount(), t.meta.NumPieces())

	tick := t.opts.ReconnectInterval / 4
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.shutdown()
			return
		case e := <-t.events:
			t.handleEvent(e)
		case r := <-t.results:
			t.handleResult(r)
		case f := <-t.cmds:
			f()
		case now := <-ticker.C:
			t.redial(now)
		}
		t.schedule()
	}
}

func (t *torrent) shutdown() {
	for _, pc := range t.conns {
		pc.session.Close()
	}
	// sessions, dials and hash workers all stop on the cancelled context
	t.wg.Wait()
	for _, pi := range t.picker.pieces {
		if pi.state != Verified {
			pi.reset()
		}
	}
	t.closeErr = t.store.Close()
	t.log.Infof("[Swarm] Stopped %s", t.meta.Name)
}

// do runs f on the torrent goroutine and waits for it
func (t *torrent) do(f func()) error {
	finished := make(chan struct{})
	select {
	case t.cmds <- func() { f(); close(finished) }:
	case <-t.done:
		return ErrUnknownTorrent
	}
	<-finished
	return nil
}

// post queues f without waiting. It returns false once the torrent stops.
func (t *torrent) post(f func()) bool {
	select {
	case t.cmds <- f:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *torrent) isComplete() bool {
	select {
	case <-t.complete:
		return true
	default:
		return false
	}
}

func (t *torrent) checkComplete() {
	if t.picker.verifiedCount() == t.meta.NumPieces() {
		t.completeOnce.Do(func() {
			t.log.Infof("[Swarm] %s complete", t.meta.Name)
			close(t.complete)
		})
	}
}

func (t *torrent) addPeer(addr string) {
	p, ok := t.peers[addr]
	if !ok {
		p = &peerInfo{addr: addr}
		t.peers[addr] = p
	}
	t.book.Add(addr)
	p.dialable = true
	p.dialFailures = 0
	if p.conn == nil && !p.dialing {
		t.dial(p)
	}
}

func (t *torrent) dial(p *peerInfo) {
	p.dialing = true
	p.nextDial = time.Time{}
	t.log.Debugf("[Swarm] Dialing %s", p.addr)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
		conn, err := t.c.dial(ctx, p.addr)
		cancel()
		posted := t.post(func() { t.dialed(p, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (t *torrent) dialed(p *peerInfo, conn net.Conn, err error) {
	p.dialing = false
	if err != nil {
		p.dialFailures++
		if p.dialFailures >= t.opts.MaxDialFailures {
			t.log.Warnf("[Swarm] Giving up on %s after %d failed dials: %v", p.addr, p.dialFailures, err)
			return
		}
		t.log.Debugf("[Swarm] Dial %s failed: %v", p.addr, err)
		p.nextDial = time.Now().Add(t.opts.ReconnectInterval)
		return
	}
	if p.conn != nil {
		conn.Close()
		return
	}
	s := session.New(conn, p.addr, t.meta, t.store, t.c.peerID, t.events, t.opts.Session)
	t.startSession(s, p)
}

func (t *torrent) acceptInbound(conn net.Conn, hs *handshake.Handshake) {
	addr := conn.RemoteAddr().String()
	p, ok := t.peers[addr]
	if !ok {
		p = &peerInfo{addr: addr}
		t.peers[addr] = p
	}
	if p.conn != nil {
		t.log.Debugf("[Swarm] Rejecting second connection from %s", addr)
		conn.Close()
		return
	}
	s := session.NewInbound(conn, addr, hs, t.meta, t.store, t.c.peerID, t.events, t.opts.Session)
	t.startSession(s, p)
}

func (t *torrent) startSession(s *session.Session, p *peerInfo) {
	pc := &peerConn{session: s, peer: p, have: bitfield.New(t.meta.NumPieces())}
	t.conns[s] = pc
	p.conn = pc
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.Run(t.ctx)
	}()
}

func (t *torrent) redial(now time.Time) {
	if t.isComplete() || t.degraded {
		return
	}
	for _, p := range t.peers {
		if p.dialable && p.conn == nil && !p.dialing && !p.nextDial.IsZero() && now.After(p.nextDial) {
			t.dial(p)
		}
	}
}

func (t *torrent) handleEvent(e session.Event) {
	pc, ok := t.conns[e.From()]
	if !ok {
		return
	}
	switch ev := e.(type) {
	case session.ReadyEvent:
		for _, other := range t.conns {
			if other == pc || !other.ready || other.peer.peerID != ev.PeerID {
				continue
			}
			drop := pc
			if t.dialerID(pc, ev.PeerID) < t.dialerID(other, ev.PeerID) {
				drop = other
			}
			t.log.Debugf("[Swarm] %s is already connected as %s, closing %s", pc.peer.addr, other.peer.addr, drop.peer.addr)
			drop.duplicate = true
			drop.ready = false
			drop.session.Close()
			if drop == pc {
				return
			}
			break
		}
		pc.ready = true
		pc.peer.peerID = ev.PeerID
		pc.peer.dialFailures = 0
		if m, ok := pc.session.Conn().(pathMetrics); ok {
			var fps []string
			for _, snap := range m.Metrics() {
				fps = append(fps, snap.Fingerprint)
			}
			t.book.SetPaths(pc.peer.addr, fps)
		}
		t.log.Debugf("[Swarm] Session with %s ready", pc.peer.addr)
	case session.BitfieldEvent:
		for i := 0; i < t.meta.NumPieces(); i++ {
			had, has := pc.have.HasPiece(i), ev.Bitfield.HasPiece(i)
			switch {
			case has && !had:
				t.picker.addHave(i)
			case had && !has:
				t.picker.removeHave(i)
			}
		}
		pc.have = ev.Bitfield
	case session.HaveEvent:
		if !pc.have.HasPiece(ev.Index) {
			pc.have.SetPiece(ev.Index)
			t.picker.addHave(ev.Index)
		}
	case session.ChokeEvent:
		for _, req := range ev.Dropped {
			t.release(pc, req, false)
		}
	case session.BlockEvent:
		t.handleBlock(pc, ev.Request, ev.Data)
	case session.TimeoutEvent:
		if t.release(pc, ev.Request, true) {
			pc.peer.timeouts++
			pc.peer.score += t.opts.TimeoutPenalty
			t.log.Debugf("[Swarm] Request %s to %s timed out, score %.1f", ev.Request, pc.peer.addr, pc.peer.score)
		}
	case session.ClosedEvent:
		t.dropConn(pc, ev.Pending, ev.Err)
	}
}

// release takes a block back from pc so it can be requested again. A
// timed out block is never given to the same session again.
func (t *torrent) release(pc *peerConn, req message.Request, timedOut bool) bool {
	pi := t.picker.pieces[req.Index]
	if pi.state != Requested {
		return false
	}
	bi, ok := pi.blockIndex(req)
	if !ok || pi.blocks[bi].owner != pc {
		return false
	}
	b := &pi.blocks[bi]
	b.owner = nil
	pc.inFlight--
	t.outstanding--
	if timedOut {
		if b.excluded == nil {
			b.excluded = make(map[*peerConn]bool)
		}
		b.excluded[pc] = true
	}
	return true
}

func (t *torrent) handleBlock(pc *peerConn, req message.Request, data []byte) {
	pi := t.picker.pieces[req.Index]
	if pi.state != Requested {
		return
	}
	bi, ok := pi.blockIndex(req)
	if !ok {
		return
	}
	b := &pi.blocks[bi]
	if b.owner != pc || b.received {
		return
	}
	b.owner = nil
	b.received = true
	pc.inFlight--
	t.outstanding--
	copy(pi.buf[req.Begin:], data)
	pi.received++
	pi.contributors[pc.peer] = true

	pc.peer.downloaded += int64(len(data))
	pc.peer.score -= t.opts.ScoreDecay
	if pc.peer.score < 0 {
		pc.peer.score = 0
	}

	if pi.received == len(pi.blocks) {
		pi.state = verifying
		t.verify(pi.index, pi.buf)
	}
}

// verify hands a complete piece to a hash worker
func (t *torrent) verify(index int, data []byte) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.c.hashers.Acquire(t.ctx, 1); err != nil {
			return
		}
		res, err := t.store.Put(index, data)
		t.c.hashers.Release(1)
		select {
		case t.results <- hashResult{index: index, res: res, err: err}:
		case <-t.ctx.Done():
		}
	}()
}

func (t *torrent) handleResult(r hashResult) {
	pi := t.picker.pieces[r.index]
	if pi.state != verifying {
		return
	}
	switch {
	case r.err != nil:
		pi.reset()
		t.degrade(r.err)
	case r.res == storage.Corrupt:
		contributors := pi.contributors
		t.cancelPiece(pi)
		pi.reset()
		t.hashFailures++
		addrs := make([]string, 0, len(contributors))
		for p := range contributors {
			p.hashFailures++
			p.score += t.opts.HashFailurePenalty
			addrs = append(addrs, p.addr)
		}
		sort.Strings(addrs)
		err := bterrors.New(bterrors.KindVerificationFailure, fmt.Sprintf("piece %d", r.index), nil)
		t.log.Warnf("[Swarm] %v, blocks from %v discarded", err, addrs)
	default:
		t.cancelPiece(pi)
		pi.reset()
		pi.state = Verified
		t.log.Tracef("[Swarm] Piece %d %s", r.index, r.res)
		for _, pc := range t.conns {
			if pc.ready {
				pc.session.SendHave(r.index)
			}
		}
		t.checkComplete()
	}
}

// cancelPiece withdraws every in-flight request for the piece
func (t *torrent) cancelPiece(pi *piece) {
	for i := range pi.blocks {
		b := &pi.blocks[i]
		if b.owner == nil {
			continue
		}
		b.owner.session.Cancel(b.req)
		b.owner.inFlight--
		t.outstanding--
		b.owner = nil
	}
}

// degrade stops all downloading after a local storage fault
func (t *torrent) degrade(err error) {
	if t.degraded {
		return
	}
	t.degraded = true
	t.err = err
	for _, pi := range t.picker.pieces {
		if pi.state == Requested {
			t.cancelPiece(pi)
			pi.reset()
		}
	}
	t.log.Errorf("[Swarm] Storage failure, torrent degraded: %v", err)
}

func (t *torrent) dropConn(pc *peerConn, pending []message.Request, cause error) {
	delete(t.conns, pc.session)
	for _, req := range pending {
		t.release(pc, req, false)
	}
	for _, pi := range t.picker.pieces {
		for i := range pi.blocks {
			b := &pi.blocks[i]
			if b.owner == pc {
				b.owner = nil
				pc.inFlight--
				t.outstanding--
			}
			delete(b.excluded, pc)
		}
	}
	for i := 0; i < t.meta.NumPieces(); i++ {
		if pc.have.HasPiece(i) {
			t.picker.removeHave(i)
		}
	}

	p := pc.peer
	if p.conn == pc {
		p.conn = nil
	}
	if bterrors.KindOf(cause) == bterrors.KindStorageFailure {
		t.degrade(cause)
	}
	if cause != nil && !errors.Is(cause, session.ErrClosed) {
		t.log.Infof("[Swarm] Session with %s closed: %v", p.addr, cause)
	}
	switch {
	case pc.duplicate:
	case p.dialable:
		p.nextDial = time.Now().Add(t.opts.ReconnectInterval)
	case p.conn == nil:
		delete(t.peers, p.addr)
	}
}

// dialerID is the peer id of the side that opened pc. Of two connections
// between the same peers both sides keep the one opened by the lower id,
// the other is a duplicate. Ties keep the older connection.
func (t *torrent) dialerID(pc *peerConn, remote [20]byte) string {
	if pc.session.Inbound() {
		return string(remote[:])
	}
	return string(t.c.peerID[:])
}

// requestOrder lists the sessions that may get requests, healthy peers
// first and then by score and address
func (t *torrent) requestOrder() []*peerConn {
	res := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		if pc.ready {
			res = append(res, pc)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i].peer, res[j].peer
		da, db := t.demoted(a), t.demoted(b)
		if da != db {
			return !da
		}
		if a.score != b.score {
			return a.score < b.score
		}
		return a.addr < b.addr
	})
	return res
}

func (t *torrent) demoted(p *peerInfo) bool {
	return p.score >= t.opts.DemoteScore
}

func (t *torrent) schedule() {
	if t.degraded || t.isComplete() || t.ctx.Err() != nil {
		return
	}
	for _, pc := range t.requestOrder() {
		for t.outstanding < t.opts.MaxOutstanding && pc.session.CanRequest() {
			pi, bi, ok := t.picker.pick(pc)
			if !ok {
				break
			}
			b := &pi.blocks[bi]
			if !pc.session.Request(b.req) {
				break
			}
			b.owner = pc
			pc.inFlight++
			t.outstanding++
		}
		if t.outstanding >= t.opts.MaxOutstanding {
			return
		}
	}
}

func (t *torrent) status() Status {
	st := Status{
		InfoHash:     t.meta.HexInfoHash(),
		Name:         t.meta.Name,
		Total:        int64(t.meta.Length),
		NumPieces:    t.meta.NumPieces(),
		PieceBitmap:  bitfield.New(t.meta.NumPieces()),
		PieceStates:  make([]PieceState, t.meta.NumPieces()),
		Outstanding:  t.outstanding,
		HashFailures: t.hashFailures,
		Degraded:     t.degraded,
		KnownPeers:   t.book.List(),
	}
	for i, pi := range t.picker.pieces {
		st.PieceStates[i] = pi.state
		if pi.state == verifying {
			st.PieceStates[i] = Requested
		}
		if pi.state == Verified {
			st.PieceBitmap.SetPiece(i)
			st.VerifiedPieces++
			st.Downloaded += int64(t.meta.PieceSize(i))
		}
	}
	if t.err != nil {
		st.Error = t.err.Error()
	}
	switch {
	case t.degraded:
		st.State = "degraded"
	case t.isComplete():
		st.State = "seeding"
	default:
		st.State = "downloading"
	}

	paths := map[string]bool{}
	for _, pc := range t.conns {
		p := pc.peer
		ps := PeerStatus{
			Addr:         p.addr,
			PeerID:       fmt.Sprintf("%x", p.peerID),
			State:        pc.session.State().String(),
			Inbound:      pc.session.Inbound(),
			InFlight:     pc.inFlight,
			Downloaded:   p.downloaded,
			Score:        p.score,
			Demoted:      t.demoted(p),
			Timeouts:     p.timeouts,
			HashFailures: p.hashFailures,
		}
		if m, ok := pc.session.Conn().(pathMetrics); ok {
			ps.ActivePath = m.ActivePath()
			ps.Paths = m.Metrics()
			for _, snap := range ps.Paths {
				paths[snap.Fingerprint] = true
				st.ReadBandwidth += snap.ReadBandwidth
				st.WriteBandwidth += snap.WriteBandwidth
			}
		}
		st.Peers = append(st.Peers, ps)
	}
	sort.Slice(st.Peers, func(i, j int) bool {
		return st.Peers[i].Addr < st.Peers[j].Addr
	})
	st.PeerCount = len(st.Peers)
	st.NumPaths = len(paths)
	return st
}

// closeErrs is the combined error of stopping a set of torrents
func closeErrs(ts []*torrent) error {
	var err error
	for _, t := range ts {
		t.cancel()
	}
	for _, t := range ts {
		<-t.done
		err = multierr.Append(err, t.closeErr)
	}
	return err
}
