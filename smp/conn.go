package smp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/packets"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/socket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	// ErrClosed is returned for operations on a locally closed connection
	ErrClosed = errors.New("connection closed")
	// ErrPeerClosed is returned by Write after the peer closed the connection
	ErrPeerClosed = errors.New("connection closed by peer")
	// ErrUnknownPath is returned by SwitchPath for a fingerprint that is neither open nor a candidate
	ErrUnknownPath = errors.New("unknown path")
	errNoSubflow   = errors.New("no open subflow")
)

var _ net.Conn = (*Conn)(nil)

// PathInfo describes one open subflow of a Conn
type PathInfo struct {
	Fingerprint string
	Hops        int
	Active      bool
	Alive       bool
	RTT         time.Duration
}

// Conn is one ordered, reliable byte stream to a peer, carried over one
// active path out of several open ones. Every data frame is numbered and
// kept until acknowledged; when the active path changes the unacknowledged
// frames are sent again over the new path and the receiver drops duplicates.
type Conn struct {
	id         uuid.UUID
	opts       *Options
	remote     string
	dialer     socket.Dialer
	candidates []*pathselection.Path
	metrics    *packets.MetricsDB
	log        *log.Entry
	onClose    func(*Conn)
	dialing    int32

	// serializes data frame writes with path switches
	sendMu sync.Mutex

	mu           sync.Mutex
	notify       chan struct{}
	subflows     []*subflow
	active       *subflow
	tried        map[string]bool
	pingSeq      uint64
	nextSeq      uint64
	unacked      []*packets.Frame
	unackedBytes int
	expected     uint64
	pending      map[uint64][]byte
	pendingBytes int
	readBuf      []byte
	finRecv      bool
	finSeq       uint64
	readDeadline time.Time
	writeDeadln  time.Time
	closed       bool
	err          error
	localAddr    net.Addr
	remoteAddr   net.Addr

	done         chan struct{}
	teardownOnce sync.Once
}

func newConn(id uuid.UUID, opts *Options, remote string, dialer socket.Dialer, candidates []*pathselection.Path) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:         id,
		opts:       opts,
		remote:     remote,
		dialer:     dialer,
		candidates: candidates,
		metrics:    packets.NewMetricsDB(opts.MetricsInterval),
		log: log.WithFields(log.Fields{
			"conn":   id.String()[:8],
			"remote": remote,
		}),
		notify:  make(chan struct{}),
		tried:   map[string]bool{},
		pending: map[uint64][]byte{},
		done:    make(chan struct{}),
	}
}

func (c *Conn) start() {
	go c.probeLoop()
}

// broadcastLocked wakes up every goroutine waiting for a state change
func (c *Conn) broadcastLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func waitFor(ch <-chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		<-ch
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return os.ErrDeadlineExceeded
	}
}

// addSubflow registers an opened stream and starts its goroutines.
// It returns nil if the connection is already torn down.
func (c *Conn) addSubflow(raw net.Conn, path *pathselection.Path) *subflow {
	sf := newSubflow(raw, path, c.metrics.GetOrCreate(path.Fingerprint), c.opts.WriteTimeout)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		raw.Close()
		return nil
	default:
	}
	c.subflows = append(c.subflows, sf)
	c.tried[path.Fingerprint] = true
	if c.active == nil {
		c.active = sf
	}
	if c.localAddr == nil {
		c.localAddr = raw.LocalAddr()
		c.remoteAddr = raw.RemoteAddr()
	}
	c.broadcastLocked()
	c.mu.Unlock()

	c.log.Debugf("[Transport] Opened subflow over %s", path.Fingerprint)
	go c.readLoop(sf)
	go c.controlWriter(sf)
	return sf
}

func (c *Conn) readLoop(sf *subflow) {
	for {
		f, err := packets.ReadFrame(sf.conn)
		if err != nil {
			c.subflowFailed(sf, err)
			return
		}
		sf.metrics.AddRead(packets.FrameHeaderLen + len(f.Payload))
		switch f.Kind {
		case packets.FrameData:
			if err := c.handleData(sf, f); err != nil {
				c.fail(err)
				return
			}
		case packets.FrameAck:
			c.handleAck(f.Seq)
		case packets.FramePing:
			sf.queueControl(&packets.Frame{Kind: packets.FramePong, Seq: f.Seq})
		case packets.FramePong:
			c.handlePong(sf, f.Seq)
		case packets.FrameClose:
			c.handleClose(f.Seq)
		}
	}
}

func (c *Conn) controlWriter(sf *subflow) {
	for {
		var f *packets.Frame
		select {
		case <-sf.done:
			return
		case <-sf.ackSig:
			f = &packets.Frame{Kind: packets.FrameAck, Seq: sf.pendingAck()}
		case f = <-sf.ctrl:
		}
		if err := sf.write(f); err != nil {
			c.subflowFailed(sf, err)
			return
		}
	}
}

// handleData buffers out of order frames up to what a sender within its
// window can have outstanding, anything beyond is a protocol violation
func (c *Conn) handleData(sf *subflow, f *packets.Frame) error {
	c.mu.Lock()
	if f.Seq >= c.expected {
		if _, dup := c.pending[f.Seq]; !dup {
			limit := c.opts.SendWindow + packets.MaxFramePayload
			if f.Seq-c.expected >= uint64(limit) || c.pendingBytes+len(f.Payload) > limit {
				expected := c.expected
				c.mu.Unlock()
				return bterrors.Newf(bterrors.KindProtocolViolation,
					"frame %d is beyond the receive window at %d", f.Seq, expected)
			}
			c.pending[f.Seq] = f.Payload
			c.pendingBytes += len(f.Payload)
		}
	}
	for {
		p, ok := c.pending[c.expected]
		if !ok {
			break
		}
		delete(c.pending, c.expected)
		c.pendingBytes -= len(p)
		c.readBuf = append(c.readBuf, p...)
		c.expected++
	}
	c.checkFinLocked()
	next := c.expected
	c.broadcastLocked()
	c.mu.Unlock()
	sf.queueAck(next)
	return nil
}

func (c *Conn) handleAck(next uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	for i < len(c.unacked) && c.unacked[i].Seq < next {
		c.unackedBytes -= len(c.unacked[i].Payload)
		i++
	}
	if i > 0 {
		c.unacked = c.unacked[i:]
		c.broadcastLocked()
	}
}

func (c *Conn) handlePong(sf *subflow, nonce uint64) {
	c.mu.Lock()
	if !sf.pingActive || sf.pingNonce != nonce {
		c.mu.Unlock()
		return
	}
	sf.pingActive = false
	rtt := time.Since(sf.pingSent)
	c.mu.Unlock()
	sf.health.ObserveRTT(rtt)
}

func (c *Conn) handleClose(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finRecv = true
	c.finSeq = seq
	c.checkFinLocked()
	c.broadcastLocked()
}

func (c *Conn) checkFinLocked() {
	if c.finRecv && c.expected >= c.finSeq && c.err == nil {
		c.err = io.EOF
	}
}

// stateErr reports why no more data can be sent
func (c *Conn) stateErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateErrLocked()
}

func (c *Conn) stateErrLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.err == io.EOF || c.finRecv:
		return ErrPeerClosed
	case c.err != nil:
		return c.err
	}
	return nil
}

// Read returns bytes in the order the peer wrote them. It blocks until data
// is available, the connection ends or the read deadline passes.
func (c *Conn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.readBuf) > 0 {
			n := copy(b, c.readBuf)
			c.readBuf = c.readBuf[n:]
			if len(c.readBuf) == 0 {
				c.readBuf = nil
			}
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return 0, err
		}
		ch, deadline := c.notify, c.readDeadline
		c.mu.Unlock()
		if err := waitFor(ch, deadline); err != nil {
			return 0, err
		}
	}
}

// Write sends b over the active path. It blocks while the send window is full.
func (c *Conn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n := len(b) - written
		if n > packets.MaxFramePayload {
			n = packets.MaxFramePayload
		}
		if err := c.waitWindow(); err != nil {
			return written, err
		}
		if err := c.sendData(b[written : written+n]); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c *Conn) waitWindow() error {
	for {
		c.mu.Lock()
		if err := c.stateErrLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
		if c.unackedBytes < c.opts.SendWindow {
			c.mu.Unlock()
			return nil
		}
		ch, deadline := c.notify, c.writeDeadln
		c.mu.Unlock()
		if err := waitFor(ch, deadline); err != nil {
			return err
		}
	}
}

func (c *Conn) sendData(p []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	f := &packets.Frame{Kind: packets.FrameData, Seq: c.nextSeq, Payload: payload}
	c.nextSeq++
	c.unacked = append(c.unacked, f)
	c.unackedBytes += len(payload)
	sf := c.active
	c.mu.Unlock()

	if sf == nil {
		return c.failoverLocked(nil, errNoSubflow)
	}
	if err := sf.write(f); err != nil {
		return c.failoverLocked(sf, err)
	}
	return nil
}

// failoverLocked moves sending to another path and resends everything
// unacknowledged. Live standby subflows are preferred over dialing untried
// candidates. Caller holds sendMu.
func (c *Conn) failoverLocked(dead *subflow, cause error) error {
	if dead != nil {
		c.log.Infof("[Transport] Path %s failed: %s", dead.fingerprint(), cause)
		c.dropSubflow(dead, cause)
	}
	for {
		if err := c.stateErr(); err != nil {
			return err
		}
		next := c.bestLiveSubflow()
		if next == nil {
			if c.dialer != nil {
				next = c.dialNextCandidate()
			} else {
				next = c.awaitSubflow()
			}
		}
		if next == nil {
			if err := c.stateErr(); err != nil {
				return err
			}
			err := bterrors.New(bterrors.KindConnectFailure, "failover",
				fmt.Errorf("all paths to %s exhausted: %w", c.remote, cause))
			c.fail(err)
			return err
		}
		c.setActive(next)
		if err := c.retransmit(next); err != nil {
			c.dropSubflow(next, err)
			cause = err
			continue
		}
		c.log.Infof("[Transport] Switched to path %s", next.fingerprint())
		return nil
	}
}

func (c *Conn) setActive(sf *subflow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = sf
	c.broadcastLocked()
}

func (c *Conn) retransmit(sf *subflow) error {
	c.mu.Lock()
	frames := make([]*packets.Frame, len(c.unacked))
	copy(frames, c.unacked)
	c.mu.Unlock()
	for _, f := range frames {
		if err := sf.write(f); err != nil {
			return err
		}
		sf.metrics.AddRetransmit()
	}
	return nil
}

// bestLiveSubflow prefers the lowest measured RTT, then the oldest subflow
func (c *Conn) bestLiveSubflow() *subflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestLiveSubflowLocked()
}

func (c *Conn) bestLiveSubflowLocked() *subflow {
	var best *subflow
	var bestRTT time.Duration
	bestMeasured := false
	for _, sf := range c.subflows {
		if sf.down || !sf.health.Alive() {
			continue
		}
		rtt, measured := sf.health.RTT()
		switch {
		case best == nil:
		case measured && (!bestMeasured || rtt < bestRTT):
		default:
			continue
		}
		best, bestRTT, bestMeasured = sf, rtt, measured
	}
	return best
}

func (c *Conn) liveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sf := range c.subflows {
		if !sf.down {
			n++
		}
	}
	return n
}

// claimCandidate returns the next candidate path that was never dialed
func (c *Conn) claimCandidate() *pathselection.Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.candidates {
		if !c.tried[p.Fingerprint] {
			c.tried[p.Fingerprint] = true
			return p
		}
	}
	return nil
}

func (c *Conn) dialNextCandidate() *subflow {
	for {
		path := c.claimCandidate()
		if path == nil {
			return nil
		}
		sf, err := c.dialSubflow(path)
		if err != nil {
			c.log.Debugf("[Transport] Dial over %s failed: %s", path.Fingerprint, err)
			continue
		}
		return sf
	}
}

func (c *Conn) dialSubflow(path *pathselection.Path) (*subflow, error) {
	return c.dialSubflowCtx(context.Background(), path)
}

// dialSubflowCtx opens a stream over path and announces the connection id on it
func (c *Conn) dialSubflowCtx(parent context.Context, path *pathselection.Path) (*subflow, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	ctx, cancel := contextWithParent(parent, c.opts.DialTimeout, c.done)
	defer cancel()
	raw, err := c.dialer.DialPath(ctx, c.remote, path)
	if err != nil {
		return nil, err
	}
	hello := &packets.Frame{Kind: packets.FrameHello, Payload: append(c.id[:], path.Fingerprint...)}
	if err := raw.SetWriteDeadline(time.Now().Add(c.opts.HelloTimeout)); err != nil {
		raw.Close()
		return nil, err
	}
	if err := packets.WriteFrame(raw, hello); err != nil {
		raw.Close()
		return nil, err
	}
	sf := c.addSubflow(raw, path)
	if sf == nil {
		return nil, ErrClosed
	}
	return sf, nil
}

// awaitSubflow waits for the dialing side to open a new subflow
func (c *Conn) awaitSubflow() *subflow {
	deadline := time.Now().Add(c.opts.ReattachTimeout)
	for {
		c.mu.Lock()
		if c.closed || c.err != nil {
			c.mu.Unlock()
			return nil
		}
		if sf := c.bestLiveSubflowLocked(); sf != nil {
			c.mu.Unlock()
			return sf
		}
		ch := c.notify
		c.mu.Unlock()
		if err := waitFor(ch, deadline); err != nil {
			return nil
		}
	}
}

func (c *Conn) dropSubflow(sf *subflow, cause error) {
	c.mu.Lock()
	if !sf.down {
		sf.down = true
		for i, s := range c.subflows {
			if s == sf {
				c.subflows = append(c.subflows[:i], c.subflows[i+1:]...)
				break
			}
		}
		if c.active == sf {
			c.active = nil
		}
		c.broadcastLocked()
	}
	c.mu.Unlock()
	sf.health.ObserveFailure()
	sf.close()
}

// subflowFailed handles a read or write error on a subflow
func (c *Conn) subflowFailed(sf *subflow, cause error) {
	c.mu.Lock()
	finished := c.closed || c.err != nil || c.finRecv
	wasActive := c.active == sf
	c.mu.Unlock()

	if finished || !wasActive {
		c.dropSubflow(sf, cause)
		if finished {
			c.checkDrained()
		}
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	stillActive := c.active == sf
	c.mu.Unlock()
	if !stillActive {
		c.dropSubflow(sf, cause)
		return
	}
	c.failoverLocked(sf, cause)
}

// checkDrained fails a connection whose peer announced the end of its data
// but lost every path before all of it arrived
func (c *Conn) checkDrained() {
	c.mu.Lock()
	truncated := !c.closed && c.err == nil && len(c.subflows) == 0
	c.mu.Unlock()
	if truncated {
		c.fail(bterrors.Newf(bterrors.KindConnectFailure, "connection to %s lost before all data arrived", c.remote))
	}
}

// SwitchPath moves sending to the path with the given fingerprint, dialing
// it first if it is a candidate without open subflow
func (c *Conn) SwitchPath(fingerprint string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stateErr(); err != nil {
		return err
	}

	var target *subflow
	c.mu.Lock()
	for _, sf := range c.subflows {
		if !sf.down && sf.fingerprint() == fingerprint {
			target = sf
		}
	}
	current := c.active
	c.mu.Unlock()
	if target != nil && target == current {
		return nil
	}

	if target == nil {
		var path *pathselection.Path
		for _, p := range c.candidates {
			if p.Fingerprint == fingerprint {
				path = p
			}
		}
		if path == nil || c.dialer == nil {
			return fmt.Errorf("switch to %s: %w", fingerprint, ErrUnknownPath)
		}
		sf, err := c.dialSubflow(path)
		if err != nil {
			return bterrors.New(bterrors.KindConnectFailure, "switch path", err)
		}
		target = sf
	}

	c.setActive(target)
	if err := c.retransmit(target); err != nil {
		return c.failoverLocked(target, err)
	}
	c.log.Infof("[Transport] Switched to path %s on request", fingerprint)
	return nil
}

func (c *Conn) switchTo(sf *subflow, reason string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	ok := !sf.down && c.active != sf && c.active != nil && !c.closed && c.err == nil
	if ok {
		c.active = sf
		c.broadcastLocked()
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Infof("[Transport] Switching to path %s: %s", sf.fingerprint(), reason)
	if err := c.retransmit(sf); err != nil {
		c.failoverLocked(sf, err)
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil || c.err == io.EOF {
		c.err = err
	}
	c.mu.Unlock()
	c.log.Warnf("[Transport] Connection failed: %s", err)
	c.teardown()
}

// teardown stops all goroutines and closes every subflow
func (c *Conn) teardown() error {
	var err error
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		subflows := c.subflows
		c.subflows = nil
		c.active = nil
		for _, sf := range subflows {
			sf.down = true
		}
		c.broadcastLocked()
		c.mu.Unlock()
		for _, sf := range subflows {
			err = multierr.Append(err, sf.close())
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// Close announces the end of the stream, waits up to CloseLinger for
// outstanding data to be acknowledged and releases all paths
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	failed := c.err != nil && c.err != io.EOF
	finRecv := c.finRecv
	c.broadcastLocked()
	c.mu.Unlock()

	if !failed {
		c.sendMu.Lock()
		c.mu.Lock()
		sf, seq := c.active, c.nextSeq
		c.mu.Unlock()
		if sf != nil {
			if err := sf.write(&packets.Frame{Kind: packets.FrameClose, Seq: seq}); err != nil {
				c.log.Debugf("[Transport] Could not announce close: %s", err)
			}
		}
		c.sendMu.Unlock()
		if !finRecv {
			c.linger()
		}
	}
	c.log.Debugf("[Transport] Closed")
	return c.teardown()
}

func (c *Conn) linger() {
	deadline := time.Now().Add(c.opts.CloseLinger)
	for {
		c.mu.Lock()
		drained := len(c.unacked) == 0 || len(c.subflows) == 0 || (c.err != nil && c.err != io.EOF)
		ch := c.notify
		c.mu.Unlock()
		if drained || c.opts.CloseLinger == 0 {
			return
		}
		if waitFor(ch, deadline) != nil {
			return
		}
	}
}

// Done is closed once the connection is torn down
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the permanent failure of the connection, if any
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == io.EOF {
		return nil
	}
	return c.err
}

func (c *Conn) ID() string {
	return c.id.String()
}

func (c *Conn) Remote() string {
	return c.remote
}

// ActivePath returns the fingerprint of the path currently used for sending
func (c *Conn) ActivePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.fingerprint()
}

// Paths lists the open subflows
func (c *Conn) Paths() []PathInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]PathInfo, 0, len(c.subflows))
	for _, sf := range c.subflows {
		st := sf.health.Status()
		res = append(res, PathInfo{
			Fingerprint: sf.fingerprint(),
			Hops:        sf.path.HopCount(),
			Active:      sf == c.active,
			Alive:       st.Alive && !sf.down,
			RTT:         st.RTT,
		})
	}
	return res
}

// Metrics returns traffic counters of every path this connection used
func (c *Conn) Metrics() []packets.PathMetricsSnapshot {
	return c.metrics.Snapshot()
}

func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localAddr
}

func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadln = t
	c.broadcastLocked()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.broadcastLocked()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadln = t
	c.broadcastLocked()
	return nil
}

func (c *Conn) startDial() bool {
	return atomic.CompareAndSwapInt32(&c.dialing, 0, 1)
}

func (c *Conn) endDial() {
	atomic.StoreInt32(&c.dialing, 0)
}
