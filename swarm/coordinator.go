package swarm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/handshake"
	"github.com/netsys-lab/bittorrent-over-scion/session"
	"github.com/netsys-lab/bittorrent-over-scion/storage"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownTorrent = errors.New("unknown torrent")
	ErrTorrentExists  = errors.New("torrent already added")
	ErrClosed         = errors.New("coordinator closed")
)

// Dialer opens a transport connection to a peer address
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// StoreOpener provides the piece store of a torrent
type StoreOpener func(meta *torrentfile.TorrentFile) (storage.Store, error)

// Coordinator runs the swarms of all added torrents
type Coordinator struct {
	opts      Options
	peerID    [20]byte
	dial      Dialer
	openStore StoreOpener
	hashers   *semaphore.Weighted

	mu       sync.Mutex
	torrents map[[20]byte]*torrent
	closed   bool
}

func New(peerID [20]byte, dial Dialer, openStore StoreOpener, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		opts:      opts,
		peerID:    peerID,
		dial:      dial,
		openStore: openStore,
		hashers:   semaphore.NewWeighted(int64(opts.HashWorkers)),
		torrents:  make(map[[20]byte]*torrent),
	}
}

// NewPeerID returns a random peer id with the client prefix
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-BS0100-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}

func (c *Coordinator) PeerID() [20]byte {
	return c.peerID
}

// AddTorrent opens the store of meta and starts its swarm. Peers are
// added separately.
func (c *Coordinator) AddTorrent(meta *torrentfile.TorrentFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.torrents[meta.InfoHash]; ok {
		return ErrTorrentExists
	}
	store, err := c.openStore(meta)
	if err != nil {
		return fmt.Errorf("open store of %s: %w", meta.Name, err)
	}
	t := newTorrent(c, meta, store)
	c.torrents[meta.InfoHash] = t
	go t.run()
	return nil
}

func (c *Coordinator) get(infoHash [20]byte) (*torrent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.torrents[infoHash]
	if !ok {
		return nil, ErrUnknownTorrent
	}
	return t, nil
}

// RemoveTorrent closes all sessions of the torrent, drops partially
// downloaded pieces and closes its store
func (c *Coordinator) RemoveTorrent(infoHash [20]byte) error {
	c.mu.Lock()
	t, ok := c.torrents[infoHash]
	delete(c.torrents, infoHash)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownTorrent
	}
	return closeErrs([]*torrent{t})
}

func (c *Coordinator) Status(infoHash [20]byte) (Status, error) {
	t, err := c.get(infoHash)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := t.do(func() { st = t.status() }); err != nil {
		return Status{}, err
	}
	return st, nil
}

// List returns the status of every torrent ordered by name
func (c *Coordinator) List() []Status {
	c.mu.Lock()
	ts := make([]*torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		ts = append(ts, t)
	}
	c.mu.Unlock()

	res := make([]Status, 0, len(ts))
	for _, t := range ts {
		var st Status
		if err := t.do(func() { st = t.status() }); err == nil {
			res = append(res, st)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].InfoHash < res[j].InfoHash
	})
	return res
}

// AddPeer connects the torrent to addr. Lost peers are redialed.
func (c *Coordinator) AddPeer(infoHash [20]byte, addr string) error {
	t, err := c.get(infoHash)
	if err != nil {
		return err
	}
	return t.do(func() { t.addPeer(addr) })
}

// Completed is closed once every piece of the torrent is verified
func (c *Coordinator) Completed(infoHash [20]byte) (<-chan struct{}, error) {
	t, err := c.get(infoHash)
	if err != nil {
		return nil, err
	}
	return t.complete, nil
}

func (c *Coordinator) Store(infoHash [20]byte) (storage.Store, error) {
	t, err := c.get(infoHash)
	if err != nil {
		return nil, err
	}
	return t.store, nil
}

// HandleInbound reads the handshake of an accepted connection and hands
// it to the torrent it names. The connection is closed on error.
func (c *Coordinator) HandleInbound(conn net.Conn) error {
	timeout := c.opts.Session.HandshakeTimeout
	if timeout <= 0 {
		timeout = session.DefaultConfig().HandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return err
	}
	hs, err := handshake.Read(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("inbound handshake from %s: %w", conn.RemoteAddr(), err)
	}
	conn.SetDeadline(time.Time{})

	t, err := c.get(hs.InfoHash)
	if err != nil {
		log.Debugf("[Swarm] Inbound connection from %s for unknown torrent %x", conn.RemoteAddr(), hs.InfoHash)
		conn.Close()
		return err
	}
	if err := t.do(func() { t.acceptInbound(conn, hs) }); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Close stops all torrents
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	ts := make([]*torrent, 0, len(c.torrents))
	for h, t := range c.torrents {
		ts = append(ts, t)
		delete(c.torrents, h)
	}
	c.mu.Unlock()
	return closeErrs(ts)
}
