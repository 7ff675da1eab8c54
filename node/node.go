package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/config"
	lookup "github.com/netsys-lab/bittorrent-over-scion/pathlookup"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/smp"
	"github.com/netsys-lab/bittorrent-over-scion/socket"
	"github.com/netsys-lab/bittorrent-over-scion/storage"
	"github.com/netsys-lab/bittorrent-over-scion/sutils"
	"github.com/netsys-lab/bittorrent-over-scion/swarm"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// PathLookup returns the candidate paths to a peer
type PathLookup func(ctx context.Context, peer string) ([]*pathselection.Path, error)

// subflowSocket is both ends of the per-path streams
type subflowSocket interface {
	socket.Dialer
	socket.Listener
	Listen() error
}

// Node is one BitTorrent-over-SCION endpoint: a SCION listener, the
// multipath dialer and the swarm coordinator of all its torrents
type Node struct {
	cfg        config.Config
	local      string
	socket     subflowSocket
	lookup     PathLookup
	listener   *smp.Listener
	coord      *swarm.Coordinator
	completion *storage.CompletionDB

	mu       sync.Mutex
	contents map[[20]byte]content
}

// content overrides where the data of a torrent lives
type content struct {
	path    string
	recheck bool
}

// New resolves the local address, picking a free port if it has none,
// and opens the completion database
func New(cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	local, err := sutils.ResolveUDPAddr(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("local address %s: %w", cfg.Local, err)
	}
	if local.Host.Port == 0 {
		port, err := freeport.GetFreePort()
		if err != nil {
			return nil, err
		}
		local = sutils.WithPort(local, port)
		log.Infof("[Node] Using free port %d", port)
	}
	cfg.Local = local.String()
	return newNode(cfg, socket.NewQUICSocket(cfg.Local, cfg.SocketHandshakeTimeout), lookup.Lookup)
}

func newNode(cfg config.Config, sock subflowSocket, pl PathLookup) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	completion, err := storage.OpenCompletionDB(cfg.CompletionDBPath())
	if err != nil {
		return nil, err
	}
	peerID, err := swarm.NewPeerID()
	if err != nil {
		completion.Close()
		return nil, err
	}
	n := &Node{
		cfg:        cfg,
		local:      cfg.Local,
		socket:     sock,
		lookup:     pl,
		completion: completion,
		contents:   make(map[[20]byte]content),
	}
	n.coord = swarm.New(peerID, n.dial, n.openStore, cfg.Swarm)
	return n, nil
}

func (n *Node) LocalAddr() string {
	return n.local
}

func (n *Node) Coordinator() *swarm.Coordinator {
	return n.coord
}

// AddTorrent starts the swarm of meta. An empty path keeps the content in
// the data directory. With recheck the existing content is hashed first,
// which is what seeding an existing file needs.
func (n *Node) AddTorrent(meta *torrentfile.TorrentFile, path string, recheck bool) error {
	n.mu.Lock()
	n.contents[meta.InfoHash] = content{path: path, recheck: recheck}
	n.mu.Unlock()
	return n.coord.AddTorrent(meta)
}

// ForgetTorrent drops the recorded piece completion of a torrent whose
// content was removed
func (n *Node) ForgetTorrent(infoHash [20]byte) error {
	return n.completion.Forget(infoHash)
}

func (n *Node) openStore(meta *torrentfile.TorrentFile) (storage.Store, error) {
	n.mu.Lock()
	c := n.contents[meta.InfoHash]
	delete(n.contents, meta.InfoHash)
	n.mu.Unlock()

	var fs *storage.FileStore
	var err error
	if c.path != "" {
		fs, err = storage.OpenFile(meta, c.path, n.completion)
	} else {
		fs, err = storage.Open(meta, n.cfg.DataDir, n.completion)
	}
	if err != nil {
		return nil, err
	}
	if c.recheck {
		if _, err := fs.Recheck(); err != nil {
			fs.Close()
			return nil, err
		}
	}
	return fs, nil
}

// dial resolves the paths to addr, keeps the configured number of them in
// policy order and opens a multipath connection over them
func (n *Node) dial(ctx context.Context, addr string) (net.Conn, error) {
	paths, err := n.lookup(ctx, addr)
	if err != nil {
		return nil, bterrors.New(bterrors.KindConnectFailure, "path lookup", err)
	}
	paths = pathselection.Order(n.cfg.PathPolicy, n.cfg.NumPaths, paths)
	if len(paths) == 0 {
		return nil, bterrors.Newf(bterrors.KindConnectFailure, "no path to %s", addr)
	}
	log.Debugf("[Node] Dialing %s over %d paths", addr, len(paths))
	conn, err := smp.Dial(ctx, n.socket, addr, paths, &n.cfg.Transport)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run accepts inbound connections until ctx is done
func (n *Node) Run(ctx context.Context) error {
	if err := n.socket.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", n.local, err)
	}
	n.listener = smp.Listen(n.socket, &n.cfg.Transport)
	log.Infof("[Node] Listening on %s", n.local)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			conn, err := n.listener.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, smp.ErrClosed) {
					return nil
				}
				return err
			}
			go func() {
				if err := n.coord.HandleInbound(conn); err != nil {
					log.Debugf("[Node] Dropped inbound connection from %s: %v", conn.RemoteAddr(), err)
				}
			}()
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return n.listener.Close()
	})
	return g.Wait()
}

// Close stops all torrents and releases the socket
func (n *Node) Close() error {
	err := n.coord.Close()
	if n.listener != nil {
		err = multierr.Append(err, n.listener.Close())
	}
	err = multierr.Append(err, n.socket.Close())
	return multierr.Append(err, n.completion.Close())
}
