package node

import (
	"context"
	"errors"
	"io/ioutil"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/config"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hub routes subflows between in-memory sockets by address
type hub struct {
	mu      sync.Mutex
	sockets map[string]*pipeSocket
}

func newHub() *hub {
	return &hub{sockets: map[string]*pipeSocket{}}
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

type pipeSocket struct {
	hub       *hub
	addr      string
	incoming  chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (h *hub) socket(addr string) *pipeSocket {
	s := &pipeSocket{
		hub:      h,
		addr:     addr,
		incoming: make(chan net.Conn),
		closed:   make(chan struct{}),
	}
	return s
}

func (s *pipeSocket) Listen() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.sockets[s.addr] = s
	return nil
}

func (s *pipeSocket) DialPath(ctx context.Context, remote string, path *pathselection.Path) (net.Conn, error) {
	s.hub.mu.Lock()
	dst, ok := s.hub.sockets[remote]
	s.hub.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	select {
	case dst.incoming <- server:
		return client, nil
	case <-dst.closed:
		return nil, errors.New("connection refused")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pipeSocket) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-s.incoming:
		return c, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pipeSocket) Addr() net.Addr {
	return pipeAddr(s.addr)
}

func (s *pipeSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.mu.Lock()
		if s.hub.sockets[s.addr] == s {
			delete(s.hub.sockets, s.addr)
		}
		s.hub.mu.Unlock()
	})
	return nil
}

func twoPaths(ctx context.Context, peer string) ([]*pathselection.Path, error) {
	return []*pathselection.Path{
		pathselection.NewPath([]pathselection.Hop{{IfID: 1}, {IfID: 2}}, 1400, 10*time.Millisecond),
		pathselection.NewPath([]pathselection.Hop{{IfID: 3}, {IfID: 4}}, 1400, 20*time.Millisecond),
	}, nil
}

func noPaths(ctx context.Context, peer string) ([]*pathselection.Path, error) {
	return nil, nil
}

func testConfig(t *testing.T, local string) config.Config {
	cfg := config.Default()
	cfg.Local = local
	cfg.DataDir = t.TempDir()
	cfg.Swarm.ReconnectInterval = 200 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, h *hub, local string, pl PathLookup) *Node {
	t.Helper()
	n, err := newNode(testConfig(t, local), h.socket(local), pl)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})
	return n
}

func testTorrent(t *testing.T) (*torrentfile.TorrentFile, []byte) {
	content := make([]byte, 5*32*1024+100)
	rand.New(rand.NewSource(7)).Read(content)
	meta, err := torrentfile.Create("node.bin", content, 32*1024)
	require.NoError(t, err)
	return &meta, content
}

func TestNodeTransfer(t *testing.T) {
	h := newHub()
	meta, content := testTorrent(t)

	seeder := startNode(t, h, "1-ff00:0:110,[127.0.0.1]:4001", twoPaths)
	leecher := startNode(t, h, "1-ff00:0:111,[127.0.0.2]:4002", twoPaths)

	src := filepath.Join(t.TempDir(), "shared.bin")
	require.NoError(t, ioutil.WriteFile(src, content, 0o644))
	require.NoError(t, seeder.AddTorrent(meta, src, true))

	t.Run("seeder rechecks existing content", func(t *testing.T) {
		st, err := seeder.Coordinator().Status(meta.InfoHash)
		require.NoError(t, err)
		assert.True(t, st.Complete())
		assert.Equal(t, "seeding", st.State)
	})

	require.NoError(t, leecher.AddTorrent(meta, "", false))
	require.NoError(t, leecher.Coordinator().AddPeer(meta.InfoHash, seeder.LocalAddr()))

	done, err := leecher.Coordinator().Completed(meta.InfoHash)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		st, _ := leecher.Coordinator().Status(meta.InfoHash)
		t.Fatalf("download did not complete: %d of %d pieces", st.VerifiedPieces, st.NumPieces)
	}

	t.Run("content is written to the data directory", func(t *testing.T) {
		store, err := leecher.Coordinator().Store(meta.InfoHash)
		require.NoError(t, err)
		for i := 0; i < meta.NumPieces(); i++ {
			data, err := store.Get(i)
			require.NoError(t, err)
			begin, end := meta.PieceBounds(i)
			assert.Equal(t, content[begin:end], data, "piece %d", i)
		}
	})
}

func TestNodeDial(t *testing.T) {
	h := newHub()

	t.Run("no paths is a connect failure", func(t *testing.T) {
		n := startNode(t, h, "1-ff00:0:112,[127.0.0.3]:4003", noPaths)
		_, err := n.dial(context.Background(), "1-ff00:0:110,[127.0.0.1]:4001")
		require.Error(t, err)
		assert.Equal(t, bterrors.KindConnectFailure, bterrors.KindOf(err))
	})

	t.Run("unreachable peer is a connect failure", func(t *testing.T) {
		n := startNode(t, h, "1-ff00:0:113,[127.0.0.4]:4004", twoPaths)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := n.dial(ctx, "1-ff00:0:199,[127.0.0.9]:4009")
		require.Error(t, err)
		assert.Equal(t, bterrors.KindConnectFailure, bterrors.KindOf(err))
	})

	t.Run("failed lookup is a connect failure", func(t *testing.T) {
		n := startNode(t, h, "1-ff00:0:114,[127.0.0.5]:4005", func(context.Context, string) ([]*pathselection.Path, error) {
			return nil, errors.New("no daemon")
		})
		_, err := n.dial(context.Background(), "1-ff00:0:110,[127.0.0.1]:4001")
		assert.Equal(t, bterrors.KindConnectFailure, bterrors.KindOf(err))
	})
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg)
	assert.Error(t, err)
}
