package smp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/stretchr/testify/require"
)

// pipeNetwork connects Dialer and Listener in memory, one net.Pipe per subflow
type pipeNetwork struct {
	mu         sync.Mutex
	failing    map[string]bool
	clientEnds map[string][]*holeConn
	incoming   chan net.Conn
	closed     chan struct{}
	closeOnce  sync.Once
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

func newPipeNetwork(failing ...string) *pipeNetwork {
	n := &pipeNetwork{
		failing:    map[string]bool{},
		clientEnds: map[string][]*holeConn{},
		incoming:   make(chan net.Conn),
		closed:     make(chan struct{}),
	}
	for _, fp := range failing {
		n.failing[fp] = true
	}
	return n
}

func (n *pipeNetwork) DialPath(ctx context.Context, remote string, path *pathselection.Path) (net.Conn, error) {
	n.mu.Lock()
	fail := n.failing[path.Fingerprint]
	n.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("path %s unreachable", path.Fingerprint)
	}
	client, server := net.Pipe()
	select {
	case n.incoming <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.closed:
		return nil, errors.New("network closed")
	}
	end := &holeConn{Conn: client}
	n.mu.Lock()
	n.clientEnds[path.Fingerprint] = append(n.clientEnds[path.Fingerprint], end)
	n.mu.Unlock()
	return end, nil
}

func (n *pipeNetwork) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-n.incoming:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.closed:
		return nil, errors.New("network closed")
	}
}

func (n *pipeNetwork) Addr() net.Addr {
	return pipeAddr("pipe-listener")
}

func (n *pipeNetwork) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return nil
}

// kill breaks every subflow opened over fingerprint
func (n *pipeNetwork) kill(fingerprint string) {
	n.mu.Lock()
	ends := n.clientEnds[fingerprint]
	n.clientEnds[fingerprint] = nil
	n.mu.Unlock()
	for _, c := range ends {
		c.Close()
	}
}

// blackhole silently drops all traffic of the subflows open over
// fingerprint without closing them
func (n *pipeNetwork) blackhole(fingerprint string) {
	n.mu.Lock()
	ends := n.clientEnds[fingerprint]
	n.mu.Unlock()
	for _, c := range ends {
		atomic.StoreInt32(&c.dropped, 1)
	}
}

// holeConn is the dialing end of a subflow that can stop passing traffic
type holeConn struct {
	net.Conn
	dropped int32
}

func (c *holeConn) isDropped() bool {
	return atomic.LoadInt32(&c.dropped) == 1
}

func (c *holeConn) Write(b []byte) (int, error) {
	if c.isDropped() {
		return len(b), nil
	}
	return c.Conn.Write(b)
}

func (c *holeConn) Read(b []byte) (int, error) {
	for {
		n, err := c.Conn.Read(b)
		if err != nil || !c.isDropped() {
			return n, err
		}
	}
}

func testOptions() *Options {
	return &Options{
		MaxSubflows:     3,
		DialTimeout:     time.Second,
		WriteTimeout:    2 * time.Second,
		HelloTimeout:    time.Second,
		ProbeInterval:   20 * time.Millisecond,
		ProbeTimeout:    time.Second,
		LatencyFactor:   1000,
		SendWindow:      256 * 1024,
		ReattachTimeout: time.Second,
		CloseLinger:     time.Second,
		MetricsInterval: 50 * time.Millisecond,
	}
}

func candidatePaths(fingerprints ...string) []*pathselection.Path {
	paths := make([]*pathselection.Path, 0, len(fingerprints))
	for _, fp := range fingerprints {
		paths = append(paths, &pathselection.Path{Fingerprint: fp})
	}
	return paths
}

// connect dials over candidates and returns both ends of the connection
func connect(t *testing.T, n *pipeNetwork, opts *Options, candidates []*pathselection.Path) (*Conn, *Conn) {
	t.Helper()
	l := Listen(n, opts)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := l.Accept(context.Background())
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, n, "1-ff00:0:111,[127.0.0.1]:4000", candidates, opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { server.Close() })
		return client, server
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not accept")
	}
	return nil, nil
}
