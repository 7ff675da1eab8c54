package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lucas-clemente/quic-go"
	"github.com/netsec-ethz/scion-apps/pkg/appnet"
	"github.com/netsec-ethz/scion-apps/pkg/appnet/appquic"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/sutils"
	"github.com/scionproto/scion/go/lib/snet"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var _ Dialer = (*QUICSocket)(nil)
var _ Listener = (*QUICSocket)(nil)

const nextProto = "bittorrent-over-scion"

var errNotListening = errors.New("socket is not listening")

// QUICSocket carries every subflow in its own QUIC session over SCION,
// so that each session is pinned to exactly one path
type QUICSocket struct {
	local            string
	localAddr        *snet.UDPAddr
	handshakeTimeout time.Duration
	listener         quic.Listener

	mu       sync.Mutex
	sessions []quic.Session
}

func NewQUICSocket(local string, handshakeTimeout time.Duration) *QUICSocket {
	return &QUICSocket{
		local:            local,
		handshakeTimeout: handshakeTimeout,
		sessions:         make([]quic.Session, 0),
	}
}

func (s *QUICSocket) quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlive:            true,
		HandshakeIdleTimeout: s.handshakeTimeout,
	}
}

func (s *QUICSocket) streamTimeout() time.Duration {
	if s.handshakeTimeout > 0 {
		return s.handshakeTimeout
	}
	return 5 * time.Second
}

func (s *QUICSocket) Listen() error {
	lAddr, err := sutils.ResolveUDPAddr(s.local)
	if err != nil {
		return err
	}
	s.localAddr = lAddr

	l, err := appquic.Listen(
		sutils.ListenAddr(lAddr),
		&tls.Config{
			Certificates: appquic.GetDummyTLSCerts(),
			NextProtos:   []string{nextProto},
		},
		s.quicConfig(),
	)
	if err != nil {
		return err
	}
	s.listener = l
	log.Debugf("[QUICSocket] Listening on %s", s.local)
	return nil
}

func (s *QUICSocket) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	if s.localAddr != nil {
		return s.localAddr
	}
	return nil
}

// Accept waits for the next session and its first stream. Sessions that
// never open a stream are dropped.
func (s *QUICSocket) Accept(ctx context.Context) (net.Conn, error) {
	if s.listener == nil {
		return nil, errNotListening
	}
	for {
		sess, err := s.listener.Accept(ctx)
		if err != nil {
			return nil, err
		}
		sctx, cancel := context.WithTimeout(ctx, s.streamTimeout())
		stream, err := sess.AcceptStream(sctx)
		cancel()
		if err != nil {
			log.Debugf("[QUICSocket] Session from %s opened no stream: %s", sess.RemoteAddr(), err)
			sess.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		s.track(sess)
		log.Tracef("[QUICSocket] Accepted stream from %s", sess.RemoteAddr())
		return &streamConn{Stream: stream, sess: sess}, nil
	}
}

// DialPath opens a session to remote pinned to path. A nil path or a path
// without SCION metadata uses the default path.
func (s *QUICSocket) DialPath(ctx context.Context, remote string, path *pathselection.Path) (net.Conn, error) {
	rAddr, err := sutils.ResolveUDPAddr(remote)
	if err != nil {
		return nil, err
	}
	if path != nil && path.Snet != nil {
		sutils.SetPath(rAddr, path.Snet)
	} else if err := appnet.SetDefaultPath(rAddr); err != nil {
		return nil, err
	}

	type result struct {
		sess quic.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := appquic.DialAddr(rAddr, appnet.MangleSCIONAddr(remote), &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{nextProto},
		}, s.quicConfig())
		done <- result{sess, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.sess != nil {
				r.sess.CloseWithError(0, "dial cancelled")
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote, res.err)
	}

	stream, err := res.sess.OpenStreamSync(ctx)
	if err != nil {
		res.sess.CloseWithError(0, "no stream")
		return nil, err
	}
	s.track(res.sess)
	return &streamConn{Stream: stream, sess: res.sess}, nil
}

func (s *QUICSocket) track(sess quic.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
}

// CloseAll closes every session opened or accepted by this socket
func (s *QUICSocket) CloseAll() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make([]quic.Session, 0)
	s.mu.Unlock()

	var err error
	for _, sess := range sessions {
		err = multierr.Append(err, sess.CloseWithError(0, "socket closed"))
	}
	return err
}

func (s *QUICSocket) Close() error {
	err := s.CloseAll()
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	return err
}

// streamConn exposes a QUIC stream as net.Conn; closing it ends the session
type streamConn struct {
	quic.Stream
	sess quic.Session
}

func (c *streamConn) LocalAddr() net.Addr {
	return c.sess.LocalAddr()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.sess.RemoteAddr()
}

func (c *streamConn) Close() error {
	return multierr.Append(c.Stream.Close(), c.sess.CloseWithError(0, ""))
}
