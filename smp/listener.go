package smp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netsys-lab/bittorrent-over-scion/packets"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/socket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Listener accepts subflows and groups them into connections by the id
// each dialer announces in its HELLO frame
type Listener struct {
	sl   socket.Listener
	opts *Options

	mu    sync.Mutex
	conns map[uuid.UUID]*Conn

	accepted  chan *Conn
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func Listen(sl socket.Listener, opts *Options) *Listener {
	l := &Listener{
		sl:       sl,
		opts:     opts.withDefaults(),
		conns:    map[uuid.UUID]*Conn{},
		accepted: make(chan *Conn),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

func (l *Listener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()
	for {
		raw, err := l.sl.Accept(ctx)
		if err != nil {
			select {
			case <-l.done:
			default:
				log.Errorf("[Transport] Accepting subflows stopped: %s", err)
				l.errMu.Lock()
				l.err = err
				l.errMu.Unlock()
				l.Close()
			}
			return
		}
		go l.handleSubflow(raw)
	}
}

func (l *Listener) handleSubflow(raw net.Conn) {
	raw.SetReadDeadline(time.Now().Add(l.opts.HelloTimeout))
	f, err := packets.ReadFrame(raw)
	raw.SetReadDeadline(time.Time{})
	if err != nil || f.Kind != packets.FrameHello || len(f.Payload) < len(uuid.UUID{}) {
		log.Debugf("[Transport] Dropping subflow from %s without valid hello: %v", raw.RemoteAddr(), err)
		raw.Close()
		return
	}
	var id uuid.UUID
	copy(id[:], f.Payload[:len(id)])
	path := &pathselection.Path{Fingerprint: string(f.Payload[len(id):])}

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		raw.Close()
		return
	default:
	}
	c, known := l.conns[id]
	if !known {
		c = newConn(id, l.opts, raw.RemoteAddr().String(), nil, nil)
		c.onClose = l.forget
		l.conns[id] = c
	}
	l.mu.Unlock()

	if c.addSubflow(raw, path) == nil || known {
		return
	}
	c.start()
	select {
	case l.accepted <- c:
	case <-l.done:
		c.Close()
	}
}

func (l *Listener) forget(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[c.id] == c {
		delete(l.conns, c.id)
	}
}

// Accept returns the next new logical connection
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.err != nil {
			return nil, l.err
		}
		return nil, ErrClosed
	}
}

func (l *Listener) Addr() net.Addr {
	return l.sl.Addr()
}

// Close stops accepting and closes every connection accepted so far
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.sl.Close()
		l.mu.Lock()
		conns := make([]*Conn, 0, len(l.conns))
		for _, c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()
		for _, c := range conns {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}
