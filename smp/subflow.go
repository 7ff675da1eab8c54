package smp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/packets"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
)

var errSubflowClosed = errors.New("subflow closed")

// Number of queued control frames (PING/PONG/CLOSE) per subflow
const controlQueueLen = 16

// subflow is one reliable stream to the peer over one path. Data frames are
// written by the sender under Conn.sendMu, control frames by the subflow's
// control writer, so that the reader goroutine never blocks on a write.
type subflow struct {
	conn         net.Conn
	path         *pathselection.Path
	health       *pathselection.Health
	metrics      *packets.PathMetrics
	writeTimeout time.Duration

	wmu sync.Mutex

	ackMu  sync.Mutex
	ack    uint64
	ackSig chan struct{}
	ctrl   chan *packets.Frame

	done      chan struct{}
	closeOnce sync.Once

	// guarded by Conn.mu
	down       bool
	pingNonce  uint64
	pingSent   time.Time
	pingActive bool
}

func newSubflow(conn net.Conn, path *pathselection.Path, metrics *packets.PathMetrics, writeTimeout time.Duration) *subflow {
	return &subflow{
		conn:         conn,
		path:         path,
		health:       pathselection.NewHealth(),
		metrics:      metrics,
		writeTimeout: writeTimeout,
		ackSig:       make(chan struct{}, 1),
		ctrl:         make(chan *packets.Frame, controlQueueLen),
		done:         make(chan struct{}),
	}
}

func (sf *subflow) fingerprint() string {
	return sf.path.Fingerprint
}

// write puts one frame on the wire with a write deadline
func (sf *subflow) write(f *packets.Frame) error {
	sf.wmu.Lock()
	defer sf.wmu.Unlock()
	select {
	case <-sf.done:
		return errSubflowClosed
	default:
	}
	buf := f.Serialize()
	if err := sf.conn.SetWriteDeadline(time.Now().Add(sf.writeTimeout)); err != nil {
		return err
	}
	if _, err := sf.conn.Write(buf); err != nil {
		return err
	}
	sf.metrics.AddWritten(len(buf))
	return nil
}

// queueAck records the latest cumulative ack; only the newest value is sent
func (sf *subflow) queueAck(next uint64) {
	sf.ackMu.Lock()
	if next > sf.ack {
		sf.ack = next
	}
	sf.ackMu.Unlock()
	select {
	case sf.ackSig <- struct{}{}:
	default:
	}
}

func (sf *subflow) pendingAck() uint64 {
	sf.ackMu.Lock()
	defer sf.ackMu.Unlock()
	return sf.ack
}

// queueControl never blocks; a full queue drops the frame
func (sf *subflow) queueControl(f *packets.Frame) bool {
	select {
	case <-sf.done:
		return false
	default:
	}
	select {
	case sf.ctrl <- f:
		return true
	default:
		return false
	}
}

func (sf *subflow) close() error {
	err := errSubflowClosed
	sf.closeOnce.Do(func() {
		close(sf.done)
		err = sf.conn.Close()
	})
	if err == errSubflowClosed {
		return nil
	}
	return err
}
