package session

import (
	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/message"
)

// Event is what a session reports to its owner. The owner must keep
// draining events until it has seen the ClosedEvent of every session.
type Event interface {
	From() *Session
}

// ReadyEvent follows a successful handshake
type ReadyEvent struct {
	Session *Session
	PeerID  [20]byte
}

// BitfieldEvent carries the peer's full availability
type BitfieldEvent struct {
	Session  *Session
	Bitfield bitfield.Bitfield
}

// HaveEvent announces one more piece at the peer
type HaveEvent struct {
	Session *Session
	Index   int
}

// ChokeEvent reports a choke state change. On choke the peer discards our
// requests; they are returned in Dropped.
type ChokeEvent struct {
	Session *Session
	Choked  bool
	Dropped []message.Request
}

// BlockEvent delivers a requested block
type BlockEvent struct {
	Session *Session
	Request message.Request
	Data    []byte
}

// TimeoutEvent reports a request that was cancelled after RequestTimeout
type TimeoutEvent struct {
	Session *Session
	Request message.Request
}

// ClosedEvent is the last event of a session. Pending holds the requests
// that were still in flight.
type ClosedEvent struct {
	Session *Session
	Err     error
	Pending []message.Request
}

func (e ReadyEvent) From() *Session    { return e.Session }
func (e BitfieldEvent) From() *Session { return e.Session }
func (e HaveEvent) From() *Session     { return e.Session }
func (e ChokeEvent) From() *Session    { return e.Session }
func (e BlockEvent) From() *Session    { return e.Session }
func (e TimeoutEvent) From() *Session  { return e.Session }
func (e ClosedEvent) From() *Session   { return e.Session }
