package handshake

import (
	"io"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
)

const protocolName = "BitTorrent protocol"

// A Handshake is a special message that a peer uses to identify itself
type Handshake struct {
	Pstr       string
	InfoHash   [20]byte
	PeerID     [20]byte
	DhtSupport bool
}

// New creates a new handshake with the standard pstr
func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolName,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize serializes the handshake to a buffer
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(h.Pstr)+49)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], h.reservedBytes())
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func (h *Handshake) reservedBytes() []byte {
	reserved := make([]byte, 8)
	if h.DhtSupport {
		reserved[7] |= 1
	}
	return reserved
}

// Read parses a handshake from a stream
func Read(r io.Reader) (*Handshake, error) {
	lengthBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lengthBuf[0])
	if pstrlen == 0 {
		return nil, bterrors.Newf(bterrors.KindProtocolViolation, "pstrlen cannot be 0")
	}

	buf := make([]byte, 48+pstrlen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if pstr := string(buf[0:pstrlen]); pstr != protocolName {
		return nil, bterrors.Newf(bterrors.KindProtocolViolation, "unexpected protocol %q", pstr)
	}

	h := Handshake{Pstr: protocolName}
	reserved := buf[pstrlen : pstrlen+8]
	copy(h.InfoHash[:], buf[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], buf[pstrlen+28:])
	h.DhtSupport = reserved[7]&1 > 0
	return &h, nil
}
