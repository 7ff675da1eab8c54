package swarm

import (
	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/packets"
	"github.com/netsys-lab/bittorrent-over-scion/peers"
)

// PeerStatus describes one connected session
type PeerStatus struct {
	Addr         string
	PeerID       string
	State        string
	Inbound      bool
	InFlight     int
	Downloaded   int64
	Score        float64
	Demoted      bool
	Timeouts     int
	HashFailures int
	ActivePath   string
	Paths        []packets.PathMetricsSnapshot
}

// Status is a point in time view of one torrent
type Status struct {
	InfoHash string
	Name     string
	// downloading, seeding or degraded
	State string
	// Downloaded counts bytes of verified pieces
	Downloaded     int64
	Total          int64
	NumPieces      int
	VerifiedPieces int
	PieceBitmap    bitfield.Bitfield
	PieceStates    []PieceState
	Outstanding    int
	HashFailures   int
	Degraded       bool
	Error          string
	PeerCount      int
	Peers          []PeerStatus
	KnownPeers     []peers.Peer
	NumPaths       int
	ReadBandwidth  int64
	WriteBandwidth int64
}

func (s Status) Complete() bool {
	return s.VerifiedPieces == s.NumPieces
}
