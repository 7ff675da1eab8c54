package swarm

import (
	"github.com/netsys-lab/bittorrent-over-scion/message"
)

// PieceState of one piece as the coordinator sees it
type PieceState int

const (
	Missing PieceState = iota
	Requested
	Verified
	// all blocks received, hash check pending. Reported as Requested.
	verifying
)

func (s PieceState) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested, verifying:
		return "requested"
	case Verified:
		return "verified"
	}
	return "unknown"
}

type block struct {
	req   message.Request
	owner *peerConn
	// sessions this block timed out on
	excluded map[*peerConn]bool
	received bool
}

type piece struct {
	index    int
	state    PieceState
	blocks   []block
	buf      []byte
	received int
	// peers that delivered blocks of the current attempt
	contributors map[*peerInfo]bool
}

func (p *piece) start(size, blockSize int) {
	p.state = Requested
	p.buf = make([]byte, size)
	p.received = 0
	p.contributors = make(map[*peerInfo]bool)
	p.blocks = p.blocks[:0]
	for begin := 0; begin < size; begin += blockSize {
		length := blockSize
		if begin+length > size {
			length = size - begin
		}
		p.blocks = append(p.blocks, block{req: message.Request{Index: p.index, Begin: begin, Length: length}})
	}
}

// reset drops everything received for the piece
func (p *piece) reset() {
	p.state = Missing
	p.blocks = nil
	p.buf = nil
	p.received = 0
	p.contributors = nil
}

func (p *piece) blockIndex(req message.Request) (int, bool) {
	for i := range p.blocks {
		if p.blocks[i].req == req {
			return i, true
		}
	}
	return 0, false
}

// assignable reports whether pc may be given block i
func (p *piece) assignable(i int, pc *peerConn) bool {
	b := &p.blocks[i]
	return !b.received && b.owner == nil && !b.excluded[pc]
}

// picker chooses the next block to request, rarest piece first with ties
// broken by the lower index
type picker struct {
	pieces       []*piece
	availability []int
	blockSize    int
	pieceSize    func(int) int
}

func newPicker(numPieces, blockSize int, pieceSize func(int) int) *picker {
	p := &picker{
		pieces:       make([]*piece, numPieces),
		availability: make([]int, numPieces),
		blockSize:    blockSize,
		pieceSize:    pieceSize,
	}
	for i := range p.pieces {
		p.pieces[i] = &piece{index: i}
	}
	return p
}

// candidate returns the first block of piece pc may request, or -1
func (p *picker) candidate(pc *peerConn, pi *piece) int {
	switch pi.state {
	case Missing:
		return 0
	case Requested:
		for i := range pi.blocks {
			if pi.assignable(i, pc) {
				return i
			}
		}
	}
	return -1
}

// pick returns a piece and block pc should request next
func (p *picker) pick(pc *peerConn) (*piece, int, bool) {
	var best *piece
	bestBlock := -1
	for _, pi := range p.pieces {
		if pi.state != Missing && pi.state != Requested {
			continue
		}
		if !pc.have.HasPiece(pi.index) {
			continue
		}
		if best != nil && p.availability[pi.index] >= p.availability[best.index] {
			continue
		}
		if b := p.candidate(pc, pi); b >= 0 {
			best, bestBlock = pi, b
		}
	}
	if best == nil {
		return nil, 0, false
	}
	if best.state == Missing {
		best.start(p.pieceSize(best.index), p.blockSize)
	}
	return best, bestBlock, true
}

func (p *picker) addHave(index int) {
	p.availability[index]++
}

func (p *picker) removeHave(index int) {
	if p.availability[index] > 0 {
		p.availability[index]--
	}
}

// verifiedCount counts pieces in the Verified state
func (p *picker) verifiedCount() int {
	n := 0
	for _, pi := range p.pieces {
		if pi.state == Verified {
			n++
		}
	}
	return n
}
