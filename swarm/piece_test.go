package swarm

import (
	"testing"

	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPicker(availability ...int) *picker {
	p := newPicker(len(availability), 16*1024, func(int) int { return 32 * 1024 })
	copy(p.availability, availability)
	return p
}

func peerWith(pieces ...int) *peerConn {
	have := bitfield.New(8)
	for _, i := range pieces {
		have.SetPiece(i)
	}
	return &peerConn{have: have, peer: &peerInfo{}}
}

func TestPicker(t *testing.T) {
	t.Run("rarest first with ties by index", func(t *testing.T) {
		p := testPicker(2, 1, 1, 3)
		pc := peerWith(0, 1, 2, 3)

		pi, bi, ok := p.pick(pc)
		require.True(t, ok)
		assert.Equal(t, 1, pi.index)
		assert.Equal(t, 0, bi)
		assert.Equal(t, Requested, pi.state)
		assert.Len(t, pi.blocks, 2)
		pi.blocks[bi].owner = pc

		pi, bi, ok = p.pick(pc)
		require.True(t, ok)
		assert.Equal(t, 1, pi.index)
		assert.Equal(t, 1, bi)
		pi.blocks[bi].owner = pc

		pi, _, ok = p.pick(pc)
		require.True(t, ok)
		assert.Equal(t, 2, pi.index)
	})

	t.Run("only pieces the peer has", func(t *testing.T) {
		p := testPicker(1, 1, 5)
		pi, _, ok := p.pick(peerWith(2))
		require.True(t, ok)
		assert.Equal(t, 2, pi.index)

		_, _, ok = p.pick(peerWith())
		assert.False(t, ok)
	})

	t.Run("verified and verifying pieces are skipped", func(t *testing.T) {
		p := testPicker(1, 1, 1)
		p.pieces[0].state = Verified
		p.pieces[1].state = verifying
		pi, _, ok := p.pick(peerWith(0, 1, 2))
		require.True(t, ok)
		assert.Equal(t, 2, pi.index)
		assert.Equal(t, 1, p.verifiedCount())
	})

	t.Run("timed out block goes to another session", func(t *testing.T) {
		p := testPicker(2)
		slow, other := peerWith(0), peerWith(0)

		pi, bi, ok := p.pick(slow)
		require.True(t, ok)
		pi.blocks[bi].excluded = map[*peerConn]bool{slow: true}
		pi.blocks[1].owner = other

		_, _, ok = p.pick(slow)
		assert.False(t, ok, "block 0 must not be requested from the session it timed out on")

		pi, bi, ok = p.pick(other)
		require.True(t, ok)
		assert.Equal(t, 0, bi)
	})

	t.Run("reset drops progress", func(t *testing.T) {
		p := testPicker(1)
		pi, bi, ok := p.pick(peerWith(0))
		require.True(t, ok)
		pi.blocks[bi].received = true
		pi.received = 1
		pi.reset()
		assert.Equal(t, Missing, pi.state)
		assert.Nil(t, pi.buf)
		assert.Equal(t, 0, pi.received)
	})

	t.Run("availability never negative", func(t *testing.T) {
		p := testPicker(0)
		p.removeHave(0)
		assert.Equal(t, 0, p.availability[0])
		p.addHave(0)
		assert.Equal(t, 1, p.availability[0])
	})
}

func TestPieceStateString(t *testing.T) {
	assert.Equal(t, "requested", verifying.String())
	assert.Equal(t, "verified", Verified.String())
	assert.Equal(t, "missing", Missing.String())
}
