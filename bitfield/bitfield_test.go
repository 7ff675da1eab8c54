package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfield(t *testing.T) {
	t.Run("set and clear", func(t *testing.T) {
		bf := New(10)
		assert.Len(t, bf, 2)
		bf.SetPiece(0)
		bf.SetPiece(9)
		assert.Equal(t, Bitfield{0x80, 0x40}, bf)
		assert.True(t, bf.HasPiece(9))
		assert.False(t, bf.HasPiece(8))
		bf.ClearPiece(0)
		assert.False(t, bf.HasPiece(0))
		assert.Equal(t, 1, bf.Count(10))
	})

	t.Run("out of range is ignored", func(t *testing.T) {
		bf := New(4)
		bf.SetPiece(100)
		bf.SetPiece(-1)
		assert.False(t, bf.HasPiece(100))
		assert.False(t, bf.HasPiece(-1))
		assert.Equal(t, 0, bf.Count(4))
	})

	t.Run("valid rejects spare bits and bad length", func(t *testing.T) {
		assert.True(t, Full(4).Valid(4))
		assert.False(t, Bitfield{0xff}.Valid(4))
		assert.False(t, Bitfield{0xf0, 0x00}.Valid(4))
	})

	t.Run("clone is independent", func(t *testing.T) {
		bf := Full(3)
		c := bf.Clone()
		c.ClearPiece(1)
		assert.True(t, bf.HasPiece(1))
	})
}
