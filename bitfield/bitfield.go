package bitfield

// A Bitfield represents the pieces that a peer has, most significant bit first
type Bitfield []byte

// New returns an empty Bitfield large enough for numPieces
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece tells if a bitfield has a particular index set
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>uint(7-offset)&1 != 0
}

// SetPiece sets a bit in the bitfield
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << uint(7-offset)
}

func (bf Bitfield) ClearPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] &^= 1 << uint(7-offset)
}

// Count returns the number of set bits among the first numPieces
func (bf Bitfield) Count(numPieces int) int {
	n := 0
	for i := 0; i < numPieces; i++ {
		if bf.HasPiece(i) {
			n++
		}
	}
	return n
}

func (bf Bitfield) Clone() Bitfield {
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}

// Valid reports whether bf is a well formed bitfield for numPieces:
// correct length and no spare bits set
func (bf Bitfield) Valid(numPieces int) bool {
	if len(bf) != (numPieces+7)/8 {
		return false
	}
	for i := numPieces; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return false
		}
	}
	return true
}

// Full returns a bitfield with all numPieces bits set
func Full(numPieces int) Bitfield {
	bf := New(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.SetPiece(i)
	}
	return bf
}
