package handshake

import (
	"bytes"
	"testing"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	infoHash := [20]byte{134, 212, 200, 0, 36, 164, 105, 190, 76, 80, 188, 90, 16, 44, 247, 23, 128, 49, 0, 116}
	peerID := [20]byte{'-', 'B', 'S', '0', '0', '0', '1', '-', 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	t.Run("serialize layout", func(t *testing.T) {
		buf := New(infoHash, peerID).Serialize()
		require.Len(t, buf, 68)
		assert.Equal(t, byte(19), buf[0])
		assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))
		assert.Equal(t, make([]byte, 8), buf[20:28])
		assert.Equal(t, infoHash[:], buf[28:48])
		assert.Equal(t, peerID[:], buf[48:68])
	})

	t.Run("read what was written", func(t *testing.T) {
		h := New(infoHash, peerID)
		h.DhtSupport = true
		got, err := Read(bytes.NewReader(h.Serialize()))
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})

	t.Run("zero pstrlen", func(t *testing.T) {
		_, err := Read(bytes.NewReader(make([]byte, 68)))
		assert.Equal(t, bterrors.KindProtocolViolation, bterrors.KindOf(err))
	})

	t.Run("foreign protocol", func(t *testing.T) {
		h := New(infoHash, peerID)
		h.Pstr = "BitTorrent protocoX"
		_, err := Read(bytes.NewReader(h.Serialize()))
		assert.Equal(t, bterrors.KindProtocolViolation, bterrors.KindOf(err))
	})

	t.Run("short stream", func(t *testing.T) {
		_, err := Read(bytes.NewReader(New(infoHash, peerID).Serialize()[:30]))
		assert.Error(t, err)
	})
}
