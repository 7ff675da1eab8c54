package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	content := bytes.Repeat([]byte("scion"), 1000) // 5000 bytes
	tf, err := Create("sample.bin", content, 2048)
	require.NoError(t, err)

	assert.Equal(t, 3, tf.NumPieces())
	assert.Equal(t, 5000, tf.Length)
	assert.Equal(t, 904, tf.PieceSize(2))
	begin, end := tf.PieceBounds(1)
	assert.Equal(t, 2048, begin)
	assert.Equal(t, 4096, end)
	assert.Equal(t, sha1.Sum(content[4096:]), tf.PieceHashes[2])
}

func TestCreateRejectsEmpty(t *testing.T) {
	_, err := Create("empty", nil, 16)
	assert.Error(t, err)
}

func TestMarshalParse(t *testing.T) {
	content := bytes.Repeat([]byte{1, 2, 3}, 700)
	tf, err := Create("data", content, 512)
	require.NoError(t, err)
	tf.Announce = "19-ffaa:1:c3f,[127.0.0.1]:6969"

	raw, err := tf.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "data.torrent")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	parsed, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, tf.InfoHash, parsed.InfoHash)
	assert.Equal(t, tf.PieceHashes, parsed.PieceHashes)
	assert.Equal(t, tf.Announce, parsed.Announce)
	assert.Equal(t, tf.HexInfoHash(), parsed.HexInfoHash())
}

func TestParseRejectsMalformedPieces(t *testing.T) {
	raw := []byte("d4:infod6:lengthi10e4:name1:a12:piece lengthi4e6:pieces3:abcee")
	_, err := Parse(bytes.NewReader(raw))
	assert.Error(t, err)
}
