package storage

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend that counts writes
type memBackend struct {
	mu       sync.Mutex
	data     []byte
	writes   int32
	failWith error
}

func newMemBackend(size int) *memBackend {
	return &memBackend{data: make([]byte, size)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	atomic.AddInt32(&m.writes, 1)
	if m.failWith != nil {
		return 0, m.failWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Close() error { return nil }

func testTorrent(t *testing.T, size, pieceLength int) (torrentfile.TorrentFile, []byte) {
	t.Helper()
	content := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(content)
	meta, err := torrentfile.Create("content.bin", content, pieceLength)
	require.NoError(t, err)
	return meta, content
}

func piece(meta torrentfile.TorrentFile, content []byte, index int) []byte {
	begin, end := meta.PieceBounds(index)
	return content[begin:end]
}

func TestFileStore(t *testing.T) {
	t.Run("put then get returns identical bytes", func(t *testing.T) {
		meta, content := testTorrent(t, 10*1024+7, 1024)
		s, err := NewFileStore(&meta, newMemBackend(meta.Length), nil)
		require.NoError(t, err)

		for i := 0; i < meta.NumPieces(); i++ {
			res, err := s.Put(i, piece(meta, content, i))
			require.NoError(t, err)
			assert.Equal(t, Verified, res)
		}
		for i := 0; i < meta.NumPieces(); i++ {
			got, err := s.Get(i)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(piece(meta, content, i), got), "piece %d differs", i)
		}
		assert.True(t, s.Bitfield().Valid(meta.NumPieces()))
		assert.Equal(t, meta.NumPieces(), s.Bitfield().Count(meta.NumPieces()))
	})

	t.Run("corrupt data is never persisted", func(t *testing.T) {
		meta, content := testTorrent(t, 4096, 1024)
		backend := newMemBackend(meta.Length)
		s, err := NewFileStore(&meta, backend, nil)
		require.NoError(t, err)

		bad := append([]byte(nil), piece(meta, content, 1)...)
		bad[10] ^= 0xff
		res, err := s.Put(1, bad)
		require.NoError(t, err)
		assert.Equal(t, Corrupt, res)
		assert.False(t, s.HasPiece(1))
		assert.EqualValues(t, 0, atomic.LoadInt32(&backend.writes))

		_, err = s.Get(1)
		assert.True(t, errors.Is(err, ErrNotFound))

		res, err = s.Put(1, piece(meta, content, 1)[:100])
		require.NoError(t, err)
		assert.Equal(t, Corrupt, res)
	})

	t.Run("concurrent puts verify exactly once", func(t *testing.T) {
		meta, content := testTorrent(t, 4096, 1024)
		backend := newMemBackend(meta.Length)
		s, err := NewFileStore(&meta, backend, nil)
		require.NoError(t, err)

		var verified, already int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.Put(2, piece(meta, content, 2))
				assert.NoError(t, err)
				switch res {
				case Verified:
					atomic.AddInt32(&verified, 1)
				case AlreadyVerified:
					atomic.AddInt32(&already, 1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, verified)
		assert.EqualValues(t, 15, already)
		assert.EqualValues(t, 1, atomic.LoadInt32(&backend.writes))
	})

	t.Run("out of range index", func(t *testing.T) {
		meta, content := testTorrent(t, 2048, 1024)
		s, err := NewFileStore(&meta, newMemBackend(meta.Length), nil)
		require.NoError(t, err)

		_, err = s.Put(2, piece(meta, content, 0))
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.Get(-1)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, s.HasPiece(5))
	})

	t.Run("read block bounds", func(t *testing.T) {
		meta, content := testTorrent(t, 2048+100, 1024)
		s, err := NewFileStore(&meta, newMemBackend(meta.Length), nil)
		require.NoError(t, err)
		_, err = s.Put(2, piece(meta, content, 2))
		require.NoError(t, err)

		b, err := s.ReadBlock(2, 50, 50)
		require.NoError(t, err)
		assert.Equal(t, content[2048+50:2048+100], b)

		_, err = s.ReadBlock(2, 50, 51)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.ReadBlock(0, 0, 16)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("write failure is a storage failure", func(t *testing.T) {
		meta, content := testTorrent(t, 2048, 1024)
		backend := newMemBackend(meta.Length)
		backend.failWith = io.ErrShortWrite
		s, err := NewFileStore(&meta, backend, nil)
		require.NoError(t, err)

		_, err = s.Put(0, piece(meta, content, 0))
		require.Error(t, err)
		assert.Equal(t, bterrors.KindStorageFailure, bterrors.KindOf(err))
		assert.False(t, s.HasPiece(0))
	})

	t.Run("closed store rejects puts", func(t *testing.T) {
		meta, content := testTorrent(t, 2048, 1024)
		s, err := NewFileStore(&meta, newMemBackend(meta.Length), nil)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, err = s.Put(0, piece(meta, content, 0))
		assert.True(t, errors.Is(err, ErrClosed))
		assert.NoError(t, s.Close())
	})
}

func TestFileStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	meta, content := testTorrent(t, 5000, 1024)
	db, err := OpenCompletionDB(filepath.Join(dir, "completion.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := Open(&meta, dir, db)
	require.NoError(t, err)
	for _, i := range []int{0, 3, 4} {
		res, err := s.Put(i, piece(meta, content, i))
		require.NoError(t, err)
		require.Equal(t, Verified, res)
	}
	require.NoError(t, s.Close())

	t.Run("resume trusts only recorded and rehashed pieces", func(t *testing.T) {
		s, err := Open(&meta, dir, db)
		require.NoError(t, err)
		defer s.Close()
		assert.True(t, s.HasPiece(0))
		assert.False(t, s.HasPiece(1))
		assert.True(t, s.HasPiece(3))
		assert.True(t, s.HasPiece(4))
		got, err := s.Get(4)
		require.NoError(t, err)
		assert.Equal(t, piece(meta, content, 4), got)
	})

	t.Run("forget drops the record", func(t *testing.T) {
		require.NoError(t, db.Forget(meta.InfoHash))
		indices, err := db.Load(meta.InfoHash)
		require.NoError(t, err)
		assert.Empty(t, indices)
	})

	t.Run("recheck finds pieces already on disk", func(t *testing.T) {
		s, err := Open(&meta, dir, nil)
		require.NoError(t, err)
		defer s.Close()
		found, err := s.Recheck()
		require.NoError(t, err)
		assert.Equal(t, 3, found)
		assert.False(t, s.HasPiece(2))
	})
}

func TestOpenFileExistingContent(t *testing.T) {
	meta, content := testTorrent(t, 5000, 1024)

	t.Run("mismatched file is left untouched", func(t *testing.T) {
		for _, size := range []int{meta.Length - 1, meta.Length + 100} {
			path := filepath.Join(t.TempDir(), "seed.bin")
			own := make([]byte, size)
			copy(own, content)
			require.NoError(t, os.WriteFile(path, own, 0o644))

			s, err := OpenFile(&meta, path, nil)
			assert.Nil(t, s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSizeMismatch))
			assert.Equal(t, bterrors.KindStorageFailure, bterrors.KindOf(err))

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, own, got)
		}
	})

	t.Run("matching file is served after recheck", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seed.bin")
		require.NoError(t, os.WriteFile(path, content, 0o644))

		s, err := OpenFile(&meta, path, nil)
		require.NoError(t, err)
		defer s.Close()
		found, err := s.Recheck()
		require.NoError(t, err)
		assert.Equal(t, meta.NumPieces(), found)
	})

	t.Run("new file is sized to the torrent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.bin")
		s, err := OpenFile(&meta, path, nil)
		require.NoError(t, err)
		defer s.Close()
		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(meta.Length), fi.Size())
	})
}
