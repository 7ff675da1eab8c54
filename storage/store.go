package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/netsys-lab/bittorrent-over-scion/bitfield"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	log "github.com/sirupsen/logrus"
)

// VerifyResult is the outcome of a Put
type VerifyResult int

const (
	// Corrupt means the hash did not match, nothing was written
	Corrupt VerifyResult = iota
	// Verified means the piece passed its hash check and was persisted
	Verified
	// AlreadyVerified means an earlier Put verified the piece, nothing was written
	AlreadyVerified
)

func (r VerifyResult) String() string {
	return [...]string{"corrupt", "verified", "already_verified"}[r]
}

var (
	// ErrNotFound is returned for indices outside the torrent or pieces not verified yet
	ErrNotFound     = errors.New("piece not found")
	ErrClosed       = errors.New("store closed")
	// ErrSizeMismatch is returned when existing content does not have the torrent length
	ErrSizeMismatch = errors.New("content size mismatch")
)

// Store persists and serves the verified pieces of one torrent
type Store interface {
	Put(index int, data []byte) (VerifyResult, error)
	Get(index int) ([]byte, error)
	HasPiece(index int) bool
	ReadBlock(index, begin, length int) ([]byte, error)
	Bitfield() bitfield.Bitfield
	NumPieces() int
	Close() error
}

// Backend is the random access storage behind a FileStore
type Backend interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

var _ Store = (*FileStore)(nil)

// FileStore keeps the torrent content in one backend addressed by piece offsets.
// Put calls for the same index are serialized so only one of them can verify.
type FileStore struct {
	meta       *torrentfile.TorrentFile
	backend    Backend
	completion *CompletionDB
	pieceLocks []sync.Mutex

	mu       sync.RWMutex
	verified bitfield.Bitfield

	closeMu sync.RWMutex
	closed  bool
	log     *log.Entry
}

// Open creates (or reuses) the content file for meta inside dir
func Open(meta *torrentfile.TorrentFile, dir string, completion *CompletionDB) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, bterrors.New(bterrors.KindStorageFailure, "create dir", err)
	}
	name := filepath.Join(dir, filepath.Base(meta.Name))
	if meta.Name == "" {
		name = filepath.Join(dir, meta.HexInfoHash())
	}
	return OpenFile(meta, name, completion)
}

// OpenFile uses the content file at path, creating it if needed. Only a
// file created here is sized to the torrent length, an existing file of a
// different size is left untouched and rejected.
func OpenFile(meta *torrentfile.TorrentFile, path string, completion *CompletionDB) (*FileStore, error) {
	created := true
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		created = false
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, bterrors.New(bterrors.KindStorageFailure, "open content file", err)
	}
	if created {
		if err := f.Truncate(int64(meta.Length)); err != nil {
			f.Close()
			return nil, bterrors.New(bterrors.KindStorageFailure, "size content file", err)
		}
		return NewFileStore(meta, f, completion)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, bterrors.New(bterrors.KindStorageFailure, "stat content file", err)
	}
	if fi.Size() != int64(meta.Length) {
		f.Close()
		return nil, bterrors.New(bterrors.KindStorageFailure,
			fmt.Sprintf("content size %d does not match torrent length %d", fi.Size(), meta.Length), ErrSizeMismatch)
	}
	return NewFileStore(meta, f, completion)
}

// NewFileStore wraps backend. Pieces the completion db knows about are
// re-hashed before they are reported as verified.
func NewFileStore(meta *torrentfile.TorrentFile, backend Backend, completion *CompletionDB) (*FileStore, error) {
	s := &FileStore{
		meta:       meta,
		backend:    backend,
		completion: completion,
		pieceLocks: make([]sync.Mutex, meta.NumPieces()),
		verified:   bitfield.New(meta.NumPieces()),
		log:        log.WithField("torrent", meta.HexInfoHash()),
	}
	if completion == nil {
		return s, nil
	}
	known, err := completion.Load(meta.InfoHash)
	if err != nil {
		return nil, err
	}
	resumed := 0
	for _, index := range known {
		if index < 0 || index >= meta.NumPieces() {
			continue
		}
		ok, err := s.checkPiece(index)
		if err != nil {
			return nil, err
		}
		if ok {
			s.verified.SetPiece(index)
			resumed++
		}
	}
	s.log.Debugf("[Store] Resumed %d of %d recorded pieces", resumed, len(known))
	return s, nil
}

func (s *FileStore) NumPieces() int {
	return s.meta.NumPieces()
}

func (s *FileStore) inRange(index int) bool {
	return index >= 0 && index < s.meta.NumPieces()
}

// Put verifies data against the declared hash of piece index and persists it
func (s *FileStore) Put(index int, data []byte) (VerifyResult, error) {
	if !s.inRange(index) {
		return Corrupt, ErrNotFound
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return Corrupt, bterrors.New(bterrors.KindStorageFailure, "put", ErrClosed)
	}

	s.pieceLocks[index].Lock()
	defer s.pieceLocks[index].Unlock()

	if s.HasPiece(index) {
		return AlreadyVerified, nil
	}
	if len(data) != s.meta.PieceSize(index) {
		return Corrupt, nil
	}
	hash := sha1.Sum(data)
	if !bytes.Equal(hash[:], s.meta.PieceHashes[index][:]) {
		s.log.Debugf("[Store] Piece %d failed integrity check", index)
		return Corrupt, nil
	}

	begin, _ := s.meta.PieceBounds(index)
	if _, err := s.backend.WriteAt(data, int64(begin)); err != nil {
		return Corrupt, bterrors.New(bterrors.KindStorageFailure, fmt.Sprintf("write piece %d", index), err)
	}
	if s.completion != nil {
		if err := s.completion.Mark(s.meta.InfoHash, index); err != nil {
			return Corrupt, err
		}
	}

	s.mu.Lock()
	s.verified.SetPiece(index)
	s.mu.Unlock()
	return Verified, nil
}

// Get returns the full content of a verified piece
func (s *FileStore) Get(index int) ([]byte, error) {
	if !s.HasPiece(index) {
		return nil, ErrNotFound
	}
	return s.read(index, 0, s.meta.PieceSize(index))
}

// ReadBlock returns length bytes at offset begin of a verified piece
func (s *FileStore) ReadBlock(index, begin, length int) ([]byte, error) {
	if !s.HasPiece(index) {
		return nil, ErrNotFound
	}
	if begin < 0 || length <= 0 || begin+length > s.meta.PieceSize(index) {
		return nil, fmt.Errorf("block %d+%d outside piece %d: %w", begin, length, index, ErrNotFound)
	}
	return s.read(index, begin, length)
}

func (s *FileStore) read(index, begin, length int) ([]byte, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, bterrors.New(bterrors.KindStorageFailure, "read", ErrClosed)
	}
	start, _ := s.meta.PieceBounds(index)
	buf := make([]byte, length)
	n, err := s.backend.ReadAt(buf, int64(start+begin))
	if n == length {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, bterrors.New(bterrors.KindStorageFailure, fmt.Sprintf("read piece %d", index), err)
}

func (s *FileStore) HasPiece(index int) bool {
	if !s.inRange(index) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified.HasPiece(index)
}

// Bitfield returns a snapshot of the verified pieces
func (s *FileStore) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified.Clone()
}

// Recheck hashes every piece that is not verified yet, e.g. for a file that
// is already complete on disk when seeding. It returns the number of pieces
// that became verified.
func (s *FileStore) Recheck() (int, error) {
	found := 0
	for i := 0; i < s.meta.NumPieces(); i++ {
		if s.HasPiece(i) {
			continue
		}
		s.pieceLocks[i].Lock()
		ok, err := s.checkPiece(i)
		if err == nil && ok && s.completion != nil {
			err = s.completion.Mark(s.meta.InfoHash, i)
		}
		if err == nil && ok {
			s.mu.Lock()
			s.verified.SetPiece(i)
			s.mu.Unlock()
			found++
		}
		s.pieceLocks[i].Unlock()
		if err != nil {
			return found, err
		}
	}
	s.log.Infof("[Store] Recheck verified %d pieces, %d of %d present", found, s.verified.Count(s.meta.NumPieces()), s.meta.NumPieces())
	return found, nil
}

func (s *FileStore) checkPiece(index int) (bool, error) {
	begin, _ := s.meta.PieceBounds(index)
	buf := make([]byte, s.meta.PieceSize(index))
	n, err := s.backend.ReadAt(buf, int64(begin))
	if n != len(buf) {
		if err == io.EOF || err == nil {
			return false, nil
		}
		return false, bterrors.New(bterrors.KindStorageFailure, fmt.Sprintf("read piece %d", index), err)
	}
	hash := sha1.Sum(buf)
	return bytes.Equal(hash[:], s.meta.PieceHashes[index][:]), nil
}

// Close waits for running Puts and releases the backend
func (s *FileStore) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}
