package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"go.etcd.io/bbolt"
)

const completionBucket = "completion"

// CompletionDB remembers which pieces of which torrent were verified,
// so a restarted node does not download them again
type CompletionDB struct {
	db *bbolt.DB
}

func OpenCompletionDB(path string) (*CompletionDB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, bterrors.New(bterrors.KindStorageFailure, "open completion db", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(completionBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, bterrors.New(bterrors.KindStorageFailure, "create completion bucket", err)
	}
	return &CompletionDB{db: db}, nil
}

func torrentKey(infoHash [20]byte) []byte {
	return []byte(fmt.Sprintf("%x", infoHash))
}

func pieceKey(index int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(index))
	return k
}

// Mark records piece index of the torrent as verified
func (c *CompletionDB) Mark(infoHash [20]byte, index int) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(completionBucket)).CreateBucketIfNotExists(torrentKey(infoHash))
		if err != nil {
			return err
		}
		return b.Put(pieceKey(index), []byte{1})
	})
	if err != nil {
		return bterrors.New(bterrors.KindStorageFailure, fmt.Sprintf("mark piece %d", index), err)
	}
	return nil
}

// Load returns the recorded piece indices of a torrent in ascending order
func (c *CompletionDB) Load(infoHash [20]byte) ([]int, error) {
	indices := make([]int, 0)
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(completionBucket)).Bucket(torrentKey(infoHash))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if len(k) == 4 {
				indices = append(indices, int(binary.BigEndian.Uint32(k)))
			}
			return nil
		})
	})
	if err != nil {
		return nil, bterrors.New(bterrors.KindStorageFailure, "load completion", err)
	}
	return indices, nil
}

// Forget drops everything recorded for a torrent
func (c *CompletionDB) Forget(infoHash [20]byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(completionBucket)).DeleteBucket(torrentKey(infoHash))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return bterrors.New(bterrors.KindStorageFailure, "forget torrent", err)
	}
	return nil
}

func (c *CompletionDB) Close() error {
	return c.db.Close()
}
