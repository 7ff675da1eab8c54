package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type State int

const (
	StateNotStartedYet State = iota
	StateRunning
	StateFinishedFailed
	StateFinishedSuccessfully
	StateFinishedCancelled
	StateSeeding
)

var stateNames = [...]string{
	"not_started_yet",
	"running",
	"failed",
	"completed",
	"cancelled",
	"seeding",
}

func (state State) String() string {
	if int(state) < 0 || int(state) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[state]
}

// IsFinished reports whether no download is in progress
func (state State) IsFinished() bool {
	switch state {
	case StateFinishedFailed, StateFinishedSuccessfully, StateFinishedCancelled, StateSeeding:
		return true
	}
	return false
}

type File struct {
	ID        uint64 `gorm:"primaryKey" json:"id"`
	TorrentID uint64 `json:"-"`

	Path   string `json:"path"`
	Length uint64 `json:"length"`

	Progress uint64 `gorm:"-" json:"progress"` // in bytes
}

type Peer struct {
	ID        uint64 `gorm:"primaryKey"`
	TorrentID uint64

	Address string
}

func (peer Peer) MarshalJSON() ([]byte, error) {
	return json.Marshal(peer.Address)
}

type TorrentMetrics struct {
	ReadBandwidth    int64 `json:"rx"`
	WrittenBandwidth int64 `json:"tx"`
	NumConns         int   `json:"numConns"`
	NumPaths         int   `json:"numPaths"`
}

type Torrent struct {
	/* persisted in database */

	ID        uint64    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	FriendlyName     string `json:"name"`
	InfoHash         string `gorm:"uniqueIndex" json:"infoHash"`
	Peers            []Peer `json:"peers"`
	SeedOnCompletion bool   `json:"seedOnCompletion"`
	State            State  `json:"-"`
	Status           string `json:"status"`
	Files            []File `json:"files"`
	RawTorrentFile   []byte `json:"-"`

	/* only in memory */
	Metrics             TorrentMetrics           `gorm:"-" json:"metrics"`
	NumDownloadedPieces int                      `gorm:"-" json:"-"`
	TorrentFile         *torrentfile.TorrentFile `gorm:"-" json:"-"`
	// closed when the swarm of the torrent is stopped by the API
	Stop chan struct{} `gorm:"-" json:"-"`
}

func (torrent *Torrent) MarshalJSON() ([]byte, error) {
	type Alias Torrent

	numPieces, pieceLength := 0, 0
	if torrent.TorrentFile != nil {
		numPieces = torrent.TorrentFile.NumPieces()
		pieceLength = torrent.TorrentFile.PieceLength
	}

	return json.Marshal(&struct {
		State               string `json:"state"`
		NumPieces           int    `json:"numPieces"`
		NumDownloadedPieces int    `json:"numDownloadedPieces"`
		PieceLength         int    `json:"pieceLength"`
		*Alias
	}{
		State:               torrent.State.String(),
		NumPieces:           numPieces,
		NumDownloadedPieces: torrent.NumDownloadedPieces,
		PieceLength:         pieceLength,
		Alias:               (*Alias)(torrent),
	})
}

// SaveState persists a state change
func (torrent *Torrent) SaveState(db *gorm.DB, state State, status string) {
	oldState := torrent.State
	torrent.State = state
	torrent.Status = status
	if result := db.Save(torrent); result.Error != nil {
		log.Error(result.Error)
	}
	log.Infof("[HTTP API] State of torrent %d changed from '%s' to '%s'!", torrent.ID, oldState, torrent.State)
}

// GetFileDir is where the content of the torrent is stored
func (torrent *Torrent) GetFileDir(fs *FS) string {
	return filepath.Join(fs.FileDir, fmt.Sprintf("%d", torrent.ID))
}

// ContentPath is the single content file of the torrent
func (torrent *Torrent) ContentPath(fs *FS) string {
	return filepath.Join(torrent.GetFileDir(fs), filepath.Base(torrent.TorrentFile.Name))
}
