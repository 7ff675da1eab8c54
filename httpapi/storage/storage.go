package storage

import (
	"errors"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DbBackend int

const (
	Sqlite DbBackend = 0
)

type FS struct {
	FileDir string
}

type Storage struct {
	DbBackend DbBackend
	DB        *gorm.DB
	FS        *FS
}

func (s *Storage) Init(fileDir string, dsn string) error {
	s.FS = &FS{
		FileDir: fileDir,
	}
	if err := os.MkdirAll(s.FS.FileDir, os.ModePerm); err != nil {
		return err
	}

	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	var err error
	switch s.DbBackend {
	case Sqlite:
		s.DB, err = gorm.Open(sqlite.Open(dsn), config)
	default:
		return errors.New("unknown storage backend")
	}
	if err != nil {
		return err
	}
	return s.DB.AutoMigrate(
		&Torrent{},
		&File{},
		&Peer{},
	)
}

// LoadTorrents returns every persisted torrent with its peers and files
func (s *Storage) LoadTorrents() ([]*Torrent, error) {
	var torrents []*Torrent
	result := s.DB.Preload("Peers").Preload("Files").Order("id").Find(&torrents)
	return torrents, result.Error
}

// DeleteTorrent removes the torrent and everything that belongs to it
func (s *Storage) DeleteTorrent(torrent *Torrent) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("torrent_id = ?", torrent.ID).Delete(&Peer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("torrent_id = ?", torrent.ID).Delete(&File{}).Error; err != nil {
			return err
		}
		return tx.Delete(torrent).Error
	})
}

func (s *Storage) Close() error {
	db, err := s.DB.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
