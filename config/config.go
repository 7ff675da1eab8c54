package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/smp"
	"github.com/netsys-lab/bittorrent-over-scion/swarm"
)

// Config gathers the settings of one node. Components get their part at
// construction time.
type Config struct {
	// Local is the SCION address the node listens on. Port 0 picks a free port.
	Local string
	// DataDir holds downloaded content and the piece completion database
	DataDir string
	// DBPath is the sqlite database of the HTTP API
	DBPath string
	// NumPaths caps the candidate paths per peer, 0 keeps all
	NumPaths   int
	PathPolicy pathselection.Policy
	// SocketHandshakeTimeout bounds the QUIC handshake of every subflow
	SocketHandshakeTimeout time.Duration

	HttpApiAddr    string
	HttpApiMaxSize int64

	Transport smp.Options
	Swarm     swarm.Options
}

func Default() Config {
	return Config{
		DataDir:                "data",
		DBPath:                 "bittorrent.db",
		PathPolicy:             pathselection.PolicyDisjoint,
		SocketHandshakeTimeout: 5 * time.Second,
		HttpApiAddr:            "0.0.0.0:8000",
		HttpApiMaxSize:         128 * 1000000,
		Transport:              *smp.DefaultOptions(),
		Swarm:                  swarm.DefaultOptions(),
	}
}

// CompletionDBPath is where verified pieces are recorded
func (c *Config) CompletionDBPath() string {
	return filepath.Join(c.DataDir, "completion.db")
}

func (c *Config) Validate() error {
	if c.Local == "" {
		return errors.New("no local address configured")
	}
	if c.DataDir == "" {
		return errors.New("no data directory configured")
	}
	if c.NumPaths < 0 {
		return fmt.Errorf("numPaths must not be negative, got %d", c.NumPaths)
	}
	if _, err := pathselection.ParsePolicy(string(c.PathPolicy)); err != nil {
		return err
	}
	if c.HttpApiMaxSize <= 0 {
		return fmt.Errorf("httpApiMaxSize must be positive, got %d", c.HttpApiMaxSize)
	}
	return nil
}
