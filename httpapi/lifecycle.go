package httpapi

import (
	"bytes"
	"errors"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/httpapi/storage"
	"github.com/netsys-lab/bittorrent-over-scion/swarm"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	log "github.com/sirupsen/logrus"
)

var statusPollInterval = time.Second

// LoadFromStorage restores the persisted torrents and resumes the ones
// that were downloading or seeding
func (api *HttpApi) LoadFromStorage() error {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.torrents = make(map[uint64]*storage.Torrent)

	torrents, err := api.Storage.LoadTorrents()
	if err != nil {
		return err
	}
	for _, torrent := range torrents {
		meta, err := torrentfile.Parse(bytes.NewReader(torrent.RawTorrentFile))
		if err != nil {
			log.Errorf("[HTTP API] Stored torrent %d could not be parsed: %s", torrent.ID, err)
			continue
		}
		torrent.TorrentFile = &meta
		api.torrents[torrent.ID] = torrent

		switch torrent.State {
		case storage.StateNotStartedYet, storage.StateRunning, storage.StateSeeding:
			if err := api.start(torrent, true); err != nil {
				log.Errorf("[HTTP API] Torrent %d could not be resumed: %s", torrent.ID, err)
				torrent.SaveState(api.Storage.DB, storage.StateFinishedFailed, err.Error())
			}
		}
	}
	log.Infof("[HTTP API] Loaded %d torrents from storage", len(api.torrents))
	return nil
}

// start adds the swarm of torrent to the engine. With recheck the content
// already on disk is verified first. Callers hold api.mu.
func (api *HttpApi) start(torrent *storage.Torrent, recheck bool) error {
	meta := torrent.TorrentFile
	coord := api.Engine.Coordinator()
	if err := api.Engine.AddTorrent(meta, torrent.ContentPath(api.Storage.FS), recheck); err != nil {
		return err
	}
	for _, peer := range torrent.Peers {
		if err := coord.AddPeer(meta.InfoHash, peer.Address); err != nil {
			coord.RemoveTorrent(meta.InfoHash)
			return err
		}
	}
	done, err := coord.Completed(meta.InfoHash)
	if err != nil {
		return err
	}
	stop := make(chan struct{})
	torrent.Stop = stop

	select {
	case <-done:
		api.completed(torrent)
	default:
		torrent.SaveState(api.Storage.DB, storage.StateRunning, "downloading")
		go api.watch(torrent, done, stop)
	}
	return nil
}

// completed moves a finished download to seeding or stops its swarm.
// Callers hold api.mu.
func (api *HttpApi) completed(torrent *storage.Torrent) {
	if torrent.SeedOnCompletion {
		torrent.SaveState(api.Storage.DB, storage.StateSeeding, "seeding")
		return
	}
	api.stop(torrent)
	torrent.SaveState(api.Storage.DB, storage.StateFinishedSuccessfully, "download completed")
}

// stop removes the swarm of torrent from the engine. Callers hold api.mu.
func (api *HttpApi) stop(torrent *storage.Torrent) {
	if torrent.Stop == nil {
		return
	}
	close(torrent.Stop)
	torrent.Stop = nil
	err := api.Engine.Coordinator().RemoveTorrent(torrent.TorrentFile.InfoHash)
	if err != nil && !errors.Is(err, swarm.ErrUnknownTorrent) {
		log.Errorf("[HTTP API] Stopping torrent %d: %s", torrent.ID, err)
	}
}

// watch follows a running download until it completes, fails or is stopped
func (api *HttpApi) watch(torrent *storage.Torrent, done <-chan struct{}, stop chan struct{}) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			api.mu.Lock()
			if torrent.Stop == stop {
				api.completed(torrent)
			}
			api.mu.Unlock()
			return
		case <-ticker.C:
			st, err := api.Engine.Coordinator().Status(torrent.TorrentFile.InfoHash)
			if err != nil || !st.Degraded {
				continue
			}
			api.mu.Lock()
			if torrent.Stop == stop {
				api.stop(torrent)
				torrent.SaveState(api.Storage.DB, storage.StateFinishedFailed, st.Error)
			}
			api.mu.Unlock()
			return
		}
	}
}

// refresh copies the live swarm status into the in-memory fields of
// torrent. Callers hold api.mu.
func (api *HttpApi) refresh(torrent *storage.Torrent) {
	meta := torrent.TorrentFile
	if meta == nil {
		return
	}
	st, err := api.Engine.Coordinator().Status(meta.InfoHash)
	if err != nil {
		torrent.Metrics = storage.TorrentMetrics{}
		if torrent.State == storage.StateFinishedSuccessfully {
			torrent.NumDownloadedPieces = meta.NumPieces()
			for i := range torrent.Files {
				torrent.Files[i].Progress = torrent.Files[i].Length
			}
		}
		return
	}
	torrent.NumDownloadedPieces = st.VerifiedPieces
	torrent.Metrics = storage.TorrentMetrics{
		ReadBandwidth:    st.ReadBandwidth,
		WrittenBandwidth: st.WriteBandwidth,
		NumConns:         st.PeerCount,
		NumPaths:         st.NumPaths,
	}
	for i := range torrent.Files {
		torrent.Files[i].Progress = uint64(st.Downloaded)
	}
}
