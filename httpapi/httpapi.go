package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/netsys-lab/bittorrent-over-scion/httpapi/storage"
	"github.com/netsys-lab/bittorrent-over-scion/peers"
	piecestore "github.com/netsys-lab/bittorrent-over-scion/storage"
	"github.com/netsys-lab/bittorrent-over-scion/swarm"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

const Version = "0.1.0"

// Engine runs the swarms the API manages
type Engine interface {
	AddTorrent(meta *torrentfile.TorrentFile, path string, recheck bool) error
	ForgetTorrent(infoHash [20]byte) error
	Coordinator() *swarm.Coordinator
}

type HttpApi struct {
	LocalAddr          string
	MaxRequestBodySize int64

	Storage *storage.Storage
	Engine  Engine

	mu       sync.Mutex
	torrents map[uint64]*storage.Torrent
}

type ErrorResponseBody struct {
	Error string `json:"error"`
}

func (api *HttpApi) getInfoHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	defaultHandler(w, &struct {
		Version string `json:"version"`
	}{
		Version: Version,
	})
}

func (api *HttpApi) listTorrentsHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	api.mu.Lock()
	defer api.mu.Unlock()
	for _, torrent := range api.torrents {
		api.refresh(torrent)
	}
	defaultHandler(w, api.torrents)
}

// lookup resolves the :torrent parameter. Callers hold api.mu.
func (api *HttpApi) lookup(w http.ResponseWriter, p httprouter.Params) (*storage.Torrent, bool) {
	id, err := strconv.ParseUint(p.ByName("torrent"), 10, 0)
	if err != nil {
		errorHandler(w, http.StatusBadRequest, "invalid ID specified")
		return nil, false
	}
	torrent, exists := api.torrents[id]
	if !exists {
		errorHandler(w, http.StatusNotFound, "torrent with given ID not found")
		return nil, false
	}
	return torrent, true
}

func (api *HttpApi) getTorrentByIdHandler(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	api.mu.Lock()
	defer api.mu.Unlock()
	torrent, ok := api.lookup(w, p)
	if !ok {
		return
	}
	api.refresh(torrent)
	defaultHandler(w, torrent)
}

func (api *HttpApi) getFileByIdHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	api.mu.Lock()
	torrent, ok := api.lookup(w, p)
	if !ok {
		api.mu.Unlock()
		return
	}
	raw := torrent.RawTorrentFile
	files := torrent.Files
	fileDir := torrent.GetFileDir(api.Storage.FS)
	id := torrent.ID
	api.mu.Unlock()

	// the metainfo itself
	if p.ByName("file") == "torrent" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%d.torrent", id))
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(raw))
		return
	}

	fileId, err := strconv.ParseUint(p.ByName("file"), 10, 0)
	if err != nil {
		errorHandler(w, http.StatusBadRequest, "invalid file ID specified")
		return
	}
	for _, file := range files {
		if file.ID == fileId {
			w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(file.Path))
			http.ServeFile(w, r, filepath.Join(fileDir, filepath.Base(file.Path)))
			return
		}
	}
	errorHandler(w, http.StatusNotFound, "file with given ID not found")
}

func (api *HttpApi) addTorrentHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		errorHandler(w, http.StatusUnsupportedMediaType, "invalid content type (\"multipart/form-data\" wanted)")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, api.MaxRequestBodySize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		errorHandler(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body too large (maximum %d bytes)", api.MaxRequestBodySize))
		return
	}

	seedOnCompletion := false
	if s := r.FormValue("seedOnCompletion"); len(s) > 0 {
		var err error
		seedOnCompletion, err = strconv.ParseBool(s)
		if err != nil {
			errorHandler(w, http.StatusBadRequest, "invalid value for field \"seedOnCompletion\" specified (boolean wanted)")
			return
		}
	}

	file, hdr, err := r.FormFile("torrentFile")
	if err != nil {
		errorHandler(w, http.StatusBadRequest, "file field \"torrentFile\" as part of POST form data is missing")
		return
	}
	raw, err := ioutil.ReadAll(file)
	file.Close()
	if err != nil {
		errorHandler(w, http.StatusInternalServerError, "torrent file could not be read")
		return
	}
	meta, err := torrentfile.Parse(bytes.NewReader(raw))
	if err != nil {
		errorHandler(w, http.StatusBadRequest, "torrent file could not be parsed")
		return
	}
	log.Debugf("[HTTP API] TorrentFile{Name: %q, Length: %d, PieceLength: %d}", meta.Name, meta.Length, meta.PieceLength)

	var addrs []string
	for _, v := range r.MultipartForm.Value["peer"] {
		for _, p := range peers.ParseList(v) {
			addrs = append(addrs, p.Addr)
		}
	}

	// uploading the content makes this node a seeder of it
	uploads := r.MultipartForm.File["files"]
	if len(uploads) > 1 {
		errorHandler(w, http.StatusBadRequest, "only single file torrents are supported")
		return
	}
	if len(uploads) == 0 && len(addrs) == 0 {
		errorHandler(w, http.StatusBadRequest, "field \"peer\" as part of POST form data is missing (or upload all files instead)")
		return
	}

	torrent := &storage.Torrent{
		FriendlyName:     hdr.Filename,
		InfoHash:         meta.HexInfoHash(),
		SeedOnCompletion: seedOnCompletion || len(uploads) > 0,
		State:            storage.StateNotStartedYet,
		RawTorrentFile:   raw,
		Files: []storage.File{{
			Path:   filepath.Base(meta.Name),
			Length: uint64(meta.Length),
		}},
		TorrentFile: &meta,
	}
	for _, a := range addrs {
		torrent.Peers = append(torrent.Peers, storage.Peer{Address: a})
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	for _, other := range api.torrents {
		if other.InfoHash == torrent.InfoHash {
			errorHandler(w, http.StatusConflict, "torrent with the same info hash already exists")
			return
		}
	}
	if result := api.Storage.DB.Create(torrent); result.Error != nil {
		errorHandler(w, http.StatusInternalServerError, "database error")
		return
	}
	if err := os.MkdirAll(torrent.GetFileDir(api.Storage.FS), os.ModePerm); err != nil {
		api.discard(torrent)
		errorHandler(w, http.StatusInternalServerError, "could not create file directory")
		return
	}
	if len(uploads) > 0 {
		if err := saveUpload(uploads[0], torrent.ContentPath(api.Storage.FS)); err != nil {
			log.Errorf("[HTTP API] Saving content of torrent %d failed: %s", torrent.ID, err)
			api.discard(torrent)
			errorHandler(w, http.StatusInternalServerError, "uploaded file could not be saved")
			return
		}
	}

	if err := api.start(torrent, len(uploads) > 0); err != nil {
		api.discard(torrent)
		if errors.Is(err, swarm.ErrTorrentExists) {
			errorHandler(w, http.StatusConflict, "torrent with the same info hash already exists")
			return
		}
		if errors.Is(err, piecestore.ErrSizeMismatch) {
			errorHandler(w, http.StatusBadRequest, "uploaded file does not match the torrent length")
			return
		}
		errorHandler(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.torrents[torrent.ID] = torrent
	api.refresh(torrent)

	writeJSON(w, http.StatusCreated, torrent)
}

func saveUpload(hdr *multipart.FileHeader, path string) error {
	src, err := hdr.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// discard forgets a torrent that could not be started, so that it does not
// come back on the next start
func (api *HttpApi) discard(torrent *storage.Torrent) {
	if err := api.Storage.DeleteTorrent(torrent); err != nil {
		log.Error(err)
	}
	os.RemoveAll(torrent.GetFileDir(api.Storage.FS))
}

func (api *HttpApi) addPeerHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, api.MaxRequestBodySize)
	list := peers.ParseList(r.FormValue("peer"))
	if len(list) == 0 {
		errorHandler(w, http.StatusBadRequest, "field \"peer\" is missing or invalid")
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	torrent, ok := api.lookup(w, p)
	if !ok {
		return
	}
	for _, peer := range list {
		torrent.Peers = append(torrent.Peers, storage.Peer{Address: peer.Addr})
	}
	if result := api.Storage.DB.Save(torrent); result.Error != nil {
		errorHandler(w, http.StatusInternalServerError, "database error")
		return
	}
	if torrent.State == storage.StateRunning || torrent.State == storage.StateSeeding {
		for _, peer := range list {
			if err := api.Engine.Coordinator().AddPeer(torrent.TorrentFile.InfoHash, peer.Addr); err != nil {
				errorHandler(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	api.refresh(torrent)
	defaultHandler(w, torrent)
}

func (api *HttpApi) updateTorrentByIdHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, api.MaxRequestBodySize)

	api.mu.Lock()
	defer api.mu.Unlock()
	torrent, ok := api.lookup(w, p)
	if !ok {
		return
	}

	if action := r.FormValue("action"); len(action) > 0 {
		if action != "cancel" {
			errorHandler(w, http.StatusBadRequest, "invalid value for field \"action\" (must be one of the following: 'cancel')")
			return
		}
		if torrent.State != storage.StateRunning {
			errorHandler(w, http.StatusBadRequest, "torrent must be running to cancel it")
			return
		}
		api.stop(torrent)
		torrent.SaveState(api.Storage.DB, storage.StateFinishedCancelled, "cancelled by user")
		defaultHandler(w, torrent)
		return
	}

	if s := r.FormValue("seedOnCompletion"); len(s) > 0 {
		seed, err := strconv.ParseBool(s)
		if err != nil {
			errorHandler(w, http.StatusBadRequest, "invalid value for field \"seedOnCompletion\" (must be 0 or 1)")
			return
		}
		switch {
		case seed && torrent.State == storage.StateFinishedSuccessfully:
			torrent.SeedOnCompletion = true
			if err := api.start(torrent, true); err != nil {
				errorHandler(w, http.StatusInternalServerError, err.Error())
				return
			}
		case !seed && torrent.State == storage.StateSeeding:
			api.stop(torrent)
			torrent.State = storage.StateFinishedSuccessfully
		}
		torrent.SeedOnCompletion = seed
	}

	if result := api.Storage.DB.Save(torrent); result.Error != nil {
		errorHandler(w, http.StatusInternalServerError, "database error")
		return
	}
	api.refresh(torrent)
	defaultHandler(w, torrent)
}

func (api *HttpApi) deleteTorrentByIdHandler(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	deleteFromFs := false
	if param := r.URL.Query().Get("deleteFiles"); len(param) > 0 {
		var err error
		deleteFromFs, err = strconv.ParseBool(param)
		if err != nil {
			errorHandler(w, http.StatusBadRequest, "invalid value for field \"deleteFiles\" (must be 0 or 1)")
			return
		}
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	torrent, ok := api.lookup(w, p)
	if !ok {
		return
	}
	if !torrent.State.IsFinished() {
		errorHandler(w, http.StatusConflict, "torrent is running, stop it before deletion")
		return
	}
	if torrent.State == storage.StateSeeding {
		api.stop(torrent)
	}
	if deleteFromFs {
		if err := os.RemoveAll(torrent.GetFileDir(api.Storage.FS)); err != nil {
			log.Error(err)
			errorHandler(w, http.StatusInternalServerError, "could not delete files associated with torrent")
			return
		}
		if err := api.Engine.ForgetTorrent(torrent.TorrentFile.InfoHash); err != nil {
			log.Errorf("[HTTP API] Forgetting pieces of torrent %d: %s", torrent.ID, err)
		}
	}
	delete(api.torrents, torrent.ID)
	if err := api.Storage.DeleteTorrent(torrent); err != nil {
		log.Error(err)
	}
	defaultHandler(w, nil)
}

func defaultHandler(w http.ResponseWriter, payload interface{}) {
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	str, err := json.Marshal(&payload)
	if err != nil {
		log.Error(err)
		errorHandler(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(str); err != nil {
		log.Error(err)
	}
}

func errorHandler(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	str, err := json.Marshal(&ErrorResponseBody{Error: message})
	if err != nil {
		log.Error(err)
		return
	}
	if _, err := w.Write(str); err != nil {
		log.Error(err)
	}
}

// Handler routes the API with CORS enabled
func (api *HttpApi) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/api/info", api.getInfoHandler)
	router.GET("/api/torrent", api.listTorrentsHandler)
	router.GET("/api/torrent/:torrent", api.getTorrentByIdHandler)
	router.GET("/api/torrent/:torrent/file/:file", api.getFileByIdHandler)
	router.POST("/api/torrent", api.addTorrentHandler)
	router.POST("/api/torrent/:torrent", api.updateTorrentByIdHandler)
	router.POST("/api/torrent/:torrent/peer", api.addPeerHandler)
	router.DELETE("/api/torrent/:torrent", api.deleteTorrentByIdHandler)

	return cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
	}).Handler(router)
}

// ListenAndServe serves the API until ctx is done
func (api *HttpApi) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:    api.LocalAddr,
		Handler: api.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("[HTTP API] Listening on %s", api.LocalAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
