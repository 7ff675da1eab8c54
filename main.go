package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anacrolix/tagflag"
	"github.com/netsys-lab/bittorrent-over-scion/config"
	"github.com/netsys-lab/bittorrent-over-scion/httpapi"
	"github.com/netsys-lab/bittorrent-over-scion/httpapi/storage"
	"github.com/netsys-lab/bittorrent-over-scion/node"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/peers"
	"github.com/netsys-lab/bittorrent-over-scion/torrentfile"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var flags = struct {
	InPath         string `help:"Path to torrent file that should be processed"`
	OutPath        string `help:"Path where BitTorrent writes the downloaded file"`
	Peer           string `help:"Remote SCION address(es), comma separated"`
	Seed           bool   `help:"Start BitTorrent in Seeder mode"`
	File           string `help:"Load the file to which the torrent of InPath refers. Only required if seed=true"`
	Local          string `help:"Local SCION address, port 0 picks a free port"`
	HttpApi        bool   `help:"Start HTTP API. This is a special mode, no direct downloading/seeding of specified file will happen."`
	HttpApiAddr    string `help:"Optional: Configure the IP and port the HTTP API will bind on (default 0.0.0.0:8000). Only for httpApi=true"`
	HttpApiMaxSize int64  `help:"Optional: Maximum request body size in bytes of the HTTP API (default ~128 MByte). Only for httpApi=true"`
	DataDir        string `help:"Optional: Directory for downloaded content and the piece completion database"`
	DbPath         string `help:"Optional: sqlite database of the HTTP API. Only for httpApi=true"`
	NumPaths       int    `help:"Optional: Limit the number of paths used per peer, 0 uses all"`
	PathPolicy     string `help:"Optional: Order of candidate paths: disjoint, latency, hops or mtu"`
	LogLevel       string `help:"Optional: Change log level"`
}{
	HttpApiAddr:    "0.0.0.0:8000",
	HttpApiMaxSize: 128 * 1000000, // 128 MByte
	DataDir:        "data",
	DbPath:         "bittorrent.db",
	LogLevel:       "INFO",
}

func setLogging(loglevel string) {
	switch loglevel {
	case "TRACE":
		log.SetLevel(log.TraceLevel)
	case "DEBUG":
		log.SetLevel(log.DebugLevel)
	case "INFO":
		log.SetLevel(log.InfoLevel)
	case "WARN":
		log.SetLevel(log.WarnLevel)
	case "ERROR":
		log.SetLevel(log.ErrorLevel)
	case "FATAL":
		log.SetLevel(log.FatalLevel)
	}
}

func buildConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.Local = flags.Local
	cfg.DataDir = flags.DataDir
	cfg.DBPath = flags.DbPath
	cfg.NumPaths = flags.NumPaths
	cfg.HttpApiAddr = flags.HttpApiAddr
	cfg.HttpApiMaxSize = flags.HttpApiMaxSize
	policy, err := pathselection.ParsePolicy(flags.PathPolicy)
	if err != nil {
		return cfg, err
	}
	cfg.PathPolicy = policy
	return cfg, cfg.Validate()
}

func main() {
	tagflag.Parse(&flags)
	setLogging(flags.LogLevel)

	if err := run(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// run returns instead of exiting so the node is always closed
func run() error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Error(err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })

	switch {
	case flags.HttpApi:
		g.Go(func() error { return runHttpApi(gctx, cfg, n) })
	case flags.Seed:
		g.Go(func() error { return runSeeder(gctx, n) })
	default:
		g.Go(func() error {
			if err := runLeecher(gctx, n); err != nil {
				return err
			}
			// the download is done, stop listening
			stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runHttpApi(ctx context.Context, cfg config.Config, n *node.Node) error {
	log.Info("Starting in HTTP API mode...")

	log.Info("[HTTP API] Initializing storage...")
	store := &storage.Storage{DbBackend: storage.Sqlite}
	if err := store.Init(filepath.Join(cfg.DataDir, "torrents"), cfg.DBPath); err != nil {
		return err
	}
	defer store.Close()

	log.Info("[HTTP API] Loading existing torrent tasks from storage...")
	api := &httpapi.HttpApi{
		LocalAddr:          cfg.HttpApiAddr,
		MaxRequestBodySize: cfg.HttpApiMaxSize,
		Storage:            store,
		Engine:             n,
	}
	if err := api.LoadFromStorage(); err != nil {
		return err
	}

	log.Info("[HTTP API] Starting web server...")
	return api.ListenAndServe(ctx)
}

func openTorrent() (*torrentfile.TorrentFile, error) {
	tf, err := torrentfile.Open(flags.InPath)
	if err != nil {
		return nil, err
	}
	log.Debugf("TorrentFile{Announce: %q, Length: %d, Name: %q, PieceLength: %d}", tf.Announce, tf.Length, tf.Name, tf.PieceLength)
	return &tf, nil
}

func addPeers(n *node.Node, tf *torrentfile.TorrentFile) error {
	for _, p := range peers.ParseList(flags.Peer) {
		if err := n.Coordinator().AddPeer(tf.InfoHash, p.Addr); err != nil {
			return err
		}
	}
	return nil
}

func runSeeder(ctx context.Context, n *node.Node) error {
	log.Infof("Seeding %s from %s on %s", flags.InPath, flags.File, n.LocalAddr())
	tf, err := openTorrent()
	if err != nil {
		return err
	}
	if err := n.AddTorrent(tf, flags.File, true); err != nil {
		return err
	}
	st, err := n.Coordinator().Status(tf.InfoHash)
	if err != nil {
		return err
	}
	if !st.Complete() {
		log.Warnf("Only %d of %d pieces of %s match the torrent", st.VerifiedPieces, st.NumPieces, flags.File)
	}
	if err := addPeers(n, tf); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func runLeecher(ctx context.Context, n *node.Node) error {
	log.Infof("Input %s, Output %s, Peer %s", flags.InPath, flags.OutPath, flags.Peer)
	tf, err := openTorrent()
	if err != nil {
		return err
	}
	out := flags.OutPath
	if out == "" {
		out = filepath.Join(flags.DataDir, filepath.Base(tf.Name))
	}
	// an existing partial download is resumed
	if err := n.AddTorrent(tf, out, true); err != nil {
		return err
	}
	if err := addPeers(n, tf); err != nil {
		return err
	}
	done, err := n.Coordinator().Completed(tf.InfoHash)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(int64(tf.Length), "downloading")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			bar.Finish()
			log.Infof("Download of %s to %s completed", tf.Name, out)
			return nil
		case <-ticker.C:
			st, err := n.Coordinator().Status(tf.InfoHash)
			if err != nil {
				return err
			}
			if st.Degraded {
				return errors.New(st.Error)
			}
			bar.Set(int(st.Downloaded))
		}
	}
}
