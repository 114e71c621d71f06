package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/mrook/burrow/internal/config"
	"github.com/mrook/burrow/internal/connmgr"
	"github.com/mrook/burrow/internal/engine"
	"github.com/mrook/burrow/internal/logging"
	"github.com/mrook/burrow/internal/metainfo"
	"github.com/mrook/burrow/internal/store"
	"github.com/mrook/burrow/internal/timer"
	"github.com/mrook/burrow/internal/tracker"
)

func main() {
	setupLogger()

	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: %s -torrent <file.torrent> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cliCfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// cliFlags is the raw parsed command-line surface.
type cliFlags struct {
	torrentPath    string
	outputDir      string
	listenPort     int
	maxPeers       int
	pipelineDepth  int
	requestTimeout int
	continueSeed   bool
	seedExisting   bool
	skipAnnounce   bool
	manualPeer     string
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet("burrow", flag.ContinueOnError)

	torrentPath := fs.String("torrent", "", "path to .torrent file (required)")
	outputDir := fs.String("output", ".", "directory the downloaded file is written to")
	listenPort := fs.Int("port", 0, "TCP port to accept inbound connections on (0 = OS-assigned)")
	maxPeers := fs.Int("max-peers", 50, "maximum concurrent peer connections")
	pipelineDepth := fs.Int("pipeline-depth", 8, "maximum concurrently outstanding block requests per peer")
	requestTimeout := fs.Int("request-timeout", 12, "seconds before an outstanding block request is abandoned")
	continueSeed := fs.Bool("seed", false, "keep running and unchoking peers after the download completes")
	seedExisting := fs.Bool("seed-existing", false, "treat the output file as already complete and skip verification")
	skipAnnounce := fs.Bool("no-announce", false, "never contact the tracker; peers must be supplied with -peer")
	manualPeer := fs.String("peer", "", "dial a single peer directly, as host:port")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *torrentPath == "" {
		return nil, fmt.Errorf("missing required flag: -torrent")
	}

	return &cliFlags{
		torrentPath:    *torrentPath,
		outputDir:      *outputDir,
		listenPort:     *listenPort,
		maxPeers:       *maxPeers,
		pipelineDepth:  *pipelineDepth,
		requestTimeout: *requestTimeout,
		continueSeed:   *continueSeed,
		seedExisting:   *seedExisting,
		skipAnnounce:   *skipAnnounce,
		manualPeer:     *manualPeer,
	}, nil
}

func run(cli *cliFlags) error {
	raw, err := os.ReadFile(cli.torrentPath)
	if err != nil {
		return fmt.Errorf("reading torrent file: %w", err)
	}
	mi, err := metainfo.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}

	cfg, err := config.New(
		cli.torrentPath,
		filepath.Join(cli.outputDir, mi.Info.Name),
		uint16(cli.listenPort),
		cli.maxPeers,
		cli.pipelineDepth,
		cli.requestTimeout,
		cli.continueSeed,
		cli.seedExisting,
		cli.skipAnnounce,
		cli.manualPeer,
	)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	var st *store.Store
	if cfg.SeedExisting {
		st, err = store.OpenSeed(cfg.DownloadPath, mi.Info.Pieces, mi.Info.PieceLength, mi.Info.Length)
	} else {
		st, err = store.Open(cfg.DownloadPath, mi.Info.Pieces, mi.Info.PieceLength, mi.Info.Length)
	}
	if err != nil {
		return fmt.Errorf("opening file store: %w", err)
	}
	defer st.Close()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.ListenPort, err)
	}
	defer listener.Close()
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		cfg.ListenPort = uint16(addr.Port)
	}

	log := slog.Default().With("torrent", mi.Info.Name)
	log.Info("starting", "size", mi.Info.Length, "pieces", len(mi.Info.Pieces), "listen_port", cfg.ListenPort)

	connMgr := connmgr.New(log, cfg.DialTimeout)
	timerSvc := timer.New()

	var trackerTask *tracker.Task
	if !cfg.SkipAnnounce {
		client, err := tracker.New(mi.Announce, mi.AnnounceList, log)
		if err != nil {
			return fmt.Errorf("building tracker client: %w", err)
		}
		trackerTask = tracker.NewTask(client)
	}

	eng := engine.New(cfg, log, st, mi.InfoHash, connMgr, timerSvc, trackerTask)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return timerSvc.Run(gctx) })
	g.Go(func() error { return connMgr.AcceptLoop(gctx, listener) })
	if trackerTask != nil {
		g.Go(func() error { return trackerTask.Run(gctx) })
	}
	g.Go(func() error {
		err := eng.Run(gctx)
		cancel() // the engine decided to stop; tear down every other task too
		return err
	})
	g.Go(func() error { return reportProgress(gctx, eng, st) })

	return waitAndSummarize(g, eng, st, log)
}

// reportProgress periodically prints a colorized one-line summary; it is
// purely cosmetic and never touches engine state directly beyond Stats().
func reportProgress(ctx context.Context, eng *engine.Engine, st *store.Store) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	bold := color.New(color.FgGreen, color.Bold).SprintFunc()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			uploaded, downloaded, peers := eng.Stats()
			left := st.Left()
			fmt.Fprintf(os.Stdout, "%s left=%d uploaded=%d downloaded=%d peers=%d\n",
				bold("progress"), left, uploaded, downloaded, peers)
		}
	}
}

func waitAndSummarize(g *errgroup.Group, eng *engine.Engine, st *store.Store, log *slog.Logger) error {
	err := g.Wait()
	uploaded, downloaded, peers := eng.Stats()
	log.Info("stopped", "left", st.Left(), "uploaded", uploaded, "downloaded", downloaded, "peers", peers)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
