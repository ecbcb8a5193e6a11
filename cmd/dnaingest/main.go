// Command dnaingest runs the ingestion engine of spec.md §4.3 as a single
// long-running daemon: it drives a ChainProvider forward, grows the
// canonical chain builder, seals completed segments into chain store, and
// publishes progress through the coordination KV.
//
// CLI parsing is intentionally minimal (spec.md's Non-goals exclude a
// cobra/viper daemon-bootstrap layer): a flat set of flag.String/Uint64/Int
// flags, thin-main-fat-package style.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dna-network/dna/blockstore"
	"github.com/dna-network/dna/chainstore"
	"github.com/dna-network/dna/coordkv"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/internal/devprovider"
	"github.com/dna-network/dna/ingestion"
	"github.com/dna-network/dna/objectstore"
)

func main() {
	var (
		dataDir          = flag.String("data-dir", "./data/objects", "object store root directory")
		coordPath         = flag.String("coordkv-path", "./data/coord.db", "coordination KV file path")
		fixturePath       = flag.String("fixture", "", "newline-delimited JSON block fixture for the demo provider")
		startingNumber    = flag.Uint64("starting-block", 0, "first block number to ingest on a fresh deployment")
		segmentSize       = flag.Int("segment-size", 1000, "blocks per sealed segment")
		segmentOffset     = flag.Int("segment-upload-offset", 100, "extra unsealed blocks kept as a reorg buffer")
		maxConcurrent     = flag.Int("max-concurrent-tasks", 16, "bounded concurrent fetch width")
		modeFlag          = flag.String("mode", "finalized", "ingestion mode: finalized|accepted")
		logLevel          = flag.String("log-level", "info", "zerolog level name")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Str("component", "dnaingest").Logger()

	if *fixturePath == "" {
		logger.Fatal().Msg("dnaingest: -fixture is required (no production ChainProvider is wired in this entrypoint)")
	}

	mode := ingestion.ModeFinalized
	if *modeFlag == "accepted" {
		mode = ingestion.ModeAccepted
	}

	objs, err := objectstore.NewLocalStore(*dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("dnaingest: open object store")
	}
	chain := chainstore.New(objs, nil)
	blocks := blockstore.New(objs)

	db, err := coordkv.Open(*coordPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("dnaingest: open coordination KV")
	}
	defer db.Close()
	state := coordkv.NewState(db)

	provider, err := devprovider.Load(*fixturePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("dnaingest: load fixture")
	}

	cfg := ingestion.Config{
		StartingBlock:            cursor.New(*startingNumber, nil),
		ChainSegmentSize:         *segmentSize,
		ChainSegmentUploadOffset: *segmentOffset,
		MaxConcurrentTasks:       *maxConcurrent,
		Mode:                     mode,
	}
	engine := ingestion.New(provider, chain, blocks, state, cfg, ingestion.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("mode", *modeFlag).Msg("dnaingest: starting")
	start := time.Now()
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Dur("uptime", time.Since(start)).Msg("dnaingest: exited with error")
	}
	logger.Info().Dur("uptime", time.Since(start)).Msg("dnaingest: shut down")
}
