package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/evalgen/internal/analysis"
	"github.com/freeeve/evalgen/internal/batch"
	"github.com/freeeve/evalgen/internal/config"
	"github.com/freeeve/evalgen/internal/dataset"
	"github.com/freeeve/evalgen/internal/engine"
	"github.com/freeeve/evalgen/internal/logx"
	"github.com/freeeve/evalgen/internal/walker"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		pgnPath    = flag.String("pgn", "", "Path to PGN file (supports .zst)")
		outPath    = flag.String("out", "", "Output dataset path (JSONL)")
		configPath = flag.String("config", "", "Path to settings file (YAML or JSON)")
		shards     = flag.Int("shards", 1, "Independent analysis shards, one engine each")
		maxGames   = flag.Int("max-games", 0, "Maximum games per shard (0 = unlimited)")
		verbose    = flag.Bool("v", false, "Debug logging, including raw engine protocol")

		setOverrides    stringList
		searchOverrides stringList
		optionOverrides stringList
		engineArgs      stringList
	)
	flag.Var(&setOverrides, "set", "Override a config field, path=value (repeatable)")
	flag.Var(&searchOverrides, "search", "Override the search budget, e.g. nodes=800 (repeatable)")
	flag.Var(&optionOverrides, "option", "Set an engine option, Name=value (repeatable)")
	flag.Var(&engineArgs, "engine-arg", "Engine command-line argument, key=value (repeatable)")
	flag.Parse()

	if *pgnPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: evalgen -pgn <file.pgn[.zst]> -out <dataset.jsonl> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logx.NewLogger(*verbose)

	settings, err := config.Resolve(*configPath, config.Overrides{
		Set:        setOverrides,
		Search:     searchOverrides,
		Options:    optionOverrides,
		EngineArgs: engineArgs,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve config")
	}
	if *shards < 1 {
		logger.Fatal().Int("shards", *shards).Msg("shards must be >= 1")
	}

	logger.Info().
		Str("pgn", *pgnPath).
		Str("out", *outPath).
		Str("engine", settings.EnginePath).
		Str("weights", settings.Weights).
		Str("search", settings.Search.GoArgs()).
		Int("max_candidates", settings.MaxCandidates).
		Int("shards", *shards).
		Msg("starting analysis")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *shards; i++ {
		shard := i
		g.Go(func() error {
			return runShard(ctx, logger, settings, *pgnPath, shardPath(*outPath, shard, *shards), shard, *shards, *maxGames)
		})
	}
	if err := g.Wait(); err != nil {
		if err == context.Canceled {
			logger.Info().Dur("elapsed", time.Since(start)).Msg("interrupted, progress checkpointed")
			return
		}
		logger.Fatal().Err(err).Msg("analysis failed")
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("analysis complete")
}

// runShard drives one orchestrator over its slice of the input. Each shard
// owns its walker, output file, checkpoint and engine session; shards share
// nothing.
func runShard(ctx context.Context, logger zerolog.Logger, settings *config.Settings, pgnPath, outPath string, shard, shardCount, maxGames int) error {
	log := logger.With().Int("shard", shard).Logger()

	w, err := walker.Open(pgnPath, log)
	if err != nil {
		return fmt.Errorf("open pgn: %w", err)
	}

	out, cp, err := dataset.OpenWriter(outPath, log)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	analyzer := &analysis.Analyzer{
		Budget:        settings.Search,
		MaxCandidates: settings.MaxCandidates,
		Log:           log,
	}
	factory := func() (batch.Session, error) {
		s, err := engine.Start(engine.Config{
			Path:      settings.EnginePath,
			Weights:   settings.Weights,
			ExtraArgs: settings.ExtraArgs,
			Options:   settings.Options,
			MultiPV:   settings.MultiPV,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	orch := batch.New(batch.Config{
		FlushEvery: settings.FlushEvery,
		MaxRetries: settings.MaxRetries,
		MaxGames:   maxGames,
		ShardIndex: shard,
		ShardCount: shardCount,
		Logger:     log,
	}, analyzer, factory)

	return orch.Run(ctx, w, out, cp)
}

// shardPath derives a per-shard output path: out.jsonl becomes
// out.shard0.jsonl, out.shard1.jsonl, ... Unsharded runs keep the path
// unchanged.
func shardPath(out string, shard, shardCount int) string {
	if shardCount <= 1 {
		return out
	}
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s.shard%d%s", strings.TrimSuffix(out, ext), shard, ext)
}
