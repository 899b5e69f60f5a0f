// Command calidx is the operational front end for the calendar index:
// reindex runs, orphan index purge, alias inspection and ICS ingestion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calidx/docstore/elastic"
	"calidx/entity"
	"calidx/index"
	"calidx/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/calidx/config.yaml", "Path to config file")
		kindName   = flag.String("kind", "event", "Document type to operate on")
		verbose    = flag.Bool("v", false, "Debug logging")
	)
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "path", *configPath, "err", err)
		os.Exit(1)
	}

	kind, ok := entity.KindFromString(*kindName)
	if !ok {
		logger.Error("unknown document type", "kind", *kindName)
		os.Exit(2)
	}

	ix, err := buildIndexer(cfg, kind, logger)
	if err != nil {
		logger.Error("setup failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "reindex":
		err = runReindex(ctx, ix, logger)
	case "purge":
		err = runPurge(ctx, ix, logger)
	case "alias":
		err = runAlias(ctx, ix)
	case "ingest":
		err = runIngest(ctx, ix, flag.Args()[1:], logger)
	case "watch":
		err = runWatch(ctx, ix, cfg, logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: calidx [flags] <command>

Commands:
  reindex          rebuild the index and swap the alias on success
  purge            delete orphaned physical indexes
  alias            print the live alias table
  ingest <file>    index every event from an ICS file (-kind event)
  watch            run the cron-scheduled maintenance loop

Flags:
`)
	flag.PrintDefaults()
}

func buildIndexer(cfg *config.Config, kind entity.Kind, logger *slog.Logger) (*index.Indexer, error) {
	store, err := elastic.New(elastic.Config{
		Addresses: cfg.Elastic.Addresses,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	ixCfg := index.Config{
		Prefix:                  cfg.IndexPrefix,
		PublicCaps:              index.Caps{MaxYears: cfg.PublicCaps.MaxYears, MaxInstances: cfg.PublicCaps.MaxInstances},
		UserCaps:                index.Caps{MaxYears: cfg.UserCaps.MaxYears, MaxInstances: cfg.UserCaps.MaxInstances},
		TokenCheckInterval:      cfg.Cache.TokenCheckInterval,
		EventCacheTTL:           cfg.Cache.EventTTL,
		EventCachePurgeInterval: cfg.Cache.PurgeInterval,
		BulkMaxActions:          cfg.Bulk.MaxActions,
		BulkMaxBytes:            cfg.Bulk.MaxBytes,
		BulkFlushEvery:          cfg.Bulk.FlushEvery,
		BulkMaxInFlight:         cfg.Bulk.MaxInFlight,
		BulkDrainTimeout:        cfg.Bulk.DrainTimeout,
	}

	return index.New(index.Options{
		Store:  store,
		Kind:   kind,
		Config: ixCfg,
		Caches: index.NewCaches(ixCfg, logger),
		Logger: logger,
	})
}

func runReindex(ctx context.Context, ix *index.Indexer, logger *slog.Logger) error {
	snap, err := ix.Reindex(ctx)
	if err != nil {
		return err
	}
	logger.Info("reindex running", "index", snap.NewIndex)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
		snap, ok := ix.ReindexStatus()
		if !ok {
			return fmt.Errorf("reindex status lost")
		}
		if snap.State == index.ReindexProcessing {
			logger.Info("reindex progress", "processed", snap.Processed, "indexed", snap.Indexed)
			continue
		}
		logger.Info("reindex "+snap.State.String(),
			"processed", snap.Processed, "indexed", snap.Indexed, "failed", snap.TotalFailed)
		for _, f := range snap.Failures {
			logger.Warn("reindex failure", "docId", f.ID, "err", f.Err)
		}
		if snap.State == index.ReindexFailed {
			return fmt.Errorf("reindex: %s", snap.Err)
		}
		return nil
	}
}

func runPurge(ctx context.Context, ix *index.Indexer, logger *slog.Logger) error {
	purged, err := ix.PurgeIndexes(ctx)
	if err != nil {
		return err
	}
	for _, name := range purged {
		logger.Info("purged", "index", name)
	}
	logger.Info("purge complete", "count", len(purged))
	return nil
}

func runAlias(ctx context.Context, ix *index.Indexer) error {
	table, err := ix.AliasTable(ctx)
	if err != nil {
		return err
	}
	for indexName, aliases := range table {
		for _, a := range aliases {
			fmt.Printf("%s -> %s\n", a, indexName)
		}
	}
	return nil
}

func runIngest(ctx context.Context, ix *index.Indexer, args []string, logger *slog.Logger) error {
	if ix.Kind() != entity.KindEvent {
		return fmt.Errorf("ingest requires -kind event")
	}
	if len(args) != 1 {
		return fmt.Errorf("ingest requires exactly one ICS file")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	events, err := entity.ParseICS(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	for _, ev := range events {
		if err := ix.IndexEvent(ctx, ev); err != nil {
			return err
		}
		logger.Info("indexed", "href", ev.Href, "uid", ev.UID)
	}
	logger.Info("ingest complete", "events", len(events))
	return nil
}

// runWatch blocks running the cron-scheduled maintenance jobs until the
// context is canceled.
func runWatch(ctx context.Context, ix *index.Indexer, cfg *config.Config, logger *slog.Logger) error {
	if cfg.PurgeCron == "" {
		return fmt.Errorf("watch requires purge_cron in the config")
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.PurgeCron, func() {
		if err := runPurge(ctx, ix, logger); err != nil {
			logger.Error("scheduled purge failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("purge schedule %q: %w", cfg.PurgeCron, err)
	}

	c.Start()
	logger.Info("maintenance loop running", "purge_cron", cfg.PurgeCron)
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	return nil
}
