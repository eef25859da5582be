package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearkenapp/hearken/internal/blob"
	"github.com/hearkenapp/hearken/internal/config"
	"github.com/hearkenapp/hearken/internal/coordinator"
	"github.com/hearkenapp/hearken/internal/events"
	"github.com/hearkenapp/hearken/internal/importer"
	"github.com/hearkenapp/hearken/internal/library"
	"github.com/hearkenapp/hearken/internal/logging"
	"github.com/hearkenapp/hearken/internal/remote"
	"github.com/hearkenapp/hearken/internal/state"
	"github.com/hearkenapp/hearken/internal/syncqueue"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// staleSweepInterval is how often flagged folder aggregates are
// recomputed. Each sweep drains the dirty set in bounded batches.
const staleSweepInterval = 2 * time.Second

// importSettle is how long an inbox file's size must hold still before
// import picks it up.
const importSettle = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("hearken starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("sync", cfg.EnableSync),
		slog.String("library", cfg.LibraryDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	blobs, err := blob.NewStore(cfg.LibraryDir)
	if err != nil {
		return fmt.Errorf("opening library storage: %w", err)
	}

	hubs := events.NewHubs()

	tree, err := library.NewTree(store, blobs, hubs.Reload, logging.ForComponent(logger, "library"))
	if err != nil {
		return fmt.Errorf("loading library: %w", err)
	}

	var client remote.Client
	if cfg.RemoteURL != "" {
		client = remote.NewHTTPClient(cfg.RemoteURL, cfg.RemoteToken, cfg.RemoteTimeout, logging.ForComponent(logger, "remote"))
	}

	queue, err := syncqueue.New(store, client, tree, blobs,
		hubs.QueueCount, hubs.TaskFailure, cfg.QueueWorkers, cfg.MaxTaskAttempts,
		logging.ForComponent(logger, "syncqueue"))
	if err != nil {
		return fmt.Errorf("loading sync queue: %w", err)
	}

	logger.Info("sync queue loaded", slog.Int("pending", queue.QueuedJobsCount()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runStaleSweeper(gctx, tree, logger)
	})

	g.Go(func() error {
		return logTaskFailures(gctx, hubs.TaskFailure, logger)
	})

	if cfg.EnableSync {
		g.Go(func() error {
			return queue.Run(gctx)
		})

		coord := coordinator.New(tree, client, queue, store, hubs.Reload,
			true, cfg.SyncMinInterval, logging.ForComponent(logger, "coordinator"))

		g.Go(func() error {
			return coord.Run(gctx)
		})
	}

	if cfg.InboxDir != "" {
		inbox := importer.New(cfg.InboxDir, tree, blobs, queue, importSettle,
			logging.ForComponent(logger, "importer"))

		g.Go(func() error {
			return inbox.Run(gctx)
		})
	}

	return g.Wait()
}

// runStaleSweeper drains the folder-progress dirty set in the
// background so aggregates converge shortly after playback or
// structural changes.
func runStaleSweeper(ctx context.Context, tree *library.Tree, logger *slog.Logger) error {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			processed, err := tree.ProcessStaleFolders()
			if err != nil {
				logger.Error("recomputing folder progress", slog.Any("error", err))
				break
			}

			if !processed {
				break
			}
		}
	}
}

// logTaskFailures surfaces dropped sync tasks in the daemon log; the
// queue has already given up on them.
func logTaskFailures(ctx context.Context, hub *events.Hub[events.TaskFailureEvent], logger *slog.Logger) error {
	ch, cancel := hub.Subscribe(16)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			logger.Warn("sync task dropped",
				slog.String("kind", string(ev.Kind)),
				slog.String("path", ev.Path),
				slog.Any("error", ev.Err),
			)
		}
	}
}
