package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"devicehub/internal/configstore"
	"devicehub/internal/lifecycle"
	"devicehub/internal/logger"
	"devicehub/internal/registry"
	"devicehub/internal/repository/sqlite"
)

const pruneInterval = time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load adapters and run the lifecycle manager until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, path, err := loadHostConfig()
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer func() { _ = log.Sync() }()
	log.Info("starting devicehub", zap.String("config", path), zap.String("posture", string(cfg.Posture)))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := configstore.New(cfg.Adapters.ConfigPath, log)
	if err != nil {
		return err
	}

	factories, err := newFactoryLoader(cfg.Adapters.Builtin, store)
	if err != nil {
		return err
	}
	opts := cfg.EffectiveLifecycle()
	reg := registry.New(store, log, registry.Options{
		ProbeTimeout: opts.ProbeTimeout,
		Loaders:      []registry.Loader{factories, registry.NewPluginLoader()},
	})

	managerOpts := []lifecycle.Option{lifecycle.WithConfigSource(store)}
	var journal *sqlite.Journal
	if cfg.Journal.Enabled {
		journal, err = sqlite.New(cfg.Journal.Path)
		if err != nil {
			return errors.Wrap(err, "open event journal")
		}
		defer journal.Close()
		managerOpts = append(managerOpts, lifecycle.WithEventSink(journal))
	}
	mgr := lifecycle.New(reg, log, opts, managerOpts...)

	loaded := loadAdapters(ctx, cfg, store, reg, log)
	log.Info("adapters loaded", zap.Int("count", loaded), zap.Strings("device_types", reg.DeviceTypes()))

	store.OnChange(mgr.HandleConfigurationChange)
	mgr.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Adapters.WatchEnabled() {
		g.Go(func() error {
			if err := store.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrap(err, "watch adapter documents")
			}
			return nil
		})
	}
	if journal != nil {
		retention := cfg.Journal.Retention.Duration()
		g.Go(func() error {
			prune(gctx, journal, retention, log)
			return nil
		})
	}

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.GracefulShutdownTimeout)
	defer cancel()
	shutdownErr := mgr.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Warn("adapter shutdown incomplete", zap.Error(shutdownErr))
	}

	stop()
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("devicehub stopped")
	return nil
}

// prune drops journal events older than retention once per interval
func prune(ctx context.Context, journal *sqlite.Journal, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := journal.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn("journal prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("journal pruned", zap.Int64("events", n))
			}
		}
	}
}
