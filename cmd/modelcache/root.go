package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ligustah/modelcache/internal/catalog"
	"github.com/ligustah/modelcache/internal/config"
	"github.com/ligustah/modelcache/internal/downloader"
	"github.com/ligustah/modelcache/internal/events"
	"github.com/ligustah/modelcache/internal/integrity"
	"github.com/ligustah/modelcache/internal/logging"
	"github.com/ligustah/modelcache/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Flag store drivers
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile string
	dataDir    string
	catalog    string
	flagStore  string
	logLevel   string
	quiet      bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "modelcache",
		Short: "Download and cache ML models",
		Long: `Download model artifacts from a catalog into a local cache.

Downloads resume from partial files, survive restarts, and are checked
against the catalog size before they are marked ready.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return withCode(ExitInvalidArgs, err)
	})

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Data directory (default: platform data dir)")
	cmd.PersistentFlags().StringVar(&g.catalog, "catalog", "", "Path to a YAML model catalog (default: built-in)")
	cmd.PersistentFlags().StringVar(&g.flagStore, "flag-store", "", "Bucket URL for downloaded flags, e.g. s3://bucket (default: <data-dir>/state)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "Suppress progress output")

	cmd.AddCommand(listCmd(&g))
	cmd.AddCommand(pullCmd(&g))
	cmd.AddCommand(statusCmd(&g))
	cmd.AddCommand(pathCmd(&g))
	cmd.AddCommand(deleteCmd(&g))
	cmd.AddCommand(verifyCmd(&g))

	return cmd
}

// args wraps a positional argument validator so violations exit with
// ExitInvalidArgs.
func args(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		return withCode(ExitInvalidArgs, v(cmd, a))
	}
}

// loadConfig layers defaults, the config file, the environment and flags.
func (g *globalFlags) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if g.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(g.configFile)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(config.Config{
		DataDir:     g.dataDir,
		CatalogFile: g.catalog,
		FlagStore:   g.flagStore,
		Log:         config.LogConfig{Level: g.logLevel},
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// app holds the components a subcommand works with.
type app struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	catalog *catalog.Catalog
	locator *storage.Locator
	store   *integrity.BlobStore
	tracker *integrity.Tracker
	bus     *events.Bus
	engine  *downloader.Engine
}

func (g *globalFlags) newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, withCode(ExitInvalidArgs, err)
	}

	log, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return nil, withCode(ExitInvalidArgs, err)
	}

	cat := catalog.Builtin()
	if cfg.CatalogFile != "" {
		cat, err = catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			return nil, withCode(ExitInvalidArgs, err)
		}
	}

	locator := storage.NewLocator(cfg.DataDir, storage.WithHeadroom(int64(cfg.MinFreeSpace)))
	root, err := locator.Root()
	if err != nil {
		return nil, withCode(ExitStorageError, err)
	}

	store, err := integrity.OpenStore(ctx, cfg.FlagStore, filepath.Join(root, "state"))
	if err != nil {
		return nil, withCode(ExitStorageError, err)
	}

	tracker := integrity.NewTracker(cat, locator, store, log)
	bus := events.NewBus(events.WithBuffer(cfg.SubscriberBuffer))

	opts := downloader.DefaultOptions()
	opts.InactivityTimeout = cfg.InactivityTimeout
	opts.ProgressInterval = cfg.ProgressInterval
	opts.HTTPOptions.RetryAttempts = cfg.Retry.Attempts
	opts.HTTPOptions.RetryBackoff = cfg.Retry.Backoff
	opts.HTTPOptions.RetryMaxBackoff = cfg.Retry.MaxBackoff

	log.Debugw("configuration loaded",
		"root", root,
		"catalog", cat.Len(),
		"flag_store", cfg.FlagStore,
	)

	return &app{
		cfg:     cfg,
		log:     log,
		catalog: cat,
		locator: locator,
		store:   store,
		tracker: tracker,
		bus:     bus,
		engine:  downloader.New(cat, locator, tracker, bus, log, opts),
	}, nil
}

// lookup resolves a model ID or fails with downloader.ErrNotFound.
func (a *app) lookup(id string) (catalog.Descriptor, error) {
	d, ok := a.catalog.Lookup(id)
	if !ok {
		return catalog.Descriptor{}, fmt.Errorf("%w: %q", downloader.ErrNotFound, id)
	}
	return d, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warnw("close flag store", "error", err)
	}
	_ = a.log.Sync()
}
