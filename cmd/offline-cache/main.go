package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/manifest"
	"github.com/always-cache/offline-cache/pkg/sqlitedb"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	v          *viper.Viper
	configPath string
	trace      bool
	config     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "offline-cache",
		Short:         "Offline cache and request interception layer in front of a web origin",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default ./offline-cache.yaml if present)")
	root.PersistentFlags().BoolVar(&a.trace, "vv", false, "Verbosity: trace logging")
	root.PersistentFlags().String("log-file", "", "Log file to use (in addition to stdout)")
	root.PersistentFlags().String("origin", "", "Origin URL to serve")
	root.PersistentFlags().String("host", "", "Hostname of origin")
	root.PersistentFlags().String("db", "", "Cache DB file name (use 'memory' for in-memory db)")
	a.bind(root, "log.file", "log-file")
	a.bind(root, "origin.url", "origin")
	a.bind(root, "origin.host", "host")
	a.bind(root, "db", "db")

	root.AddCommand(a.newServeCmd())
	root.AddCommand(a.newInstallCmd())
	root.AddCommand(a.newQueueCmd())
	root.AddCommand(a.newDrainCmd())
	return root
}

func (a *app) bind(cmd *cobra.Command, key, flag string) {
	if err := a.v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// load reads the configuration and sets up the global logger.
func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.config = cfg

	// set log level
	logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if a.trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.Log.File != "" {
		logFileOutput, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// open opens the database and creates the offline cache on top of it.
func (a *app) open(ctx context.Context) (*offlinecache.OfflineCache, *sql.DB, error) {
	cfg := a.config
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	originURL, err := cfg.OriginURL()
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlitedb.Open(ctx, cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open db %s: %w", cfg.DB, err)
	}
	var aliases []string
	if cfg.Port != 0 {
		aliases = append(aliases, fmt.Sprintf("localhost:%d", cfg.Port), fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	}
	oc, err := offlinecache.New(ctx, offlinecache.Config{
		Provider:            cache.NewSQLiteProvider(db),
		QueueBackend:        queue.NewSQLiteBackend(db),
		OriginURL:           originURL,
		OriginHost:          cfg.Origin.Host,
		Aliases:             aliases,
		APIPrefix:           cfg.APIPrefix,
		OfflinePage:         cfg.OfflinePage,
		Rules:               cfg.Rules,
		Passthrough:         cfg.Passthrough,
		MaxAttempts:         cfg.Queue.MaxAttempts,
		InitialInterval:     cfg.Queue.InitialInterval,
		MaxInterval:         cfg.Queue.MaxInterval,
		RandomizationFactor: cfg.Queue.Jitter,
		Notification:        cfg.Push,
		Logger:              &log.Logger,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return oc, db, nil
}

// deploy installs and activates the manifest, unless its version is being served already.
func deploy(ctx context.Context, oc *offlinecache.OfflineCache, m manifest.Manifest) error {
	if m.Version == oc.Controller().Current() {
		log.Debug().Str("generation", m.Version).Msg("Manifest version already active")
		return nil
	}
	return oc.Deploy(ctx, m.Version, m.Assets)
}

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the origin through the offline cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().Int("port", 0, "Port to listen on")
	cmd.Flags().String("manifest", "", "Static asset manifest")
	if err := a.v.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
		panic(err)
	}
	if err := a.v.BindPFlag("manifest", cmd.Flags().Lookup("manifest")); err != nil {
		panic(err)
	}
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.config
	oc, db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	defer oc.Close()

	if m, err := manifest.Load(cfg.Manifest); err == nil {
		if err := deploy(ctx, oc, m); err != nil {
			// keep serving the previous generation
			log.Error().Err(err).Msg("Could not deploy manifest")
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("manifest", cfg.Manifest).Msg("No manifest, serving without static assets")
	} else {
		return err
	}

	var wg conc.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg.Go(func() {
		err := manifest.Watch(ctx, cfg.Manifest, log.Logger, func(m manifest.Manifest) {
			if err := deploy(ctx, oc, m); err != nil {
				log.Error().Err(err).Str("generation", m.Version).Msg("Could not deploy changed manifest")
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("Could not watch manifest")
		}
	})
	if cfg.RefreshInterval > 0 {
		wg.Go(func() { oc.RunPeriodicRefresh(ctx, cfg.RefreshInterval) })
	}
	if cfg.ProbeInterval > 0 {
		wg.Go(func() { oc.RunConnectivityProbe(ctx, cfg.ProbeInterval) })
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: oc,
	}
	wg.Go(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})
	log.Info().Msgf("Serving port %v for %s (with hostname '%s')", cfg.Port, cfg.Origin.URL, cfg.Origin.Host)
	err = server.ListenAndServe()
	cancel()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *app) newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [manifest]",
		Short: "Install and activate the static assets of a manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := a.config.Manifest
			if len(args) == 1 {
				filename = args[0]
			}
			m, err := manifest.Load(filename)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			oc, db, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			defer oc.Close()
			if err := oc.Deploy(ctx, m.Version, m.Assets); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s (%d assets)\n", m.Version, len(m.Assets))
			return nil
		},
	}
	return cmd
}

func (a *app) newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := sqlitedb.Open(ctx, a.config.DB)
			if err != nil {
				return err
			}
			defer db.Close()
			mutations, err := queue.NewSQLiteBackend(db).List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range mutations {
				status := "pending"
				if m.Dead {
					status = "dead"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d", m.ID, m.TargetURL, status, m.Attempts)
				if m.LastError != "" {
					fmt.Fprintf(out, "\terror=%q", m.LastError)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func (a *app) newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Resend queued submissions to the origin once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			oc, db, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			defer oc.Close()
			report, err := oc.Controller().Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d, failed %d, skipped %d, dead %d\n",
				len(report.Sent), len(report.Failed), len(report.Skipped), len(report.Dead))
			return nil
		},
	}
}
