package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/mediatrace/internal/clock"
	"github.com/goodtune/mediatrace/internal/collector"
	"github.com/goodtune/mediatrace/internal/config"
	"github.com/goodtune/mediatrace/internal/metrics"
	"github.com/goodtune/mediatrace/internal/pagefeed"
	"github.com/goodtune/mediatrace/internal/scheduler"
	"github.com/goodtune/mediatrace/internal/storage"
	"github.com/goodtune/mediatrace/internal/storage/bolt"
	"github.com/goodtune/mediatrace/internal/storage/memory"
	"github.com/goodtune/mediatrace/internal/storage/redis"
	"github.com/goodtune/mediatrace/internal/systemd"
	"github.com/goodtune/mediatrace/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the collector",
	Long: `Start the collector. Page signals are read as newline-delimited JSON from
the configured feed (stdin by default) until the feed ends or a termination
signal arrives, at which point the session is closed and the queue is handed
to the unload path. SIGHUP reloads the configuration.`,
	RunE: runCollector,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting mediatrace")

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("tab", cfg.Storage.TabID).
		Msg("Storage initialized")

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Address, logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Open the page feed
	feed, closeFeed, err := openFeed(cfg.Feed.Input)
	if err != nil {
		return fmt.Errorf("failed to open page feed: %w", err)
	}
	defer closeFeed()

	settings := collector.SettingsFromConfig(cfg.Collector)
	sender := transport.NewHTTPSender(settings.Endpoint, &http.Client{}, settings.RequestTimeout)
	unload := transport.NewUnloadSender(sender, transport.DefaultBeaconBacklog, settings.RequestTimeout, logger)

	loop := scheduler.NewLoop(logger)
	page := pagefeed.NewPage(logger)

	coll, err := collector.New(collector.Options{
		Store:     store,
		Scheduler: loop,
		Document:  page,
		Sender:    sender,
		Unload:    unload,
		Clock:     clock.RealClock{},
		Logger:    logger,
	}, settings)
	if err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init runs before the loop dispatches anything else
	if err := coll.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}
	loop.Start()

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- pagefeed.Read(feed, logger, func(msg pagefeed.Message) {
			loop.Post(func() {
				if err := page.Apply(msg, coll.Bridge()); err != nil {
					logger.Warn().Err(err).Str("kind", msg.Kind).Msg("Ignoring page message")
				}
			})
		})
	}()

	reload := func(next *config.Config) {
		_ = systemd.NotifyReloading()
		coll.Reconfigure(collector.SettingsFromConfig(next.Collector))
		_ = systemd.NotifyReady()
	}

	if err := config.Watch(configPath, func(next *config.Config, err error) {
		if err != nil {
			logger.Error().Err(err).Msg("Configuration change rejected")
			return
		}
		logger.Info().Str("config", configPath).Msg("Configuration file changed")
		reload(next)
	}); err != nil {
		logger.Warn().Err(err).Msg("Configuration file not watched")
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}
	go systemd.RunWatchdog(ctx, logger)

	logger.Info().
		Str("endpoint", settings.Endpoint).
		Str("feed", cfg.Feed.Input).
		Msg("mediatrace startup complete")

	// Wait for shutdown signal or the end of the feed
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				next, err := config.Load(configPath)
				if err != nil {
					logger.Error().Err(err).Msg("Reload failed, keeping current settings")
					continue
				}
				logger.Info().Msg("Reloading configuration")
				reload(next)
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break wait
		case err := <-feedDone:
			if err != nil {
				logger.Error().Err(err).Msg("Page feed failed")
			} else {
				logger.Info().Msg("Page feed closed")
			}
			break wait
		}
	}

	_ = systemd.NotifyStopping()

	coll.Shutdown()
	loop.Stop()
	if !loop.Wait(shutdownTimeout) {
		logger.Warn().Msg("In-flight deliveries did not finish")
	}
	if !unload.Close(shutdownTimeout) {
		logger.Warn().Msg("Unload deliveries did not finish")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("mediatrace stopped")
	return nil
}

func openFeed(input string) (io.Reader, func(), error) {
	if input == "" || input == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path, cfg.TabID, parseDuration(cfg.SessionTTL, 12*time.Hour))
	case "redis":
		return redis.Open(cfg.Redis, cfg.TabID, parseDuration(cfg.SessionTTL, 12*time.Hour))
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Logs go to stderr, stdin carries the page feed
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
