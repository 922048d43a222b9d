package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrhq/shale/pkg/api"
	"github.com/entrhq/shale/pkg/browser"
	"github.com/entrhq/shale/pkg/config"
	"github.com/entrhq/shale/pkg/logging"
	"github.com/entrhq/shale/pkg/pool"
)

// serveFlags holds command-line overrides for the config file
type serveFlags struct {
	configFile  string
	addr        string
	maxSessions int
	eviction    string
	logLevel    string
	logDir      string
	headed      bool
	skipInstall bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session pool HTTP server",
		Long: `Start the browser driver, the session pool and the HTTP API.

Settings come from the YAML file given with --config, falling back to
built-in defaults; flags override both. SIGINT or SIGTERM shuts the server
down and terminates every browser.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, flags.skipInstall)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configFile, "config", "c", "", "path to a YAML config file")
	f.StringVar(&flags.addr, "addr", "", "listen address (host:port)")
	f.IntVar(&flags.maxSessions, "max-sessions", 0, "maximum number of live sessions")
	f.StringVar(&flags.eviction, "eviction", "", "behaviour at capacity: reject or evict-oldest")
	f.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&flags.logDir, "log-dir", "", "directory for log files (default stderr)")
	f.BoolVar(&flags.headed, "headed", false, "show browser windows")
	f.BoolVar(&flags.skipInstall, "skip-install", false, "do not download the browser driver and browsers")

	return cmd
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, flags serveFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = flags.addr
	}
	if f.Changed("max-sessions") {
		cfg.Pool.MaxSessions = flags.maxSessions
	}
	if f.Changed("eviction") {
		cfg.Pool.Eviction = flags.eviction
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if f.Changed("log-dir") {
		cfg.Logging.Dir = flags.logDir
	}
	if f.Changed("headed") {
		cfg.Pool.Headless = !flags.headed
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve runs the server until ctx is cancelled, then shuts the HTTP server
// and the pool down in that order.
func serve(ctx context.Context, cfg *config.Config, skipInstall bool) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if err := logging.Configure(cfg.Logging.Dir, level); err != nil {
		return err
	}
	log, err := logging.NewLogger("shale")
	if err != nil {
		log.Warnf("logging to stderr: %v", err)
	}
	defer log.Close()

	driver := browser.NewPlaywrightDriver(browser.PlaywrightOptions{
		Headless:    cfg.Pool.Headless,
		Browsers:    cfg.Pool.SupportedBrowsers,
		Aliases:     cfg.Pool.BrowserAliases,
		SkipInstall: skipInstall,
	})
	// every supported name must launch something
	for _, name := range cfg.Pool.SupportedBrowsers {
		engine, err := driver.Engine(name)
		if err != nil {
			return fmt.Errorf("pool.supported_browsers: %w", err)
		}
		if engine != name {
			log.Infof("browser %s runs on %s", name, engine)
		}
	}

	log.Infof("starting browser driver for %v", cfg.Pool.SupportedBrowsers)
	if err := driver.Start(); err != nil {
		return fmt.Errorf("failed to start browser driver: %w", err)
	}

	hub := api.NewHub(log.With("events"))
	go hub.Run()

	p, err := pool.New(driver, poolOptions(cfg.Pool, log.With("pool"), hub))
	if err != nil {
		_ = driver.Close()
		hub.Stop()
		return err
	}
	p.Start()

	srv := api.NewServer(cfg.Server, p, hub, log.With("http"))

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Infof("received shutdown signal")
	case serveErr = <-errc:
		if serveErr != nil {
			log.Errorf("server stopped: %v", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP shutdown: %v", err)
	}
	closeErr := p.Close(shutdownCtx)
	if closeErr != nil {
		log.Errorf("pool shutdown: %v", closeErr)
	} else {
		log.Infof("all sessions terminated")
	}

	return errors.Join(serveErr, closeErr)
}

// poolOptions converts the pool section of the config.
func poolOptions(cfg config.PoolConfig, log *logging.Logger, events pool.Publisher) pool.Options {
	return pool.Options{
		MaxSessions:       cfg.MaxSessions,
		Eviction:          pool.EvictionPolicy(cfg.Eviction),
		SupportedBrowsers: cfg.SupportedBrowsers,
		IdleTimeout:       cfg.IdleTimeout,
		ReapInterval:      cfg.ReapInterval,
		SpawnTimeout:      cfg.SpawnTimeout,
		SpawnConcurrency:  cfg.SpawnConcurrency,
		TerminateTimeout:  cfg.TerminateTimeout,
		Logger:            log,
		Events:            events,
	}
}
