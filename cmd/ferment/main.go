package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/pkg/config"
	"github.com/marmos91/ferment/pkg/server"
)

const usage = `ferment - an HTTP/1.1 application server

Usage:
  ferment [flags]          start the server
  ferment init [-force]    write a default configuration file

Flags:
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		os.Exit(runInit(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	path := fs.String("config", "", "Write to this path instead of the default location")
	_ = fs.Parse(args)

	written := *path
	var err error
	if written == "" {
		written, err = config.InitConfig(*force)
	} else {
		err = config.InitConfigToPath(written, *force)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration written to %s\n", written)
	return 0
}

// overrides holds the command line values that take precedence over the
// configuration file and environment.
type overrides struct {
	addr          string
	workers       int
	logLevel      string
	chunked       bool
	maxReuse      uint
	keepalive     time.Duration
	sendTimeout   time.Duration
	qmonThreshold int
	app           string
}

func run(args []string) int {
	var o overrides
	fs, configPath := runFlags(&o, flag.ExitOnError)
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := applyOverrides(fs, cfg, &o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Async:  cfg.Logging.AsyncEnabled(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Close() }()

	if err := serve(cfg); err != nil {
		logger.Error("Server error: %v", err)
		return 1
	}
	return 0
}

// runFlags registers the run command's flags, storing overrides in o.
func runFlags(o *overrides, handling flag.ErrorHandling) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("ferment", handling)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "Path to config file (default $XDG_CONFIG_HOME/ferment/config.yaml)")
	fs.StringVar(&o.addr, "addr", "", "Listen address: host:port or a Unix socket path")
	fs.IntVar(&o.workers, "workers", 0, "Number of worker threads")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.BoolVar(&o.chunked, "chunked", false, "Enable chunked transfer encoding")
	fs.UintVar(&o.maxReuse, "max-reuse", 0, "Requests a connection may serve after its first (0-255)")
	fs.DurationVar(&o.keepalive, "keepalive", 0, "Keep-alive timeout")
	fs.DurationVar(&o.sendTimeout, "send-timeout", 0, "Send timeout")
	fs.IntVar(&o.qmonThreshold, "qmon-threshold", 0, "Queue depth above which a warning is logged (0 disables)")
	fs.StringVar(&o.app, "app", "", "Application to serve (hello, static, echo)")
	return fs, configPath
}

// applyOverrides copies the flags that were set on the command line into
// cfg and validates the result again.
func applyOverrides(fs *flag.FlagSet, cfg *config.Config, o *overrides) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Adapters.HTTP.Address = o.addr
		case "workers":
			cfg.Adapters.HTTP.NumWorkers = &o.workers
		case "log-level":
			cfg.Logging.Level = o.logLevel
		case "chunked":
			cfg.Adapters.HTTP.ChunkedTransfer = o.chunked
		case "max-reuse":
			if o.maxReuse > 255 {
				err = fmt.Errorf("-max-reuse %d out of range (0-255)", o.maxReuse)
				return
			}
			cfg.Adapters.HTTP.MaxReuseCount = uint8(o.maxReuse)
		case "keepalive":
			cfg.Adapters.HTTP.KeepaliveTimeout = o.keepalive
		case "send-timeout":
			cfg.Adapters.HTTP.SendTimeout = o.sendTimeout
		case "qmon-threshold":
			cfg.Adapters.HTTP.QmonWarnThreshold = o.qmonThreshold
		case "app":
			cfg.Application.Type = o.app
		}
	})
	if err != nil {
		return err
	}

	config.ApplyDefaults(cfg)
	return config.Validate(cfg)
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := config.CreateApplication(cfg)
	if err != nil {
		return err
	}

	metricsResult := config.InitializeMetrics(cfg)

	adapters, err := config.CreateAdapters(cfg, metricsResult.HTTPMetrics)
	if err != nil {
		return err
	}

	srv := server.New(app)
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			return err
		}
	}

	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	logger.Info("Serving %s application on %s with %d worker(s)",
		cfg.Application.Type, cfg.Adapters.HTTP.Address, cfg.Adapters.HTTP.Workers())
	logger.Debug("  Chunked transfer: %v", cfg.Adapters.HTTP.ChunkedTransfer)
	logger.Debug("  Max reuse count: %d", cfg.Adapters.HTTP.MaxReuseCount)
	logger.Debug("  Keep-alive timeout: %v", cfg.Adapters.HTTP.KeepaliveTimeout)
	logger.Debug("  Send timeout: %v", cfg.Adapters.HTTP.SendTimeout)
	logger.Debug("  Dispatch mode: %s", cfg.Adapters.HTTP.DispatchMode)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received %v, initiating graceful shutdown...", sig)
		cancel()

		shutdownTimer := time.NewTimer(cfg.Server.ShutdownTimeout)
		defer shutdownTimer.Stop()

		select {
		case err := <-serverDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("shutdown error: %w", err)
			}
			logger.Info("Server stopped gracefully")
		case <-shutdownTimer.C:
			return fmt.Errorf("shutdown timed out after %v", cfg.Server.ShutdownTimeout)
		}

	case err := <-serverDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}
