package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/internal/telemetry"
	"github.com/forgevault/forgevault/pkg/config"
	"github.com/forgevault/forgevault/pkg/daemon"
	"github.com/forgevault/forgevault/pkg/metrics"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `ForgeVault - Backup, recovery, and job orchestration for CAD documents

Usage:
  forgevault <command> [flags]

Commands:
  init     Initialize a sample configuration file
  start    Start the ForgeVault worker
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/forgevault/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  forgevault init

  # Start worker with default config location
  forgevault start

  # Start worker with custom config
  forgevault start --config /etc/forgevault/config.yaml

  # Use environment variables to override config
  FORGEVAULT_LOGGING_LEVEL=DEBUG forgevault start

Environment Variables:
  All configuration options can be overridden using environment variables.
  Format: FORGEVAULT_<SECTION>_<KEY> (use underscores for nested keys)

  Examples:
    FORGEVAULT_LOGGING_LEVEL=DEBUG
    FORGEVAULT_JOBS_WORKERS=8
    FORGEVAULT_STORAGE_ENDPOINT=http://minio:9000
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "init":
		runInit()
	case "start":
		runStart()
	case "help", "--help", "-h":
		fmt.Print(usage)
		os.Exit(0)
	case "version", "--version", "-v":
		fmt.Printf("forgevault %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// runInit handles the init subcommand
func runInit() {
	// Parse flags for init command
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/forgevault/config.yaml)")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")

	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	var configPath string
	var err error

	if *configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(*configFile, *force)
		configPath = *configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(*force)
	}

	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the worker with: forgevault start")
	fmt.Printf("  3. Or specify custom config: forgevault start --config %s\n", configPath)
}

// runStart handles the start subcommand
func runStart() {
	// Parse flags for start command
	startFlags := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := startFlags.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/forgevault/config.yaml)")

	if err := startFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	// Check if config exists
	if *configFile == "" {
		// Check default location
		if !config.DefaultConfigExists() {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found at default location: %s\n\n", config.GetDefaultConfigPath())
			fmt.Fprintln(os.Stderr, "Please initialize a configuration file first:")
			fmt.Fprintln(os.Stderr, "  forgevault init")
			fmt.Fprintln(os.Stderr, "\nOr specify a custom config file:")
			fmt.Fprintln(os.Stderr, "  forgevault start --config /path/to/config.yaml")
			os.Exit(1)
		}
	} else {
		// Check explicitly specified path
		if _, err := os.Stat(*configFile); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error: Configuration file not found: %s\n\n", *configFile)
			fmt.Fprintln(os.Stderr, "Please create the configuration file:")
			fmt.Fprintf(os.Stderr, "  forgevault init --config %s\n", *configFile)
			os.Exit(1)
		}
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize the structured logger
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "forgevault",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "forgevault",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("ForgeVault - backup, recovery, and job orchestration")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(*configFile))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	// Initialize metrics FIRST (before creating components that feed them)
	metricsResult := config.InitializeMetrics(cfg)

	// Initialize registry with every component wired
	reg, err := config.InitializeRegistry(ctx, cfg, metricsResult)
	if err != nil {
		log.Fatalf("Failed to initialize registry: %v", err)
	}

	// Create the daemon over the registry
	d := daemon.New(reg, daemon.Config{
		WorkerID: cfg.Jobs.WorkerID,
		Queues:   cfg.Jobs.Queues,
	})

	if cfg.Metrics.Enabled {
		monitor, err := reg.GetHealthMonitor()
		if err != nil {
			log.Fatalf("Failed to wire metrics listener: %v", err)
		}
		srv := metrics.NewServer(metrics.ListenerConfig{Port: cfg.Metrics.Port},
			metrics.GetRegistry(), monitor, d.Ready)
		d.SetMetricsServer(srv)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Start worker in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- d.Serve(ctx)
	}()

	// Wait for interrupt signal or worker error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Worker is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan) // Stop signal notification immediately after receiving signal
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel() // Cancel context to initiate shutdown

		// Wait for the daemon loop, then stop every component
		if err := <-serverDone; err != nil {
			logger.Error("Worker shutdown error", "error", err)
			_ = reg.Close(cfg.ShutdownTimeout)
			os.Exit(1)
		}
		if err := reg.Close(cfg.ShutdownTimeout); err != nil {
			logger.Error("Component shutdown error", "error", err)
			os.Exit(1)
		}
		logger.Info("Worker stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan) // Stop signal notification when worker stops
		_ = reg.Close(cfg.ShutdownTimeout)
		if err != nil {
			logger.Error("Worker error", "error", err)
			os.Exit(1)
		}
		logger.Info("Worker stopped")
	}
}

// getConfigSource returns a description of where the config was loaded from
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
