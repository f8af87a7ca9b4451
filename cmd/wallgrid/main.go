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

	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/config"
	"github.com/wallgrid/wallgrid/pkg/hub"
	"github.com/wallgrid/wallgrid/pkg/profiling"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/telemetry"
)

// Exit codes. Orchestrators restart on anything non-zero; 2 and 3 point at
// what went wrong without reading logs.
const (
	exitOK    = 0
	exitUsage = 1
	exitBind  = 2
	exitFatal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "", "configuration file path")
		port           = flag.Int("port", config.DefaultPort, "listen port, overrides the config")
		staleTTL       = flag.Int("stale-ttl-seconds", config.DefaultStaleTTLSeconds, "disconnected record TTL in seconds, overrides the config")
		staticDir      = flag.String("static", "", "admin console asset directory, overrides the config")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Flags beat the config file, but only when actually given.
	flagsSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(*memProfile))
	}
	defer func() {
		for _, function := range deferredFunctions {
			function()
		}
	}()

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Error("could not load config")
		return exitUsage
	}
	if flagsSet["port"] {
		cfg.Hub.Port = *port
	}
	if flagsSet["stale-ttl-seconds"] {
		cfg.Hub.StaleTTLSeconds = *staleTTL
	}
	if flagsSet["static"] {
		cfg.Hub.StaticDir = *staticDir
	}

	setLogLevel(cfg.LogLevel)

	if cfg.Telemetry.Enabled() {
		tp, err := telemetry.SetupTelemetry(cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Error("could not set up telemetry")
			return exitUsage
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(shutdownCtx)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signal interruptions.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logrus.Info("shutting down")
		cancel()
	}()

	reg := registry.New(registry.Config{
		StaleTTL: time.Duration(cfg.Hub.StaleTTLSeconds) * time.Second,
	})
	defer reg.Stop()

	h := hub.New(reg)
	server := hub.NewServer(h, hub.ServerConfig{
		Addr:      fmt.Sprintf(":%d", cfg.Hub.Port),
		StaticDir: cfg.Hub.StaticDir,
	})

	hubErr := make(chan error, 1)
	go func() {
		hubErr <- h.Run(ctx)
	}()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	select {
	case err := <-hubErr:
		if err != nil {
			logrus.WithError(err).Error("hub terminated")
			return exitFatal
		}
		return exitOK
	case err := <-serverErr:
		if errors.Is(err, hub.ErrBind) {
			logrus.WithError(err).Error("could not bind listen address")
			return exitBind
		}
		if err != nil {
			logrus.WithError(err).Error("server terminated")
			return exitUsage
		}
		return exitOK
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
