package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/always-cache/precache"

	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	upstreamFlag       string
	hostFlag           string
	portFlag           int
	listenFlag         string
	dbFilenameFlag     string
	providerFlag       string
	versionFlag        string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	buildVersion string
)

const shutdownTimeout = 10 * time.Second

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Public origin URL the worker answers for")
	flag.StringVar(&upstreamFlag, "upstream", "", "Upstream URL to fetch from")
	flag.StringVar(&hostFlag, "host", "", "Hostname of upstream")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides port)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache store: sqlite, memory or valkey")
	flag.StringVar(&versionFlag, "version", "", "Cache version to install and activate")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if buildVersion == "" {
		buildVersion = "DEV"
	}
}

func main() {
	flag.Parse()

	config, err := loadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger, logCloser, err := newLogger(config.Log, os.Stdout, verbosityTraceFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot set up logging")
	}
	defer logCloser.Close()
	log.Logger = logger

	provider, err := config.Store.openProvider()
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Store.Provider).Msg("Cannot open cache store")
	}
	defer provider.Close()

	recorder := precache.NewRecorder(nil)
	workerConfig := config.workerConfig()
	workerConfig.Provider = provider
	workerConfig.Metrics = recorder
	workerConfig.Logger = &logger
	worker, err := precache.CreateWorker(workerConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot create worker")
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// an install failure leaves requests passing through, so keep serving
	if err := worker.Start(ctx); err != nil {
		log.Error().Err(err).Str("version", config.Version).Msg("Could not start version")
	}

	if configFlag != "" {
		watcher, err := watchConfig(ctx, configFlag, applyFlags, onConfigChange(ctx, worker, config), func(err error) {
			log.Warn().Err(err).Msg("Could not reload config")
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config changes will not be picked up")
		}
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           newRouter(worker, recorder, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Serving %s on %s from %s (with hostname '%s')",
			config.Origin, config.Listen, config.Upstream, config.UpstreamHost)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "upstream":
			config.Upstream = upstreamFlag
		case "host":
			config.UpstreamHost = hostFlag
		case "port":
			config.Listen = fmt.Sprintf(":%d", portFlag)
		case "db":
			config.Store.Path = dbFilenameFlag
		case "provider":
			config.Store.Provider = providerFlag
		case "version":
			config.Version = versionFlag
		case "log-file":
			config.Log.File = logFilenameFlag
		}
	})
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if config.Upstream == "" {
		config.Upstream = config.Origin
	}
}

// onConfigChange updates the worker when the version in the reloaded config changes.
// Other settings are only read at startup.
func onConfigChange(ctx context.Context, worker *precache.Worker, initial Config) func(Config) {
	current := initial
	return func(next Config) {
		if next.Version != current.Version {
			log.Info().Str("from", current.Version).Str("to", next.Version).Msg("Config version changed")
			if err := worker.Update(ctx, next.Version); err != nil {
				log.Error().Err(err).Str("version", next.Version).Msg("Could not update version")
			}
		}
		if changed := changedSettings(current, next); changed != "" {
			log.Warn().Str("settings", changed).Msg("Config changed, restart to apply")
		}
		current = next
	}
}

// changedSettings lists settings other than the version that differ between configs.
func changedSettings(a, b Config) string {
	var changed []string
	if a.Origin != b.Origin {
		changed = append(changed, "origin")
	}
	if a.Upstream != b.Upstream || a.UpstreamHost != b.UpstreamHost {
		changed = append(changed, "upstream")
	}
	if strings.Join(a.Manifest, ",") != strings.Join(b.Manifest, ",") {
		changed = append(changed, "manifest")
	}
	if a.Fallback != b.Fallback {
		changed = append(changed, "fallback")
	}
	if a.Store != b.Store {
		changed = append(changed, "store")
	}
	return strings.Join(changed, ",")
}
