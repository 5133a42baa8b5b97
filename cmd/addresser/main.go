// Copyright 2025-2026 Mukhammad-develop

// Command addresser runs the multi-account message relay daemon: it loads
// the worker configuration, starts the supervisor and serves Prometheus
// metrics until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/config"
	"github.com/Mukhammad-develop/telegram-addresser/pkg/gateway"
	"github.com/Mukhammad-develop/telegram-addresser/pkg/relay"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = flag.MakeFull("c", "config", "Path to the worker configuration file", "config.yaml").String()
	stateDir    = flag.MakeFull("s", "state-dir", "Directory for per-worker relay state", "state").String()
	logLevel    = flag.MakeFull("l", "log-level", "Minimum log level", "info").String()
	metricsAddr = flag.MakeFull("m", "metrics-addr", "Listen address for Prometheus metrics, empty to disable", "127.0.0.1:9641").String()
	gatewayURL  = flag.MakeFull("g", "gateway-url", "Base URL of the session gateway sidecar", "http://127.0.0.1:8089").String()
	showVersion = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
	wantHelp, _ = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles("addresser - multi-account message relay daemon",
		"addresser [-c config.yaml] [-s state] [-l info] [-m addr] [-g url]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(2)
	}
	if *wantHelp {
		flag.PrintHelp()
		return
	}
	if *showVersion {
		fmt.Printf("addresser %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	_ = godotenv.Load(".env")

	log := newLogger(*logLevel)
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).
		Msg("Starting addresser")

	store, err := config.NewStore(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	gwToken := os.Getenv("ADDRESSER_GATEWAY_TOKEN")
	factory := func(cfg config.Worker) (relay.Transport, error) {
		return gateway.NewClient(gateway.Options{
			BaseURL: *gatewayURL,
			Session: cfg.Credentials.Session,
			Token:   gwToken,
			APIID:   cfg.Credentials.APIID,
			APIHash: cfg.Credentials.APIHash,
		}, log), nil
	}
	sup := relay.NewSupervisor(store, *stateDir, factory, log)

	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watchHUP(ctx, store, log)

	if err := sup.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Supervisor failed")
	}
	log.Info().Msg("Shutdown complete")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if isatty() {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	} else {
		out = zerolog.New(os.Stdout)
	}
	return out.Level(lvl).With().Timestamp().Logger()
}

func isatty() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func serveMetrics(log zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	log.Info().Str("addr", addr).Msg("Serving metrics")
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}

// watchHUP re-reads the configuration file on SIGHUP so operators can
// apply hand edits without restarting the daemon. Invalid edits are
// rejected and the running configuration stays active.
func watchHUP(ctx context.Context, store *config.Store, log zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.Reload(); err != nil {
				log.Error().Err(err).Msg("Config reload rejected, keeping previous configuration")
				continue
			}
			log.Info().Msg("Configuration reloaded from file")
		}
	}
}
