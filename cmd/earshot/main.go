// earshot is the proximity and pairing engine daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/earshot/earshot/internal/config"
	"github.com/earshot/earshot/internal/engine"
	"github.com/earshot/earshot/internal/metrics"
	"github.com/earshot/earshot/internal/ranging"
	"github.com/earshot/earshot/internal/store"
	wstransport "github.com/earshot/earshot/internal/transport/ws"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "earshot",
		Short: "Earshot - proximity-aware peer audio engine",
		Long: `Earshot discovers nearby devices, estimates their distance, and
maps proximity to listening volume. Paired devices reconnect
automatically and exchange ranging tokens for precise distance
measurements when the hardware supports them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the earshot engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			setupLogging(cfg.LogLevel)

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("earshot %s (%s)\n", Version, Commit)
		},
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func run(cfg *config.Config) error {
	log.Info().Str("name", cfg.Name).Str("version", Version).Msg("starting earshot")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st := store.NewFileStore(filepath.Join(cfg.DataDir, "paired_devices.json"))

	tr := wstransport.New(cfg.Name)
	if err := tr.Listen(cfg.Listen); err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	var m *metrics.EngineMetrics
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(cfg.Name, Version)
		go serveMetrics(cfg.Metrics.Listen)
	}

	pairingTimeout, err := cfg.PairingTimeout()
	if err != nil {
		return err
	}
	exchangeTimeout, err := cfg.ExchangeTimeout()
	if err != nil {
		return err
	}
	staleTimeout, err := cfg.StaleTimeout()
	if err != nil {
		return err
	}
	purgeEvery, err := cfg.PurgeInterval()
	if err != nil {
		return err
	}
	heartbeatEvery, err := cfg.HeartbeatInterval()
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Name:      cfg.Name,
		Version:   Version,
		Transport: tr,
		// No precise-ranging hardware is wired into the daemon build;
		// the selector degrades to RSSI inference.
		Fallback:        ranging.NewRSSIProvider(),
		Store:           st,
		Estimator:       cfg.EstimatorConfig(),
		PairingTimeout:  pairingTimeout,
		ExchangeTimeout: exchangeTimeout,
		StaleTimeout:    staleTimeout,
		PurgeEvery:      purgeEvery,
		HeartbeatEvery:  heartbeatEvery,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumeEvents(ctx, eng)

	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()

	if err := eng.StartDiscovery(); err != nil {
		return err
	}

	for _, peerURL := range cfg.Peers {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := tr.Dial(dialCtx, peerURL); err != nil {
			log.Warn().Err(err).Str("url", peerURL).Msg("dialing peer failed")
		}
		dialCancel()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-errc
	case err := <-errc:
		return err
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func consumeEvents(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			switch ev.Kind {
			case engine.EventStateChanged:
				log.Info().Str("state", ev.State.String()).Msg("application state")
			case engine.EventPairingRequest:
				log.Info().Str("peer", ev.PeerID).Str("name", ev.Peer.DisplayName).Msg("pairing request received")
			case engine.EventNotice:
				log.Warn().Msg(ev.Message)
			case engine.EventPeerUpdated:
				log.Debug().
					Str("peer", ev.PeerID).
					Str("level", ev.Peer.Level.String()).
					Float64("distance", ev.Peer.Distance).
					Float64("volume", ev.Peer.Volume).
					Msg("peer updated")
			}
		}
	}
}
