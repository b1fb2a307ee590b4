package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fabric/pkg/broker"
	"github.com/fluxgate/fabric/pkg/config"
	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/mesh"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/orchestrator"
	"github.com/fluxgate/fabric/pkg/registry"
	"github.com/fluxgate/fabric/pkg/replication"
	"github.com/fluxgate/fabric/pkg/storage"
	"github.com/fluxgate/fabric/pkg/streaming"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fabricd",
	Short: "fabricd - Service Fabric Core daemon",
	Long: `fabricd runs the Service Fabric Core: a registry-backed load
balancer, a protocol-agnostic mesh controller, a message broker, and an
event-streaming engine, behind a single process and a single metrics and
health surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fabricd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry, mesh, broker, and streaming cores",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		logger := log.WithComponent("fabricd")
		logger.Info().Str("metrics_addr", metricsAddr).Msg("starting fabricd")

		var store storage.Store
		if dataDir != "" {
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			boltStore, err := storage.NewBoltStore(dataDir)
			if err != nil {
				return fmt.Errorf("open durable store: %w", err)
			}
			defer boltStore.Close()
			store = boltStore
			logger.Info().Str("data_dir", dataDir).Msg("durable storage enabled")
		}

		emitter := events.NewEmitter()

		reg := registry.New(emitter)
		reg.Start()
		metrics.RegisterComponent("registry", true, "ready")

		clusterBind, _ := cmd.Flags().GetString("cluster-bind")
		if clusterBind != "" {
			nodeID, _ := cmd.Flags().GetString("node-id")
			clusterDataDir, _ := cmd.Flags().GetString("cluster-data-dir")
			if nodeID == "" || clusterDataDir == "" {
				return fmt.Errorf("--cluster-bind requires --node-id and --cluster-data-dir")
			}
			r, err := replication.Bootstrap(replication.ClusterConfig{
				NodeID:   nodeID,
				BindAddr: clusterBind,
				DataDir:  clusterDataDir,
			}, reg)
			if err != nil {
				return fmt.Errorf("bootstrap replication cluster: %w", err)
			}
			defer r.Shutdown()
			logger.Info().Str("node_id", nodeID).Str("cluster_bind", clusterBind).Msg("registry replication cluster bootstrapped")
		}

		meshCfg := config.MeshFromEnv()
		meshCtl := mesh.New(reg, emitter, meshCfg)
		metrics.RegisterComponent("mesh", true, "ready")

		var keyring *broker.KeyRing
		if meshCfg.EncryptionEnabled {
			kr, err := broker.NewKeyRing(meshCfg.KeyRotationInterval)
			if err != nil {
				return fmt.Errorf("create broker key ring: %w", err)
			}
			defer kr.Close()
			keyring = kr
			logger.Info().Dur("rotation_interval", meshCfg.KeyRotationInterval).Msg("broker at-rest encryption enabled")
		}

		brk := broker.New(keyring, emitter)
		if store != nil {
			brk.SetStore(store)
		}
		brk.Start()
		metrics.RegisterComponent("broker", true, "ready")

		strm := streaming.New(emitter)
		if store != nil {
			strm.SetStore(store)
		}
		strm.Start()
		metrics.RegisterComponent("streaming", true, "ready")

		orch := orchestrator.New(reg, meshCtl, brk, strm)
		_ = orch // wired for callers embedding fabricd; no workflows run by the daemon itself

		metrics.SetVersion(Version)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())

		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			logger.Error().Err(err).Msg("metrics server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server did not shut down cleanly")
		}

		strm.Stop()
		brk.Stop()
		meshCtl.Stop()
		reg.Stop()

		logger.Info().Msg("fabricd shut down")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, and /live on")
	serveCmd.Flags().String("data-dir", "", "Directory for the optional bbolt-backed durable store (empty disables persistence)")
	serveCmd.Flags().String("cluster-bind", "", "Bind address for Raft-replicated registry state (empty disables replication)")
	serveCmd.Flags().String("node-id", "", "Raft node ID, required when --cluster-bind is set")
	serveCmd.Flags().String("cluster-data-dir", "", "Directory for Raft logs and snapshots, required when --cluster-bind is set")
}
