package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcanalabs/arcana/internal/billing"
	"github.com/arcanalabs/arcana/internal/config"
	"github.com/arcanalabs/arcana/internal/entitlements"
	"github.com/arcanalabs/arcana/internal/kvstore"
	"github.com/arcanalabs/arcana/internal/logging"
	"github.com/arcanalabs/arcana/internal/subscription"
	"github.com/arcanalabs/arcana/internal/usage"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "arcana",
	Short:   "Arcana - subscription entitlement and usage engine",
	Long:    `Arcana runs the entitlement engine behind the tarot companion app: tier gating, monthly usage quotas, and billing-status sync.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Arcana %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(resetUsageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles the wired components for command handlers.
type engine struct {
	cfg     config.Config
	kv      *kvstore.Store
	usage   *usage.Store
	source  *billing.SimulatedSource
	manager *subscription.Manager
	facade  *entitlements.Service
}

// buildEngine wires the full stack without starting background loops.
func buildEngine() (*engine, error) {
	cfg := config.Load()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "arcana"})

	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, kvstore.DefaultFileName))
	if err != nil {
		return nil, fmt.Errorf("open preference store: %w", err)
	}

	source, err := billing.NewSimulatedSource(cfg.DataDir)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("start billing source: %w", err)
	}

	usageStore := usage.NewStore(kv)
	manager := subscription.NewManager(source, kv, subscription.Config{
		Interval:      cfg.SyncInterval,
		FetchTimeout:  cfg.FetchTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	})

	return &engine{
		cfg:     cfg,
		kv:      kv,
		usage:   usageStore,
		source:  source,
		manager: manager,
		facade:  entitlements.NewService(manager, usageStore),
	}, nil
}

func (e *engine) close() {
	e.source.Close()
	e.kv.Close()
}

// runEngine starts the sync loop and blocks until interrupted.
func runEngine() error {
	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Roll the usage period over before serving any decisions.
	if reset, err := e.usage.ResetIfNewPeriod(); err != nil {
		log.Warn().Err(err).Msg("Usage period check failed")
	} else if reset {
		log.Info().Msg("Usage counters reset for the new month")
	}

	e.manager.Start(ctx)
	defer e.manager.Stop()

	if e.cfg.MetricsAddr != "" {
		startMetricsServer(ctx, e.cfg.MetricsAddr)
	}

	log.Info().
		Str("version", Version).
		Str("data_dir", e.cfg.DataDir).
		Dur("sync_interval", e.cfg.SyncInterval).
		Msg("Arcana entitlement engine running")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}
