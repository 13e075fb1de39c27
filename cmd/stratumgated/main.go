package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratumgate/stratumgate/pkg/api"
	"github.com/stratumgate/stratumgate/pkg/client"
	"github.com/stratumgate/stratumgate/pkg/config"
	"github.com/stratumgate/stratumgate/pkg/control"
	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/notify"
	"github.com/stratumgate/stratumgate/pkg/proxy"
	"github.com/stratumgate/stratumgate/pkg/schedule"
	"github.com/stratumgate/stratumgate/pkg/scheduler"
	"github.com/stratumgate/stratumgate/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stratumgated",
	Short: "Stratumgate - multi-tenant Stratum mining proxy",
	Long: `Stratumgate terminates miner connections on per-tenant TCP ports,
rewrites upstream credentials and routes traffic to the pool selected by
each tenant's active mode and schedules.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stratumgate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reloadPortCmd)
	rootCmd.AddCommand(freePortsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy daemon",
	Long: `Start the full daemon: one listener per tenant port, the schedule
engine and the control-plane HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Str("db", cfg.DatabasePath).Msg("starting stratumgate")

		store, err := storage.NewBoltStore(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		var notifier notify.Notifier = notify.Nop{}
		if cfg.NotifyWebhookURL != "" {
			notifier = notify.NewWebhook(cfg.NotifyWebhookURL, cfg.APIToken)
		}

		resolver := schedule.NewResolver(store)
		fabric := proxy.NewFabric(store, resolver, cfg, notifier)
		if err := fabric.StartAll(); err != nil {
			return err
		}

		sched := scheduler.New(store, resolver, fabric, notifier, cfg.SchedulerInterval)
		sched.Start()

		svc := control.NewService(store, fabric, cfg)
		srv := api.NewServer(svc, cfg.APIToken)

		apiErr := make(chan error, 1)
		go func() {
			apiErr <- srv.Start(cfg.APIAddr())
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-apiErr:
			if err != nil {
				logger.Error().Err(err).Msg("control API failed")
			}
		}

		sched.Stop()
		fabric.StopAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("control API shutdown was not clean")
		}

		logger.Info().Msg("stopped")
		return nil
	},
}

var reloadPortCmd = &cobra.Command{
	Use:   "reload-port PORT",
	Short: "Ask a running daemon to restart one tenant listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		var port int
		if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil {
			return fmt.Errorf("invalid port %q", args[0])
		}

		cl := client.New(cfg.ProxyAPIAddr(), cfg.ProxyAPIToken)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := cl.ReloadPort(ctx, port); err != nil {
			return err
		}
		fmt.Printf("Port %d reloaded\n", port)
		return nil
	},
}

var freePortsCmd = &cobra.Command{
	Use:   "free-ports",
	Short: "List unassigned ports of the configured range",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		cl := client.New(cfg.ProxyAPIAddr(), cfg.ProxyAPIToken)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		ports, err := cl.FreePorts(ctx)
		if err != nil {
			return err
		}

		if len(ports) == 0 {
			fmt.Println("No free ports")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}
