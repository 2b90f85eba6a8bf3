package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/camber-io/camber/pkg/config"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/supervisor"
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
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "camber",
	Short: "Camber - workflow automation platform",
	Long: `Camber runs versioned workflow graphs against third-party APIs:
webhook and polling triggers feed a durable queue, workers execute the
graph node by node, and credentials stay envelope-encrypted at rest.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Camber version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig resolves configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)
	return cfg, nil
}

// runApp builds the container for the given roles and blocks until a
// shutdown signal arrives or the HTTP listener fails.
func runApp(roles supervisor.Roles) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := supervisor.New(ctx, cfg, roles)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop()

	return app.Wait(ctx)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API, trigger ingestion, and maintenance components",
	RunE: func(cmd *cobra.Command, args []string) error {
		withWorker, _ := cmd.Flags().GetBool("with-worker")
		return runApp(supervisor.Roles{API: true, Worker: withWorker})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue consumers and the timer dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(supervisor.Roles{Worker: true})
	},
}

func init() {
	serverCmd.Flags().Bool("with-worker", false, "also run queue consumers in this process")
}
