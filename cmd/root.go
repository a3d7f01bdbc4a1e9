package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/application"
	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/logger"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the notification service
var rootCmd = &cobra.Command{
	Use:   "notification-service",
	Short: "Towns notification service",
	Long:  `Push notification service that syncs Towns streams and delivers web push and APNs notifications.`,
	Example: `
  notification-service start --db-host localhost --db-port 5432
  notification-service start --node-url wss://river.example.com --log-level debug
  notification-service start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("node-url") {
			cfg.River.NodeURL, _ = flags.GetString("node-url")
		}
		if flags.Changed("db-host") {
			cfg.Database.Server, _ = flags.GetString("db-host")
		}
		if flags.Changed("db-port") {
			cfg.Database.Port, _ = flags.GetInt("db-port")
		}
		if flags.Changed("listen-addr") {
			cfg.Web.ListenAddr, _ = flags.GetString("listen-addr")
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("node-url", "", "WebSocket URL of the stream node")
	rootCmd.PersistentFlags().String("db-host", "localhost", "PostgreSQL host")
	rootCmd.PersistentFlags().IntP("db-port", "", 5432, "PostgreSQL port")
	rootCmd.PersistentFlags().String("listen-addr", "", "HTTP API listen address")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().String("metrics-port", "2112", "Port for Prometheus metrics server")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of the notification service",
		Long:  "Print the version number of the notification service along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	})
	versionCmd := rootCmd.Commands()[len(rootCmd.Commands())-1]
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the notification service",
		Long:  "Start the notification service with the specified configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfgFile, _ = cmd.Flags().GetString("config")
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
				logger.Info("Using config file", zap.String("config_file", cfgFile))
			}

			ctx := cmd.Context()

			logger.Info("Starting notification service...")
			app, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("Failed to initialize the notification service", zap.Error(err))
				os.Exit(1)
			}

			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
				app.Shutdown()
			}()

			if err := app.Start(); err != nil {
				logger.Error("Failed to start the notification service", zap.Error(err))
				os.Exit(1)
			}

			logger.Info("Notification service started successfully")
		},
	}

	rootCmd.AddCommand(startCmd)
}
