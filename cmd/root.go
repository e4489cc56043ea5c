package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/application"
	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/logger"
)

// Exit codes: 0 on a clean shutdown, 1 when initialization fails, 2 when
// the listener cannot bind.
const (
	exitInitFailure = 1
	exitBindFailure = 2
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "roost is a personal Nostr relay",
	Long:  `A single-binary personal Nostr relay with an embedded event store.`,
	Example: `
  roost start
  roost start --config /etc/roost/config.yaml
  roost start --data-dir /var/lib/roost --log-level debug`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		flags := cmd.Flags()
		if flags.Changed("relay-name") {
			cfg.Relay.Name, _ = flags.GetString("relay-name")
		}
		if flags.Changed("port") {
			cfg.Relay.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("data-dir") {
			cfg.Relay.DataDir, _ = flags.GetString("data-dir")
		}
		if flags.Changed("log-level") {
			level, _ := flags.GetString("log-level")
			cfg.Logging.Level = level
			logger.UpdateLevel(level)
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the CLI with the provided context.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInitFailure)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (optional)")
	rootCmd.PersistentFlags().String("relay-name", "", "Name advertised in the relay information document")
	rootCmd.PersistentFlags().Int("port", 0, "TCP port to listen on")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the event store and relay identity")
	rootCmd.PersistentFlags().String("log-level", "", "Logging level (debug, info, warn, error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the roost version",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay",
		Long:  "Start the relay and serve until interrupted.",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("failed to resolve config path", zap.Error(err))
					os.Exit(exitInitFailure)
				}
				logger.Info("using config file", zap.String("config_file", absPath))
			}

			ctx := cmd.Context()

			app, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("failed to initialize the relay", zap.Error(err))
				os.Exit(exitInitFailure)
			}
			defer app.Shutdown()

			// Blocks until the context is canceled or the listener fails.
			if err := app.Start(); err != nil {
				logger.Error("relay server failed", zap.Error(err))
				app.Shutdown()
				os.Exit(exitBindFailure)
			}
		},
	}
	rootCmd.AddCommand(startCmd)
}
