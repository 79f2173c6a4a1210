// Command forge runs the atomization pipeline: it decomposes a plan of
// coarse tasks into atomic units, schedules them in dependency waves,
// drives the code oracle with bounded retries, validates hierarchically
// and routes low-confidence work to human review.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"atomforge/internal/config"
	"atomforge/internal/logging"
)

var (
	flagConfig string
	flagDebug  bool

	logger *zap.Logger
	cfg    *config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "atomforge code-generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zapCfg := zap.NewProductionConfig()
			zapCfg.Encoding = "console"
			zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			if flagDebug {
				zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = zapCfg.Build()
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}

			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagDebug {
				cfg.Logging.DebugMode = true
			}

			workspace, err := os.Getwd()
			if err != nil {
				return err
			}
			return logging.Initialize(workspace, cfg.Logging.DebugMode, cfg.Logging.Level)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
			if logger != nil {
				logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "forge.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newReviewCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the forge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("atomforge %s\n", config.DefaultConfig().Version)
		},
	}
}
