package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mrsinham/dicomseg/internal/config"
	"github.com/mrsinham/dicomseg/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
	logJSON    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:           "dicomseg",
		Short:         "Labelmap segmentation with undo history and AI-assisted box segmentation",
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML configuration file (env: DICOMSEG_*)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error, off")
	rootCmd.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "Write JSON logs instead of console output")

	rootCmd.AddCommand(phantomCmd())
	rootCmd.AddCommand(segmentCmd(&g))
	rootCmd.AddCommand(interactiveCmd(&g))
	rootCmd.AddCommand(configCmd(&g))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// setup loads configuration and builds the logger. Flags win over the file
// and environment.
func setup(g *globalFlags) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logJSON {
		cfg.Log.Console = false
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Console: cfg.Log.Console})
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dicomseg %s\n", version)
		},
	}
}
