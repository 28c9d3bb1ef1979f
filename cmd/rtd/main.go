// Package main is the entry point for the rtd binary: the documentation
// server, the API, the task workers and the operator commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/logging"
)

const defaultConfigPath = ""

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "rtd",
		Short: "Documentation hosting: serving, APIs and build workers",
		Long: `rtd hosts documentation built with mkdocs.

The serve command runs the documentation server, the REST APIs and the
background task workers. The remaining commands are operator tools that
work against the same store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "Path to the configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(a),
		newSyncVCSDataCmd(a),
		newBuildCmd(a),
		newIndexCmd(a),
		newRulesCmd(a),
	)
	return rootCmd
}

// load reads .env, the configuration file and sets up logging.
func (a *app) load() error {
	_ = godotenv.Load()

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	return nil
}
