package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/sourceplane/eapm/internal/loader"
	"github.com/sourceplane/eapm/internal/logging"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "eapm.yaml"

var (
	configFile string
	logLevel   string
	logFormat  string
	stateDB    string

	cfg    *model.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:          "eapm",
	Short:        "Remote job dispatch: jobs → cluster → results",
	Long:         "eapm materializes job lists into run scripts, dispatches them locally, to LAN workstations or to Slurm clusters, and brings the results back",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ./eapm.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace/debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text/json)")
	rootCmd.PersistentFlags().StringVar(&stateDB, "state-db", "", "Dispatch state database path")

	registerLaunchCommand(rootCmd)
	registerWaitCommand(rootCmd)
	registerDownloadCommand(rootCmd)
	registerResolveCommand(rootCmd)
	registerScriptCommand(rootCmd)
	registerValidateCommand(rootCmd)
	registerRunsCommand(rootCmd)
}

// loadSettings reads the config file and applies the global flag overrides.
func loadSettings() error {
	path := configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	loaded, err := loader.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDB != "" {
		cfg.State.Database = stateDB
	}

	logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return nil
}
