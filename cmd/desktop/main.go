// Package main provides the bounceback desktop sync daemon and CLI.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bounceback/backend/internal/config"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "bounceback",
	Version: Version,
	Short:   "Offline-first sync engine for Bounceback",
	Long: `bounceback keeps the local database in step with the remote backend.

Writes land locally first and are pushed when connectivity allows. The serve
command runs the HTTP API, the status feed and background sync; the other
commands operate on the same data directory once and exit.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var (
	cfgFilePath  string
	outputFormat string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFilePath, "config", "", "config file (default is ./bounceback.yaml or ~/.bounceback/bounceback.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatText, "output format: text, json or yaml")
}

func initConfig(cmd *cobra.Command, args []string) error {
	if err := validateFormat(outputFormat); err != nil {
		return err
	}

	loaded, err := config.Load(cfgFilePath)
	if err != nil {
		return err
	}
	cfg = loaded

	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		if err := logging.InitFile(cfg.Log.File, level); err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
	} else {
		logging.Init(os.Stderr, level)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
