// Package cmd provides the CLI commands for Agent Brain.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/SpillwaveSolutions/agent-brain/internal/config"
	"github.com/SpillwaveSolutions/agent-brain/internal/logging"
	"github.com/SpillwaveSolutions/agent-brain/internal/service"
	"github.com/SpillwaveSolutions/agent-brain/pkg/version"
)

var debugMode bool

// NewRootCmd creates the root command for the agent-brain CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent-brain",
		Short: "Local-first retrieval service for coding agents",
		Long: `Agent Brain indexes folders of code and documentation into a
searchable store and answers keyword, vector, hybrid, and
multi-signal queries over them.

Point it at a folder to get started:

  agent-brain folders add .
  agent-brain query "where are sessions validated"`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("agent-brain version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newFoldersCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newPresetsCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// bootService loads configuration, sets up logging, and starts a
// service instance. The returned cleanup closes both.
func bootService(cmd *cobra.Command) (*service.Service, func(), error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "config warning: %s\n", w)
	}

	logCfg := logging.DefaultConfig(cfg.StateDir)
	logCfg.Level = cfg.Logging.Level
	if debugMode {
		logCfg.Level = "debug"
	}
	if cfg.Logging.File != "" {
		logCfg.FilePath = cfg.Logging.File
	}
	if cfg.Logging.MaxSizeMB > 0 {
		logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxFiles > 0 {
		logCfg.MaxFiles = cfg.Logging.MaxFiles
	}
	// CLI runs log to file only; stderr stays clean for command output.
	logCfg.WriteToStderr = false
	if cfg.Logging.WriteToStderr != nil {
		logCfg.WriteToStderr = *cfg.Logging.WriteToStderr
	}

	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	svc, err := service.New(cmd.Context(), cfg, logger)
	if err != nil {
		logCleanup()
		return nil, nil, err
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		logCleanup()
	}
	return svc, cleanup, nil
}
