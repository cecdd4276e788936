// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// mergepilot evaluates proposed code changes and, when every analyzer and
// risk gate agrees, merges them.
//
// Subcommands:
//
//	serve     run the HTTP evaluation service
//	evaluate  evaluate one change file and exit with the decision
//	audit     inspect recorded evaluation runs
//	version   print the build version
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MergePilot/pkg/logging"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/config"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/service"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var (
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	// logger owns the optional log file; long-running commands close it on
	// the way out.
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "mergepilot",
		Short: "Autonomous evaluation and merging of proposed code changes",
		Long: `mergepilot runs proposed code changes through parallel analyzers,
aggregates their scores into a weighted confidence value, applies ordered
risk gates, and maps the result to a merge decision. Approved changes can
be merged automatically and watched after the merge, with an automatic
revert when production health degrades.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the mergepilot version",
		Run:   runVersion,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "mergepilot.yaml",
		"Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"Log format: auto, text, json")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Directory for date-stamped JSON log files (disabled when empty)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = logging.Setup(logging.Config{
			Level:   logLevel,
			Format:  logFormat,
			Service: "mergepilot",
			LogDir:  logDir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(auditCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("mergepilot %s (%s)\n", service.ServiceVersion, runtime.Version())
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadConfig reads the configured file. A missing file at the default path
// is not an error: local runs fall back to the moderate profile. A missing
// file the operator asked for by name is fatal.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		slog.Info("configuration loaded", "path", configPath, "profile", displayProfile(cfg.Profile))
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		slog.Info("no configuration file found, using moderate defaults", "path", configPath)
		def := config.DefaultConfig()
		return &def, nil
	}
	return nil, err
}

func displayProfile(profile string) string {
	if profile == "" {
		return config.ProfileModerate
	}
	return profile
}

// closeLogger flushes the optional log file. Called by commands that own a
// full lifecycle; one-shot commands rely on process exit.
func closeLogger() {
	if logger != nil {
		if err := logger.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}
}
