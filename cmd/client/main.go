/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Main command-line interface for the Akaylee Client, the
instrumentation-side companion of the Akaylee Fuzzer. Provides the run command
and configuration management for driving one fuzzing run of a target process:
run identity, coverage arena selection, target list, and control-server address.
*/

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kleascm/akaylee-client/cmd/client/commands"
)

var (
	// Configuration
	configFile string

	// Run identity
	runID      string
	arenaID    string
	noCoverage bool

	// Target configuration
	targetsPath   string
	registryHooks bool
	maxModules    int

	// Server configuration
	serverAddr    string
	serverTimeout time.Duration

	// Logging configuration
	logLevel  string
	logDir    string
	logFormat string
	jsonLogs  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "akaylee-client",
		Short: "Akaylee Client - feedback-driven core of a coverage-guided fuzzing run",
		Long: `Akaylee Client is the in-process side of the Akaylee fuzzing pipeline. It
decides which intercepted calls are worth mutating, tracks per-run code coverage
in a compact arena, applies server-advised mutations to the buffers a target is
about to consume, and captures crashes with guaranteed artifact production.`,
		Version: "1.0.0",
	}

	// Add persistent flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&runID, "run-id", "r", "", "Run ID for this client instance (required)")
	rootCmd.PersistentFlags().StringVarP(&arenaID, "arena-id", "a", "", "Arena ID for coverage guidance")
	rootCmd.PersistentFlags().BoolVarP(&noCoverage, "no-coverage", "n", false, "Disable coverage, even when possible")
	rootCmd.PersistentFlags().StringVarP(&targetsPath, "targets", "t", "", "Path to the target function list (required)")
	rootCmd.PersistentFlags().BoolVar(&registryHooks, "registry", false, "Hook registry-read primitives")
	rootCmd.PersistentFlags().IntVar(&maxModules, "max-modules", 0, "Module tracking capacity (0 = default)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:8899", "Control server address (host:port or unix:/path)")
	rootCmd.PersistentFlags().DurationVar(&serverTimeout, "server-timeout", 30*time.Second, "Control server round-trip timeout")

	// Add logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Log output directory (empty = console only)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "custom", "Log format (text, json, custom)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Use JSON log format")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("run_id", rootCmd.PersistentFlags().Lookup("run-id"))
	viper.BindPFlag("arena_id", rootCmd.PersistentFlags().Lookup("arena-id"))
	viper.BindPFlag("no_coverage", rootCmd.PersistentFlags().Lookup("no-coverage"))
	viper.BindPFlag("targets", rootCmd.PersistentFlags().Lookup("targets"))
	viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))
	viper.BindPFlag("max_modules", rootCmd.PersistentFlags().Lookup("max-modules"))
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("server_timeout", rootCmd.PersistentFlags().Lookup("server-timeout"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("json_logs", rootCmd.PersistentFlags().Lookup("json-logs"))

	// Add run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one fuzzing session",
		Long: `Run one fuzzing session against the control server. Instrumentation events
are consumed from a recorded trace file, which lets the decision core run and be
exercised without the binary-instrumentation engine.`,
		RunE: commands.RunClient,
	}
	runCmd.Flags().String("trace", "", "Instrumentation event trace to replay (JSON lines)")
	viper.BindPFlag("trace", runCmd.Flags().Lookup("trace"))

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
