// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/milhud/cachesight/pkg/logging"
	"github.com/milhud/cachesight/services/cachesight"
)

var (
	cfgPath  string
	logLevel string
	logDir   string

	appLogger *logging.Logger

	analyzeSynthetic    bool
	analyzeSeed         int64
	analyzeSamplesFile  string
	analyzePerfDuration time.Duration
	analyzePID          int
	analyzeSamplePeriod uint64
	analyzeJSON         bool
	analyzeOutput       string
	analyzeHistoryDir   string

	serveAddr string

	topoSave string
	topoJSON bool

	historyDir       string
	historyOlderThan time.Duration

	rootCmd = &cobra.Command{
		Use:   "cachesight",
		Short: "Memory-hierarchy performance diagnostics",
		Long: `CacheSight correlates static source analysis with cache-miss
samples to locate hotspots, classify access anti-patterns, and
recommend optimizations.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, logDir)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appLogger != nil {
				appLogger.Close()
			}
		},
		SilenceUsage: true,
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze [source.c ...]",
		Short: "Run one analysis session and print the report",
		RunE:  runAnalyze,
	}

	serveCmd = &cobra.Command{
		Use:   "serve [source.c ...]",
		Short: "Run one analysis session and serve the report over HTTP",
		RunE:  runServe,
	}

	topologyCmd = &cobra.Command{
		Use:   "topology",
		Short: "Detect and print the cache hierarchy",
		RunE:  runTopology,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Inspect archived reports",
	}

	historyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		RunE:  runHistoryList,
	}

	historyShowCmd = &cobra.Command{
		Use:   "show <session-id>",
		Short: "Render one archived report",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}

	historyPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Drop reports older than --older-than",
		RunE:  runHistoryPrune,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML options file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")

	for _, cmd := range []*cobra.Command{analyzeCmd, serveCmd} {
		cmd.Flags().BoolVar(&analyzeSynthetic, "synthetic", false, "use the built-in synthetic workload instead of hardware sampling")
		cmd.Flags().Int64Var(&analyzeSeed, "seed", 1, "synthetic workload seed")
		cmd.Flags().StringVar(&analyzeSamplesFile, "samples", "", "JSON file with pre-recorded miss samples")
		cmd.Flags().DurationVar(&analyzePerfDuration, "perf", 0, "sample hardware counters for this long (Linux only)")
		cmd.Flags().IntVar(&analyzePID, "pid", -1, "process to sample; -1 samples system-wide")
		cmd.Flags().Uint64Var(&analyzeSamplePeriod, "sample-period", 1000, "record one sample every N miss events")
	}
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "emit the report as JSON")
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "write the report to a file instead of stdout")
	analyzeCmd.Flags().StringVar(&analyzeHistoryDir, "history-dir", "", "archive the report in this BadgerDB directory")

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")

	topologyCmd.Flags().StringVar(&topoSave, "save", "", "write the detected topology to a JSON file")
	topologyCmd.Flags().BoolVar(&topoJSON, "json", false, "print the topology as JSON")

	historyCmd.PersistentFlags().StringVar(&historyDir, "dir", "", "BadgerDB directory of the archive (required)")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "age threshold for pruning")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd)
	rootCmd.AddCommand(analyzeCmd, serveCmd, topologyCmd, historyCmd, versionCmd)
}

func setupLogging(level, dir string) error {
	l, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  dir,
		Service: "cachesight",
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	appLogger = l
	return nil
}

func loadOptions() (cachesight.Options, error) {
	if cfgPath == "" {
		return cachesight.DefaultOptions(), nil
	}
	return cachesight.LoadOptions(cfgPath)
}
