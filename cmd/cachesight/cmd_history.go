// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/milhud/cachesight/services/cachesight/history"
	"github.com/milhud/cachesight/services/cachesight/report"
)

func openHistory() (*history.Store, error) {
	if historyDir == "" {
		return nil, errors.New("--dir is required")
	}
	return history.Open(history.Config{Path: historyDir})
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No archived reports.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "session\tgenerated\thotspots\tpatterns\trecommendations")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
			s.SessionID,
			s.GeneratedAt.Format(time.RFC3339),
			s.Hotspots, s.Patterns, s.Recommendations)
	}
	return tw.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	rep, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return report.RenderText(os.Stdout, rep)
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	pruned, err := store.Prune(cmd.Context(), time.Now().Add(-historyOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d report(s).\n", pruned)
	return nil
}
