// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/milhud/cachesight/services/cachesight/topology"
)

func runTopology(cmd *cobra.Command, args []string) error {
	topo := detectTopology(cmd.Context())

	if topoSave != "" {
		if err := topology.Save(topo, topoSave); err != nil {
			return err
		}
		fmt.Printf("Topology written to %s\n", topoSave)
	}

	if topoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(topo)
	}

	fmt.Printf("CPU: %s (%d cores, %d threads", topo.CPUModel, topo.NumCores, topo.NumThreads)
	if topo.NUMANodes > 1 {
		fmt.Printf(", %d NUMA nodes", topo.NUMANodes)
	}
	fmt.Println(")")

	for _, lvl := range topo.Levels {
		fmt.Printf("  L%d %-11s %8d KiB  %2d-way  line %d B  ~%d cycles\n",
			lvl.Level, lvl.Type, lvl.Size>>10, lvl.Associativity,
			lvl.LineSize, lvl.LatencyCycles)
	}

	perf := topology.EstimatePerformance(topo)
	for i, lvl := range topo.DataLevels() {
		fmt.Printf("Effective L%d latency: %.1f cycles (assumed hit rate %.0f%%)\n",
			lvl.Level, perf.EffectiveLatency[i], perf.HitRateEstimate[i]*100)
	}
	return nil
}
