// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"math"
	"sort"

	"github.com/milhud/cachesight/services/cachesight"
)

// SampleStats summarizes the distribution behind a hotspot, for report
// output beyond the aggregate fields.
type SampleStats struct {
	// DistinctCPUs and DistinctThreads count participants.
	DistinctCPUs    int `json:"distinct_cpus"`
	DistinctThreads int `json:"distinct_threads"`

	// StrideEntropy is the Shannon entropy of the pairwise address
	// strides, in bits. Near zero means one stride dominates.
	StrideEntropy float64 `json:"stride_entropy"`

	// P95LatencyCycles is the 95th percentile sampled latency.
	P95LatencyCycles uint32 `json:"p95_latency_cycles"`

	// WriteFraction is the share of samples that were stores.
	WriteFraction float64 `json:"write_fraction"`
}

// ComputeStats derives distribution statistics from a finalized hotspot.
// It expects the samples to be address-sorted, as Finalize leaves them.
func ComputeStats(h *cachesight.Hotspot) SampleStats {
	var stats SampleStats
	if h == nil || len(h.Samples) == 0 {
		return stats
	}

	cpus := make(map[int]struct{})
	threads := make(map[int]struct{})
	strides := make(map[uint64]int)
	latencies := make([]uint32, 0, len(h.Samples))
	writes := 0

	for i, s := range h.Samples {
		cpus[s.CPUID] = struct{}{}
		threads[s.ThreadID] = struct{}{}
		latencies = append(latencies, s.LatencyCycles)
		if s.IsWrite {
			writes++
		}
		if i > 0 {
			strides[s.MemoryAddr-h.Samples[i-1].MemoryAddr]++
		}
	}

	stats.DistinctCPUs = len(cpus)
	stats.DistinctThreads = len(threads)
	stats.WriteFraction = float64(writes) / float64(len(h.Samples))
	stats.StrideEntropy = entropy(strides, len(h.Samples)-1)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (len(latencies) * 95) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	stats.P95LatencyCycles = latencies[idx]

	return stats
}

func entropy(counts map[uint64]int, total int) float64 {
	if total <= 0 {
		return 0
	}
	var h float64
	for _, n := range counts {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
