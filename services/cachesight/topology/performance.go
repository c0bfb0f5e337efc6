// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package topology

// Performance holds derived per-level characteristics used when turning
// miss counts into cost estimates.
type Performance struct {
	// HitRateEstimate is the assumed hit rate per data level, by index
	// into DataLevels order.
	HitRateEstimate []float64 `json:"hit_rate_estimate"`

	// EffectiveLatency is hit latency weighted by the estimated hit rate
	// plus the next level's effective latency for the remainder.
	EffectiveLatency []float64 `json:"effective_latency"`

	// MissPenalty is the extra cycles a miss at the level costs.
	MissPenalty []float64 `json:"miss_penalty"`
}

// memoryLatencyCycles approximates a DRAM access when every level misses.
const memoryLatencyCycles = 200.0

// EstimatePerformance derives effective latencies from the hierarchy.
//
// Hit rates follow the conventional 90/80/70 ladder for L1/L2/L3; deeper
// levels use 60%. Effective latency is computed back to front so each
// level's miss path includes the full downstream cost.
func EstimatePerformance(info *Info) Performance {
	levels := info.DataLevels()
	n := len(levels)

	perf := Performance{
		HitRateEstimate:  make([]float64, n),
		EffectiveLatency: make([]float64, n),
		MissPenalty:      make([]float64, n),
	}

	for i := range levels {
		switch levels[i].Level {
		case 1:
			perf.HitRateEstimate[i] = 0.90
		case 2:
			perf.HitRateEstimate[i] = 0.80
		case 3:
			perf.HitRateEstimate[i] = 0.70
		default:
			perf.HitRateEstimate[i] = 0.60
		}
	}

	downstream := memoryLatencyCycles
	for i := n - 1; i >= 0; i-- {
		hit := float64(levels[i].LatencyCycles)
		rate := perf.HitRateEstimate[i]
		perf.EffectiveLatency[i] = rate*hit + (1-rate)*downstream
		perf.MissPenalty[i] = downstream - hit
		downstream = perf.EffectiveLatency[i]
	}
	return perf
}
