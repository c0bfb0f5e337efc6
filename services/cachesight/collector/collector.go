// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package collector aggregates cache-miss samples into hotspots.
//
// # Description
//
// Samples stream in through AddSamples in batches and are bucketed by an
// aggregation key: the exact instruction address, or the address masked to
// a 4 KiB boundary when function-grained aggregation is configured. A
// single mutex serializes writers; Finalize freezes every hotspot and
// derives the per-site statistics (miss rate, dominant access pattern,
// false-sharing flag). After Finalize the collector is read-only.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/topology"
)

// strideWindow bounds the pairwise strides considered regular. Strides at
// or past a page are treated as noise when inferring the dominant pattern.
const strideWindow = 4096

// Collector buckets miss samples into hotspots.
//
// # Thread Safety
//
// Safe for concurrent use. AddSamples callers contend on one lock, which
// matches the sampler's batch sizes; per-bucket sharding has not been
// needed at observed ingest rates.
type Collector struct {
	mu        sync.Mutex
	opts      cachesight.Options
	lineSize  uint64
	buckets   map[uint64]*cachesight.Hotspot
	order     []uint64
	finalized bool
	dropped   uint64
	logger    *slog.Logger
}

// New returns a collector using the topology's line size for false-sharing
// range checks.
func New(opts cachesight.Options, topo *topology.Info) *Collector {
	lineSize := uint64(64)
	if topo != nil {
		lineSize = topo.LineSize()
	}
	return &Collector{
		opts:     opts,
		lineSize: lineSize,
		buckets:  make(map[uint64]*cachesight.Hotspot),
		logger:   slog.Default().With("component", "collector"),
	}
}

// key derives the aggregation key for a sample.
func (c *Collector) key(s cachesight.MissSample) uint64 {
	if c.opts.AggregateByFunction {
		return s.InstructionAddr &^ (c.opts.FunctionKeyAlignment - 1)
	}
	return s.InstructionAddr
}

// AddSamples ingests one batch. Samples with an out-of-range miss level
// are skipped; new sites past the hotspot cap are dropped silently.
func (c *Collector) AddSamples(ctx context.Context, batch []cachesight.MissSample) error {
	if len(batch) == 0 {
		return cachesight.ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return cachesight.ErrFinalized
	}

	accepted := 0
	for _, s := range batch {
		if validateSample(s) != nil {
			c.dropped++
			continue
		}

		key := c.key(s)
		h, ok := c.buckets[key]
		if !ok {
			if len(c.buckets) >= c.opts.MaxHotspots {
				c.dropped++
				continue
			}
			h = &cachesight.Hotspot{
				Location:          s.Location,
				DominantPattern:   cachesight.AccessRandom,
				AddressRangeStart: s.MemoryAddr,
				AddressRangeEnd:   s.MemoryAddr,
			}
			c.buckets[key] = h
			c.order = append(c.order, key)
		}

		h.TotalAccesses++
		h.TotalMisses++
		if s.MemoryAddr < h.AddressRangeStart {
			h.AddressRangeStart = s.MemoryAddr
		}
		if s.MemoryAddr > h.AddressRangeEnd {
			h.AddressRangeEnd = s.MemoryAddr
		}
		h.CacheLevelsAffected[s.CacheLevelMissed-1]++

		n := float64(len(h.Samples) + 1)
		h.AvgLatencyCycles += (float64(s.LatencyCycles) - h.AvgLatencyCycles) / n
		h.Samples = append(h.Samples, s)
		accepted++
	}

	recordIngest(accepted, len(batch)-accepted, len(c.buckets))
	return nil
}

// validateSample guards the aggregate invariants before a sample is
// admitted.
func validateSample(s cachesight.MissSample) error {
	if s.CacheLevelMissed < 1 || s.CacheLevelMissed > 4 {
		return fmt.Errorf("cache level %d: %w", s.CacheLevelMissed, cachesight.ErrInvalidSample)
	}
	if s.MemoryAddr == 0 {
		return fmt.Errorf("null memory address: %w", cachesight.ErrInvalidSample)
	}
	return nil
}

// Finalize freezes every hotspot: samples are sorted by address, the
// dominant pattern and stride are inferred, and false sharing is flagged.
// A second call is a no-op; the snapshot does not change.
func (c *Collector) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil
	}
	c.finalized = true

	for _, key := range c.order {
		c.finalizeHotspot(c.buckets[key])
	}

	c.logger.Info("collector finalized",
		"hotspots", len(c.buckets),
		"dropped_samples", c.dropped)
	return nil
}

func (c *Collector) finalizeHotspot(h *cachesight.Hotspot) {
	if h.TotalAccesses > 0 {
		h.MissRate = float64(h.TotalMisses) / float64(h.TotalAccesses)
	}

	// Re-sorting by address makes the inferred pattern independent of
	// sample arrival order.
	sort.Slice(h.Samples, func(i, j int) bool {
		a, b := h.Samples[i], h.Samples[j]
		if a.MemoryAddr != b.MemoryAddr {
			return a.MemoryAddr < b.MemoryAddr
		}
		if a.TimestampNS != b.TimestampNS {
			return a.TimestampNS < b.TimestampNS
		}
		return a.InstructionAddr < b.InstructionAddr
	})

	if pattern, stride, ok := dominantPattern(h.Samples); ok {
		h.DominantPattern = pattern
		h.AccessStride = stride
	}

	if c.opts.DetectFalseSharing {
		h.IsFalseSharing = isFalseSharing(h, c.lineSize)
	}
}

// dominantPattern infers the access pattern from address-sorted samples.
// It reports ok=false when fewer than two samples are available.
func dominantPattern(samples []cachesight.MissSample) (cachesight.AccessPattern, int, bool) {
	if len(samples) < 2 {
		return cachesight.AccessRandom, 0, false
	}

	regular := 0
	var sum uint64
	for i := 1; i < len(samples); i++ {
		d := samples[i].MemoryAddr - samples[i-1].MemoryAddr
		if d > 0 && d < strideWindow {
			regular++
			sum += d
		}
	}

	total := len(samples) - 1
	if regular*2 <= total {
		return cachesight.AccessRandom, 0, true
	}

	mean := int(sum / uint64(regular))
	switch {
	case mean == 1:
		return cachesight.AccessSequential, mean, true
	case mean <= 64:
		return cachesight.AccessStrided, mean, true
	default:
		return cachesight.AccessRandom, mean, true
	}
}

// isFalseSharing applies the four-way test: enough samples, multiple CPUs,
// a span within two cache lines, and a meaningful miss rate.
func isFalseSharing(h *cachesight.Hotspot, lineSize uint64) bool {
	if len(h.Samples) < 10 || h.MissRate < 0.3 {
		return false
	}
	if h.WorkingSetSize() > 2*lineSize {
		return false
	}
	return distinctCPUs(h.Samples) >= 2
}

func distinctCPUs(samples []cachesight.MissSample) int {
	seen := make(map[int]struct{}, 4)
	for _, s := range samples {
		seen[s.CPUID] = struct{}{}
	}
	return len(seen)
}

// Hotspots returns finalized hotspots meeting the sample-count and
// miss-rate floors, sorted by total misses descending. The returned
// hotspots are frozen; callers must not mutate them.
func (c *Collector) Hotspots() ([]*cachesight.Hotspot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finalized {
		return nil, cachesight.ErrNotFinalized
	}

	out := make([]*cachesight.Hotspot, 0, len(c.buckets))
	for _, key := range c.order {
		h := c.buckets[key]
		if len(h.Samples) < c.opts.MinSamplesPerHotspot {
			continue
		}
		if h.MissRate < c.opts.HotspotMissRateThreshold {
			continue
		}
		out = append(out, h)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalMisses != out[j].TotalMisses {
			return out[i].TotalMisses > out[j].TotalMisses
		}
		return out[i].AddressRangeStart < out[j].AddressRangeStart
	})

	if len(out) == 0 {
		return nil, cachesight.ErrNoHotspots
	}
	return out, nil
}

// DroppedSamples reports how many samples were skipped or shed.
func (c *Collector) DroppedSamples() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
