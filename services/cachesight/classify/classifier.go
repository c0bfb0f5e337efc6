// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify maps hotspots to cache anti-patterns.
//
// # Description
//
// The classifier applies a primary rule keyed on the hotspot's dominant
// access pattern, then lets three override rules (false sharing,
// thrashing, streaming eviction) replace the verdict when they compute a
// higher severity. The correlator afterwards adjusts confidence and
// severity using proximity to statically discovered patterns and loops.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/collector"
	"github.com/milhud/cachesight/services/cachesight/topology"
)

// Classifier turns finalized hotspots into classified anti-patterns.
//
// # Thread Safety
//
// Read-only after construction; safe for concurrent use.
type Classifier struct {
	opts   cachesight.Options
	topo   *topology.Info
	logger *slog.Logger
}

// NewClassifier binds the classifier to a topology snapshot.
func NewClassifier(opts cachesight.Options, topo *topology.Info) *Classifier {
	if topo == nil {
		topo = topology.Default()
	}
	return &Classifier{
		opts:   opts,
		topo:   topo,
		logger: slog.Default().With("component", "classify"),
	}
}

// Classify emits one pattern per hotspot that clears the confidence
// threshold, sorted by severity descending.
func (c *Classifier) Classify(ctx context.Context, hotspots []*cachesight.Hotspot) ([]cachesight.ClassifiedPattern, error) {
	ctx, span := tracer.Start(ctx, "classify.Classify", trace.WithAttributes(
		attribute.Int("hotspots", len(hotspots)),
	))
	defer span.End()
	start := time.Now()

	if len(hotspots) == 0 {
		return nil, cachesight.ErrNoHotspots
	}

	out := make([]cachesight.ClassifiedPattern, 0, len(hotspots))
	for _, h := range hotspots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := c.classifyOne(h)
		if p.Confidence < c.opts.ClassifierMinConfidence {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity > out[j].Severity
	})

	recordClassification(ctx, start, len(out))
	c.logger.Debug("classified hotspots",
		"in", len(hotspots),
		"out", len(out))
	return out, nil
}

func (c *Classifier) classifyOne(h *cachesight.Hotspot) cachesight.ClassifiedPattern {
	p := cachesight.ClassifiedPattern{Hotspot: h}

	p.Kind, p.Severity, p.Confidence = primaryRule(h)
	c.applyOverrides(h, &p)

	// An irregularity verdict over addresses that actually follow one
	// stride rests on weak ground; high stride entropy confirms it.
	if p.Kind == cachesight.AntiIrregularGatherScatter && len(h.Samples) >= 2 {
		switch entropy := collector.ComputeStats(h).StrideEntropy; {
		case entropy < 1:
			p.Confidence *= 0.85
		case entropy > 4:
			p.Confidence *= 1.05
		}
	}

	p.PrimaryMissType = c.missType(h)
	p.AffectedLevels = affectedLevels(h)
	p.PerformanceImpactPct = performanceImpact(h, p.Kind)
	p.Description, p.RootCause = describe(p.Kind, h)

	switch {
	case len(h.Samples) < 10:
		p.Confidence *= 0.7
	case len(h.Samples) > 1000:
		p.Confidence *= 1.1
	}
	p.Confidence = clamp(p.Confidence, 0, 1)

	return p
}

// primaryRule is the dominant-pattern lookup table.
func primaryRule(h *cachesight.Hotspot) (cachesight.AntiPattern, float64, float64) {
	switch h.DominantPattern {
	case cachesight.AccessSequential:
		if h.MissRate > 0.5 {
			return cachesight.AntiStreamingEviction, 60, 0.85
		}
		return cachesight.AntiHotspotReuse, 10, 0.90

	case cachesight.AccessStrided:
		if h.AccessStride > 8 {
			return cachesight.AntiUncoalescedAccess, 50 + float64(h.AccessStride)/4, 0.80
		}
		return cachesight.AntiHotspotReuse, 30, 0.70

	case cachesight.AccessRandom:
		return cachesight.AntiIrregularGatherScatter, 80, 0.90

	case cachesight.AccessGatherScatter:
		return cachesight.AntiIrregularGatherScatter, 85, 0.95

	case cachesight.AccessLoopCarriedDep:
		return cachesight.AntiLoopCarriedDep, 70, 0.90

	case cachesight.AccessNestedLoop:
		return cachesight.AntiUncoalescedAccess, 90, 0.95

	case cachesight.AccessIndirect:
		return cachesight.AntiIrregularGatherScatter, 75, 0.80
	}
	return cachesight.AntiIrregularGatherScatter, 80, 0.90
}

// applyOverrides lets each override replace the primary verdict when its
// computed severity is strictly higher.
func (c *Classifier) applyOverrides(h *cachesight.Hotspot, p *cachesight.ClassifiedPattern) {
	if sev, ok := c.falseSharingSeverity(h); ok && sev > p.Severity {
		p.Kind = cachesight.AntiFalseSharing
		p.Severity = sev
	}
	if sev, ok := c.thrashingSeverity(h); ok && sev > p.Severity {
		p.Kind = cachesight.AntiThrashing
		p.Severity = sev
	}
	if sev, ok := c.streamingSeverity(h); ok && sev > p.Severity {
		p.Kind = cachesight.AntiStreamingEviction
		p.Severity = sev
	}
}

func (c *Classifier) falseSharingSeverity(h *cachesight.Hotspot) (float64, bool) {
	cpus := distinctCPUs(h.Samples)
	fires := h.IsFalseSharing ||
		(h.WorkingSetSize() <= 128 && h.MissRate > 0.4 && cpus >= 2)
	if !fires {
		return 0, false
	}
	return math.Min(70+5*float64(cpus), 95), true
}

func (c *Classifier) thrashingSeverity(h *cachesight.Hotspot) (float64, bool) {
	// Utilization is measured against the last-level cache: a working set
	// that streams past L1 but fits in the LLC is not thrashing, it is a
	// capacity pattern for the other rules to name.
	if llc, ok := lastDataLevel(c.topo); ok && llc.Size > 0 {
		util := float64(h.WorkingSetSize()) / float64(llc.Size)
		if util > 1.2 {
			return math.Min(60+40*(util-1), 95), true
		}
	}

	streaming := h.DominantPattern == cachesight.AccessSequential ||
		h.DominantPattern == cachesight.AccessStrided
	if streaming && h.MissRate > 0.6 {
		return 70 + 50*(h.MissRate-0.6), true
	}
	return 0, false
}

func (c *Classifier) streamingSeverity(h *cachesight.Hotspot) (float64, bool) {
	if h.DominantPattern != cachesight.AccessSequential || h.MissRate <= 0.5 {
		return 0, false
	}
	if h.WorkingSetSize() <= c.opts.StreamingRangeCutoff {
		return 0, false
	}
	sev := 50 + 40*(h.MissRate-0.5)
	if h.WorkingSetSize() > 10*(1<<20) {
		sev += 10
	}
	return math.Min(sev, 90), true
}

// missType picks the dominant miss cause for the site.
func (c *Classifier) missType(h *cachesight.Hotspot) cachesight.MissType {
	if h.TotalAccesses < 2*h.TotalMisses {
		return cachesight.MissCompulsory
	}

	ws := h.WorkingSetSize()
	for i, misses := range h.CacheLevelsAffected {
		if misses == 0 {
			continue
		}
		if lvl, ok := c.topo.DataLevel(i + 1); ok && ws > lvl.Size {
			return cachesight.MissCapacity
		}
	}

	if l1, ok := c.topo.DataLevel(1); ok && ws < l1.Size && h.MissRate > 0.3 {
		return cachesight.MissConflict
	}
	if h.IsFalseSharing {
		return cachesight.MissCoherence
	}
	return cachesight.MissConflict
}

// lastDataLevel returns the deepest data-capable cache level.
func lastDataLevel(topo *topology.Info) (topology.CacheLevel, bool) {
	levels := topo.DataLevels()
	if len(levels) == 0 {
		return topology.CacheLevel{}, false
	}
	return levels[len(levels)-1], true
}

func affectedLevels(h *cachesight.Hotspot) uint8 {
	var bits uint8
	for i, misses := range h.CacheLevelsAffected {
		if misses > 0 {
			bits |= 1 << i
		}
	}
	return bits
}

// performanceImpact estimates the runtime share lost to this pattern.
func performanceImpact(h *cachesight.Hotspot, kind cachesight.AntiPattern) float64 {
	lat := math.Max(h.AvgLatencyCycles, 10)
	p := h.MissRate * lat
	impact := 100 * p / (1 + p)

	switch kind {
	case cachesight.AntiFalseSharing:
		impact *= 1.5
	case cachesight.AntiThrashing:
		impact *= 1.3
	case cachesight.AntiStreamingEviction:
		impact *= 0.8
	}
	return math.Min(impact, 90)
}

// describe renders the human-readable summary for a verdict.
func describe(kind cachesight.AntiPattern, h *cachesight.Hotspot) (string, string) {
	at := h.Location.File
	if at == "" {
		at = fmt.Sprintf("0x%x", h.AddressRangeStart)
	}

	switch kind {
	case cachesight.AntiFalseSharing:
		return fmt.Sprintf("Threads on %d CPUs contend for a %d-byte region near %s",
				distinctCPUs(h.Samples), h.WorkingSetSize(), at),
			"Independently written data shares a cache line, forcing coherence traffic on every store"

	case cachesight.AntiThrashing:
		return fmt.Sprintf("Working set of %d bytes overwhelms the cache at %s", h.WorkingSetSize(), at),
			"The touched region exceeds cache capacity, so lines are evicted before reuse"

	case cachesight.AntiStreamingEviction:
		return fmt.Sprintf("Streaming scan over %d bytes at %s", h.WorkingSetSize(), at),
			"A single-pass scan fills the cache with data that is never revisited"

	case cachesight.AntiUncoalescedAccess:
		return fmt.Sprintf("Large-stride access (stride %d bytes) at %s", h.AccessStride, at),
			"Each access lands on a new cache line, wasting most of every fetched line"

	case cachesight.AntiIrregularGatherScatter:
		return fmt.Sprintf("Irregular access across %d bytes at %s", h.WorkingSetSize(), at),
			"Addresses follow no regular stride, defeating hardware prefetch"

	case cachesight.AntiLoopCarriedDep:
		return fmt.Sprintf("Loop-carried dependency at %s", at),
			"Each iteration waits on the previous one's result, serializing memory access"

	case cachesight.AntiHotspotReuse:
		return fmt.Sprintf("Concentrated reuse of a %d-byte region at %s", h.WorkingSetSize(), at),
			"A small heavily used region still misses, pointing at conflict or sharing effects"
	}
	return fmt.Sprintf("Cache misses concentrated at %s", at), "Unattributed miss concentration"
}

func distinctCPUs(samples []cachesight.MissSample) int {
	seen := make(map[int]struct{}, 4)
	for _, s := range samples {
		seen[s.CPUID] = struct{}{}
	}
	return len(seen)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
