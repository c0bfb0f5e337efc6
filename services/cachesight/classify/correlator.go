// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"fmt"
	"math"

	"github.com/milhud/cachesight/services/cachesight"
)

// staticConfirmation is appended to descriptions the correlator confirms.
const staticConfirmation = " [Confirmed by static analysis]"

// Correlator adjusts classified patterns using the static view of the
// same source. A pattern near a statically discovered reference or loop
// is more trustworthy; one inside a nested loop is more severe.
type Correlator struct {
	opts cachesight.Options
}

// NewCorrelator returns a correlator using the configured line windows.
func NewCorrelator(opts cachesight.Options) *Correlator {
	return &Correlator{opts: opts}
}

// Correlate mutates patterns in place and returns the same slice. A
// missing hotspot location or an empty static view leaves the pattern
// untouched; correlation misses are not errors.
func (c *Correlator) Correlate(patterns []cachesight.ClassifiedPattern, static *cachesight.StaticResults) []cachesight.ClassifiedPattern {
	if static == nil {
		return patterns
	}

	for i := range patterns {
		p := &patterns[i]
		loc := p.Hotspot.Location
		if loc.File == "" {
			continue
		}

		if sp, ok := nearestPattern(static.Patterns, loc, c.opts.CorrelatorLineWindowPatterns); ok {
			p.Confidence = math.Min(p.Confidence*1.2, 1.0)
			p.Description += staticConfirmation
			if sp.HasDependencies {
				p.Severity = math.Min(p.Severity*1.1, 100)
			}
			if sp.IsRecordAccess && sp.RecordName != "" {
				if rep, ok := layoutFor(static.Records, sp.RecordName); ok && rep.PaddingBytes > 0 {
					p.RootCause += fmt.Sprintf("; record %s carries %d padding bytes (field reordering reaches %d)",
						rep.Record, rep.PaddingBytes, rep.ReorderedSize)
				}
			}
		}

		if loop, ok := nearestLoop(static.Loops, loc, c.opts.CorrelatorLineWindowLoops); ok {
			p.Confidence = math.Min(p.Confidence*1.1, 1.0)
			p.PerformanceImpactPct = math.Min(p.PerformanceImpactPct*1.2, 100)
			if loop.HasNestedLoops {
				p.Severity = math.Min(p.Severity*1.5, 100)
			}
		}

		if len(static.Loops) > 2 && p.Severity > 50 {
			p.Confidence = math.Min(p.Confidence*1.15, 1.0)
		}

		// A declared record small enough to pack several instances into a
		// cache line corroborates a false-sharing verdict.
		if p.Kind == cachesight.AntiFalseSharing {
			if rep, ok := riskyLayout(static.Records); ok {
				p.Confidence = math.Min(p.Confidence*1.1, 1.0)
				p.RootCause += fmt.Sprintf("; instances of record %s share cache lines", rep.Record)
			}
		}
	}
	return patterns
}

// layoutFor analyzes the named record, if declared in the analyzed source.
func layoutFor(records []cachesight.RecordLayout, name string) (LayoutReport, bool) {
	for _, rec := range records {
		if rec.Name == name {
			return AnalyzeLayout(rec, 0), true
		}
	}
	return LayoutReport{}, false
}

func riskyLayout(records []cachesight.RecordLayout) (LayoutReport, bool) {
	for _, rec := range records {
		if rep := AnalyzeLayout(rec, 0); rep.FalseSharingRisk {
			return rep, true
		}
	}
	return LayoutReport{}, false
}

// RefineHotspots adopts the statically inferred access shape for hotspots
// whose dynamic stride inference came back random. Sampling sees
// addresses, not the indexing expression: a column-major walk or an
// indirect gather both look like noise past the page-stride window, while
// the source names them exactly. Rates, latencies, and ranges stay
// dynamic; only the pattern kind and stride are adopted.
func (c *Correlator) RefineHotspots(hotspots []*cachesight.Hotspot, static *cachesight.StaticResults) {
	if static == nil {
		return
	}

	for _, h := range hotspots {
		if h.Location.File == "" {
			continue
		}
		// A dynamic inference that recovered structure stands; only a
		// random verdict cedes to the static view.
		if h.DominantPattern != cachesight.AccessRandom && h.DominantPattern != "" {
			continue
		}
		sp, ok := nearestPattern(static.Patterns, h.Location, c.opts.CorrelatorLineWindowPatterns)
		if !ok || sp.Kind == cachesight.AccessRandom || sp.Kind == h.DominantPattern {
			continue
		}

		h.DominantPattern = sp.Kind
		if sp.Stride != 0 {
			h.AccessStride = sp.Stride
		}
	}
}

// nearestPattern finds the closest static pattern in the same file within
// the window, preferring the smallest line distance.
func nearestPattern(patterns []cachesight.StaticPattern, loc cachesight.SourceLocation, window int) (cachesight.StaticPattern, bool) {
	best := -1
	bestDist := window + 1
	for i, sp := range patterns {
		if sp.Location.File != loc.File {
			continue
		}
		d := abs(sp.Location.Line - loc.Line)
		if d <= window && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return cachesight.StaticPattern{}, false
	}
	return patterns[best], true
}

func nearestLoop(loops []cachesight.Loop, loc cachesight.SourceLocation, window int) (cachesight.Loop, bool) {
	best := -1
	bestDist := window + 1
	for i, l := range loops {
		if l.Location.File != loc.File {
			continue
		}
		d := abs(l.Location.Line - loc.Line)
		if d <= window && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return cachesight.Loop{}, false
	}
	return loops[best], true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
