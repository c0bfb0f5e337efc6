// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package report renders a finished analysis session as JSON or text
// and serves both over HTTP.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/static"
)

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, r *cachesight.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// RenderText writes a human-readable summary: topology, hotspots in
// export order, classified patterns, then ranked recommendations.
func RenderText(w io.Writer, r *cachesight.Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "CacheSight Report %s\n", r.SessionID)
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Samples: %d ingested, %d dropped\n\n", r.SamplesIngested, r.SamplesDropped)

	if r.Topology != nil {
		fmt.Fprintf(&b, "Cache hierarchy (%d cores", r.Topology.NumCores)
		if r.Topology.NUMANodes > 1 {
			fmt.Fprintf(&b, ", %d NUMA nodes", r.Topology.NUMANodes)
		}
		b.WriteString("):\n")
		for _, lvl := range r.Topology.Levels {
			fmt.Fprintf(&b, "  L%d %-12s %8s  line %d B\n",
				lvl.Level, lvl.Type, formatBytes(lvl.Size), lvl.LineSize)
		}
		b.WriteString("\n")
	}

	if r.Static != nil && len(r.Static.Loops) > 0 {
		writeLoops(&b, r.Static.Loops)
	}

	writeHotspots(&b, r.Hotspots)
	writePatterns(&b, r.Patterns)
	writeRecommendations(&b, r.Recommendations)

	_, err := io.WriteString(w, b.String())
	return err
}

// writeLoops summarizes the statically discovered loop nests with their
// estimated working sets and, where an inner loop was found, interchange
// legality.
func writeLoops(b *strings.Builder, loops []cachesight.Loop) {
	fmt.Fprintf(b, "Loops (%d):\n", len(loops))
	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  location\tdepth\titerations\tworking set\tnotes")
	for i := range loops {
		l := &loops[i]
		note := ""
		if inner := innerLoop(loops, i); inner != nil && static.CanInterchangeLoops(l, inner) {
			note = "interchange legal"
		}
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%s\t%s\n",
			formatLocation(l.Location), l.NestLevel, l.EstimatedIterations,
			formatBytes(static.EstimateWorkingSetSize(l)), note)
	}
	tw.Flush()
	b.WriteString("\n")
}

// innerLoop finds the loop directly nested in loops[i]. The analyzer
// emits a loop only after walking its body, so children precede their
// parent in the slice; the direct child is the nearest preceding loop
// one level deeper, before any loop at the parent's level or above.
func innerLoop(loops []cachesight.Loop, i int) *cachesight.Loop {
	outer := &loops[i]
	if !outer.HasNestedLoops {
		return nil
	}
	for j := i - 1; j >= 0; j-- {
		l := &loops[j]
		if l.Location.File != outer.Location.File {
			continue
		}
		if l.NestLevel == outer.NestLevel+1 {
			return l
		}
		if l.NestLevel <= outer.NestLevel {
			break
		}
	}
	return nil
}

func writeHotspots(b *strings.Builder, hotspots []*cachesight.Hotspot) {
	fmt.Fprintf(b, "Hotspots (%d):\n", len(hotspots))
	if len(hotspots) == 0 {
		b.WriteString("  none qualified\n\n")
		return
	}

	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  location\tmisses\tmiss rate\tpattern\tstride\tworking set")
	for _, h := range hotspots {
		fmt.Fprintf(tw, "  %s\t%d\t%.1f%%\t%s\t%d\t%s\n",
			formatLocation(h.Location),
			h.TotalMisses,
			h.MissRate*100,
			h.DominantPattern,
			h.AccessStride,
			formatBytes(h.WorkingSetSize()))
	}
	tw.Flush()
	b.WriteString("\n")
}

func writePatterns(b *strings.Builder, patterns []cachesight.ClassifiedPattern) {
	fmt.Fprintf(b, "Detected patterns (%d):\n", len(patterns))
	for i, p := range patterns {
		fmt.Fprintf(b, "  %d. %s  severity %.0f  confidence %.2f  impact %.0f%%\n",
			i+1, p.Kind, p.Severity, p.Confidence, p.PerformanceImpactPct)
		if p.Hotspot != nil {
			fmt.Fprintf(b, "     at %s\n", formatLocation(p.Hotspot.Location))
		}
		if p.Description != "" {
			fmt.Fprintf(b, "     %s\n", p.Description)
		}
		if p.RootCause != "" {
			fmt.Fprintf(b, "     cause: %s\n", p.RootCause)
		}
	}
	b.WriteString("\n")
}

func writeRecommendations(b *strings.Builder, recs []cachesight.Recommendation) {
	fmt.Fprintf(b, "Recommendations (%d):\n", len(recs))
	for i, rec := range recs {
		fmt.Fprintf(b, "  %d. [P%d] %s  +%.0f%% expected  difficulty %d/10\n",
			i+1, rec.Priority, rec.Kind, rec.ExpectedImprovementPct, rec.Difficulty)
		if rec.Rationale != "" {
			fmt.Fprintf(b, "     %s\n", rec.Rationale)
		}
		if rec.ImplementationGuide != "" {
			fmt.Fprintf(b, "     how: %s\n", rec.ImplementationGuide)
		}
		if rec.CompilerFlags != "" {
			fmt.Fprintf(b, "     flags: %s\n", rec.CompilerFlags)
		}
	}
}

// formatLocation falls back to the function name, then a placeholder,
// when symbolization did not run.
func formatLocation(loc cachesight.SourceLocation) string {
	switch {
	case loc.File != "":
		return fmt.Sprintf("%s:%d", loc.File, loc.Line)
	case loc.Function != "":
		return loc.Function
	default:
		return "<unresolved>"
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
