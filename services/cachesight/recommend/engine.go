// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recommend turns classified patterns into ranked optimization
// advice.
//
// # Description
//
// Generation walks two tables per pattern: one keyed on the hotspot's
// dominant access pattern, one on the classified anti-pattern, plus a
// NUMA-binding entry when the topology spans more than one node. The
// assembled list is then deduplicated, conflict-filtered, re-prioritized
// by expected improvement, and ranked.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/topology"
)

// maxTileSize caps the computed tiling parameter.
const maxTileSize = 256

// Engine generates recommendations from classified patterns.
//
// # Thread Safety
//
// Read-only after construction; safe for concurrent use.
type Engine struct {
	opts   cachesight.Options
	topo   *topology.Info
	logger *slog.Logger
}

// NewEngine binds the engine to a topology snapshot, used for the tiling
// parameter and the NUMA rule.
func NewEngine(opts cachesight.Options, topo *topology.Info) *Engine {
	if topo == nil {
		topo = topology.Default()
	}
	return &Engine{
		opts:   opts,
		topo:   topo,
		logger: slog.Default().With("component", "recommend"),
	}
}

// Recommend emits the ranked, deduplicated advice list for the given
// classified patterns. An empty result is not an error: every candidate
// can legitimately fall under the improvement floor.
func (e *Engine) Recommend(ctx context.Context, patterns []cachesight.ClassifiedPattern) ([]cachesight.Recommendation, error) {
	ctx, span := tracer.Start(ctx, "recommend.Recommend", trace.WithAttributes(
		attribute.Int("patterns", len(patterns)),
	))
	defer span.End()
	start := time.Now()

	var all []cachesight.Recommendation
	for i := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		all = append(all, e.generate(&patterns[i])...)
	}

	all = dedupe(all)
	all = filterConflicts(all)
	rank(all)

	recordGeneration(ctx, start, len(all))
	e.logger.Debug("generated recommendations",
		"patterns", len(patterns),
		"recommendations", len(all))
	return all, nil
}

// generate assembles the per-pattern candidates from both tables.
func (e *Engine) generate(p *cachesight.ClassifiedPattern) []cachesight.Recommendation {
	var out []cachesight.Recommendation

	templates := make([]template, 0, 6)
	if rules, ok := accessRules[p.Hotspot.DominantPattern]; ok {
		// The strided rules target wide strides; narrow strides already
		// use most of every fetched line.
		if p.Hotspot.DominantPattern != cachesight.AccessStrided || p.Hotspot.AccessStride > 8 {
			templates = append(templates, rules...)
		}
	}
	templates = append(templates, antiRules[p.Kind]...)
	if e.topo.NUMANodes > 1 {
		templates = append(templates, numaTemplate)
	}

	for _, tpl := range templates {
		if tpl.Improvement < e.opts.EngineMinExpectedImprovement {
			continue
		}
		out = append(out, e.instantiate(tpl, p))
		if len(out) >= e.opts.EngineMaxRecommendationsPerPattern {
			break
		}
	}
	return out
}

// instantiate fills a template for one pattern, resolving the tile-size
// placeholder and the compiler-flag policy.
func (e *Engine) instantiate(tpl template, p *cachesight.ClassifiedPattern) cachesight.Recommendation {
	guide := tpl.Guide
	if strings.Contains(guide, "%d") {
		guide = fmt.Sprintf(guide, e.TileSize())
	}

	flags := ""
	if e.opts.EngineConsiderCompilerFlags {
		flags = tpl.Flags
	}

	return cachesight.Recommendation{
		Kind:                   tpl.Kind,
		Target:                 p,
		ExpectedImprovementPct: tpl.Improvement,
		Confidence:             tpl.Confidence,
		Difficulty:             tpl.Difficulty,
		Priority:               tpl.Priority,
		Rationale:              tpl.Rationale,
		ImplementationGuide:    guide,
		CodeExample:            tpl.Example,
		CompilerFlags:          flags,
		IsAutomatic:            tpl.Automatic,
	}
}

// TileSize derives the loop-tiling parameter from L1: the largest power
// of two not above sqrt(L1 / (3 * element)) for three live 8-byte arrays,
// capped at 256 elements.
func (e *Engine) TileSize() int {
	l1Bytes := uint64(32 << 10)
	if l1, ok := e.topo.DataLevel(1); ok && l1.Size > 0 {
		l1Bytes = l1.Size
	}

	ideal := math.Sqrt(float64(l1Bytes) / (3 * 8))
	tile := 1
	for tile*2 <= int(ideal) && tile*2 <= maxTileSize {
		tile *= 2
	}
	return tile
}

// targetSite keys dedup and conflict checks on the backing hotspot.
func targetSite(r cachesight.Recommendation) (string, int) {
	if r.Target == nil || r.Target.Hotspot == nil {
		return "", 0
	}
	loc := r.Target.Hotspot.Location
	return loc.File, loc.Line
}

// dedupe keeps the higher-improvement entry when two recommendations
// share a kind and a target site.
func dedupe(recs []cachesight.Recommendation) []cachesight.Recommendation {
	type key struct {
		kind cachesight.OptimizationKind
		file string
		line int
	}

	best := make(map[key]int, len(recs))
	out := recs[:0]
	for _, r := range recs {
		file, line := targetSite(r)
		k := key{r.Kind, file, line}

		if i, ok := best[k]; ok {
			if r.ExpectedImprovementPct > out[i].ExpectedImprovementPct {
				out[i] = r
			}
			continue
		}
		best[k] = len(out)
		out = append(out, r)
	}
	return out
}

// filterConflicts resolves the vectorize/layout clash: rewriting the data
// layout invalidates the vectorization advice for the same site, so only
// the higher-improvement one survives.
func filterConflicts(recs []cachesight.Recommendation) []cachesight.Recommendation {
	conflicting := func(a, b cachesight.OptimizationKind) bool {
		return (a == cachesight.OptLoopVectorize && b == cachesight.OptDataLayoutChange) ||
			(a == cachesight.OptDataLayoutChange && b == cachesight.OptLoopVectorize)
	}

	drop := make([]bool, len(recs))
	for i := range recs {
		for j := i + 1; j < len(recs); j++ {
			if drop[i] || drop[j] || !conflicting(recs[i].Kind, recs[j].Kind) {
				continue
			}
			fi, li := targetSite(recs[i])
			fj, lj := targetSite(recs[j])
			if fi != fj || li != lj {
				continue
			}
			if recs[i].ExpectedImprovementPct >= recs[j].ExpectedImprovementPct {
				drop[j] = true
			} else {
				drop[i] = true
			}
		}
	}

	out := recs[:0]
	for i, r := range recs {
		if !drop[i] {
			out = append(out, r)
		}
	}
	return out
}

// rank recomputes priorities from expected improvement, then orders the
// list lexicographically.
func rank(recs []cachesight.Recommendation) {
	for i := range recs {
		switch {
		case recs[i].ExpectedImprovementPct > 50:
			recs[i].Priority = 1
		case recs[i].ExpectedImprovementPct > 30:
			recs[i].Priority = 2
		default:
			recs[i].Priority = 3
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.ExpectedImprovementPct != b.ExpectedImprovementPct {
			return a.ExpectedImprovementPct > b.ExpectedImprovementPct
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Difficulty < b.Difficulty
	})
}
