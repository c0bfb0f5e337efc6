// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recommend

import "github.com/milhud/cachesight/services/cachesight"

// template is one row of the generation tables. Percentages and priority
// values feed the ranking pass unchanged; text fields are emitted as is,
// except a "%d" in Guide, which receives the computed tile size.
type template struct {
	Kind        cachesight.OptimizationKind
	Improvement float64
	Confidence  float64
	Difficulty  int
	Priority    int
	Rationale   string
	Guide       string
	Example     string
	Flags       string
	Automatic   bool
}

// accessRules is keyed on the hotspot's dominant access pattern.
var accessRules = map[cachesight.AccessPattern][]template{
	cachesight.AccessSequential: {
		{
			Kind:        cachesight.OptLoopVectorize,
			Improvement: 40,
			Confidence:  0.85,
			Difficulty:  3,
			Priority:    1,
			Rationale:   "Unit-stride loops map directly onto SIMD lanes",
			Guide:       "Check the compiler's vectorization report and remove aliasing or alignment blockers",
			Example:     "#pragma omp simd\nfor (int i = 0; i < n; i++) c[i] = a[i] + b[i];",
			Flags:       "-O3 -march=native -ftree-vectorize",
			Automatic:   true,
		},
		{
			Kind:        cachesight.OptPrefetchHints,
			Improvement: 15,
			Confidence:  0.60,
			Difficulty:  2,
			Priority:    2,
			Rationale:   "Software prefetch hides the remaining latency of a linear scan",
			Guide:       "Prefetch a few cache lines ahead of the induction variable",
			Example:     "__builtin_prefetch(&a[i + 16], 0, 3);",
			Flags:       "-fprefetch-loop-arrays",
		},
	},

	cachesight.AccessStrided: {
		{
			Kind:        cachesight.OptLoopTiling,
			Improvement: 45,
			Confidence:  0.75,
			Difficulty:  5,
			Priority:    1,
			Rationale:   "Tiling shortens the reuse distance of strided traversals",
			Guide:       "Block the loop nest so each tile of %d elements stays resident in L1",
			Example:     "for (int ii = 0; ii < n; ii += T)\n  for (int i = ii; i < ii + T; i++) ...",
		},
		{
			Kind:        cachesight.OptLoopVectorize,
			Improvement: 30,
			Confidence:  0.65,
			Difficulty:  6,
			Priority:    2,
			Rationale:   "Gather instructions can vectorize fixed strides the autovectorizer rejects",
			Guide:       "Use gather intrinsics or restructure to unit stride before vectorizing",
			Flags:       "-O3 -march=native",
		},
	},

	cachesight.AccessRandom: {
		{
			Kind:        cachesight.OptDataLayoutChange,
			Improvement: 50,
			Confidence:  0.70,
			Difficulty:  7,
			Priority:    1,
			Rationale:   "Sorting the access order or adding a software cache restores locality",
			Guide:       "Sort the index stream before the traversal, or stage hot entries in a compact buffer",
		},
		{
			Kind:        cachesight.OptMemoryPooling,
			Improvement: 30,
			Confidence:  0.65,
			Difficulty:  6,
			Priority:    2,
			Rationale:   "Pool allocation co-locates objects that are touched together",
			Guide:       "Replace per-object malloc with an arena sized for the traversal working set",
		},
	},

	cachesight.AccessGatherScatter: {
		{
			Kind:        cachesight.OptDataLayoutChange,
			Improvement: 55,
			Confidence:  0.80,
			Difficulty:  7,
			Priority:    1,
			Rationale:   "Structure-of-arrays keeps each gathered field densely packed",
			Guide:       "Split the record into parallel arrays so each loop touches one field stream",
			Example:     "struct { float *x; float *y; float *z; } soa;",
		},
		{
			Kind:        cachesight.OptPrefetchHints,
			Improvement: 20,
			Confidence:  0.60,
			Difficulty:  3,
			Priority:    2,
			Rationale:   "Prefetching the gathered addresses overlaps their latency",
			Guide:       "Prefetch a[idx[i + d]] a small distance d ahead of the use",
			Example:     "__builtin_prefetch(&a[idx[i + 8]], 0, 1);",
		},
	},

	cachesight.AccessNestedLoop: {
		{
			Kind:        cachesight.OptAccessReorder,
			Improvement: 60,
			Confidence:  0.90,
			Difficulty:  4,
			Priority:    1,
			Rationale:   "Interchanging the loops turns a per-row stride into unit stride",
			Guide:       "Swap the loop order so the innermost index walks contiguous memory",
			Example:     "for (int i = 0; i < n; i++)\n  for (int j = 0; j < n; j++)\n    sum += M[i][j];",
			Automatic:   true,
		},
	},

	cachesight.AccessIndirect: {
		{
			Kind:        cachesight.OptCacheBlocking,
			Improvement: 35,
			Confidence:  0.70,
			Difficulty:  6,
			Priority:    2,
			Rationale:   "Blocking the indirect range bounds how much of the target array is live at once",
			Guide:       "Partition the index range so each block's targets fit in L2 before moving on",
		},
	},

	cachesight.AccessLoopCarriedDep: {
		{
			Kind:        cachesight.OptLoopUnroll,
			Improvement: 25,
			Confidence:  0.70,
			Difficulty:  5,
			Priority:    2,
			Rationale:   "Unrolling with software pipelining overlaps iterations across the dependency",
			Guide:       "Unroll by the dependency distance and interleave independent chains",
			Flags:       "-funroll-loops",
		},
	},
}

// antiRules is keyed on the classified anti-pattern.
var antiRules = map[cachesight.AntiPattern][]template{
	cachesight.AntiThrashing: {
		{
			Kind:        cachesight.OptLoopTiling,
			Improvement: 50,
			Confidence:  0.80,
			Difficulty:  5,
			Priority:    1,
			Rationale:   "Tiling shrinks the working set below cache capacity",
			Guide:       "Tile with %d elements per block so three live arrays fit in L1 together",
			Example:     "for (int ii = 0; ii < n; ii += T)\n  for (int jj = 0; jj < n; jj += T) ...",
		},
		{
			Kind:        cachesight.OptCacheBlocking,
			Improvement: 40,
			Confidence:  0.70,
			Difficulty:  6,
			Priority:    2,
			Rationale:   "Processing in cache-sized blocks bounds evictions between reuses",
			Guide:       "Restructure the pass so each block completes before the next begins",
		},
	},

	cachesight.AntiFalseSharing: {
		{
			Kind:        cachesight.OptMemoryAlignment,
			Improvement: 55,
			Confidence:  0.85,
			Difficulty:  3,
			Priority:    1,
			Rationale:   "Padding each thread's data to a cache line removes the coherence traffic",
			Guide:       "Align per-thread records to the line size and pad to a full line",
			Example:     "struct counter { long value; } __attribute__((aligned(64)));",
			Automatic:   true,
		},
		{
			Kind:        cachesight.OptAccessReorder,
			Improvement: 45,
			Confidence:  0.75,
			Difficulty:  5,
			Priority:    2,
			Rationale:   "Thread-local accumulation defers the shared write to one merge",
			Guide:       "Accumulate into a private copy per thread and combine after the parallel region",
		},
	},

	cachesight.AntiStreamingEviction: {
		{
			Kind:        cachesight.OptPrefetchHints,
			Improvement: 30,
			Confidence:  0.75,
			Difficulty:  4,
			Priority:    2,
			Rationale:   "Non-temporal stores keep a single-pass stream from evicting the resident set",
			Guide:       "Use non-temporal store intrinsics for data that is written once and not revisited",
			Example:     "_mm256_stream_ps(&out[i], v);",
		},
	},

	cachesight.AntiBankConflicts: {
		{
			Kind:        cachesight.OptMemoryAlignment,
			Improvement: 25,
			Confidence:  0.60,
			Difficulty:  4,
			Priority:    2,
			Rationale:   "A non-power-of-two leading dimension spreads accesses across banks",
			Guide:       "Pad the leading array dimension to a prime or odd element count",
			Example:     "float M[1024][1024 + 1];",
		},
	},

	cachesight.AntiIrregularGatherScatter: {
		{
			Kind:        cachesight.OptDataLayoutChange,
			Improvement: 50,
			Confidence:  0.75,
			Difficulty:  7,
			Priority:    1,
			Rationale:   "Reordering data or indices converts scattered loads into runs",
			Guide:       "Sort the indices, or convert the records to structure-of-arrays",
		},
		{
			Kind:        cachesight.OptCacheBlocking,
			Improvement: 35,
			Confidence:  0.70,
			Difficulty:  6,
			Priority:    2,
			Rationale:   "Blocking the target range bounds the randomness to a cache-sized window",
			Guide:       "Bucket the indices by target block and process one bucket at a time",
		},
	},
}

// numaTemplate fires when the topology spans more than one NUMA node.
var numaTemplate = template{
	Kind:        cachesight.OptNumaBinding,
	Improvement: 25,
	Confidence:  0.70,
	Difficulty:  4,
	Priority:    2,
	Rationale:   "Binding threads and memory to one node avoids remote-access latency",
	Guide:       "Pin the working threads and first-touch their data on the same node",
	Example:     "numactl --cpunodebind=0 --membind=0 ./app",
}
