// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cachesight defines the shared data model for the memory-hierarchy
// diagnostic pipeline.
//
// # Description
//
// The pipeline flows left to right: the static analyzer recovers access
// patterns, loops, and record layouts from source; the collector aggregates
// hardware miss samples into hotspots; the classifier tags hotspots with
// cache anti-patterns; the recommendation engine turns classified patterns
// into ranked optimization advice. Every entity in this package is immutable
// after its producing stage returns, except Hotspot, which is mutated only
// inside the collector until Finalize.
//
// # Ownership
//
// A Session owns the full graph. ClassifiedPattern borrows its Hotspot;
// Recommendation borrows its ClassifiedPattern. All borrows point downward,
// never cyclically.
package cachesight

// SourceLocation identifies a position in the analyzed source.
type SourceLocation struct {
	// File is the source file path as reported by the front-end.
	File string `json:"file"`

	// Line is the 1-indexed source line.
	Line int `json:"line"`

	// Column is the 1-indexed source column.
	Column int `json:"column"`

	// Function is the enclosing function name, when known.
	Function string `json:"function,omitempty"`
}

// AccessPattern categorizes how a site touches memory.
type AccessPattern string

const (
	// AccessSequential is unit-stride access.
	AccessSequential AccessPattern = "sequential"

	// AccessStrided is fixed-stride access with |stride| >= 2.
	AccessStrided AccessPattern = "strided"

	// AccessRandom is access with no recoverable structure.
	AccessRandom AccessPattern = "random"

	// AccessGatherScatter is irregular access through computed indices.
	AccessGatherScatter AccessPattern = "gather_scatter"

	// AccessLoopCarriedDep is access that reads a prior iteration's result.
	AccessLoopCarriedDep AccessPattern = "loop_carried_dependency"

	// AccessNestedLoop is column-major traversal of a row-major layout.
	AccessNestedLoop AccessPattern = "nested_loop"

	// AccessIndirect is access through a pointer or nested subscript.
	AccessIndirect AccessPattern = "indirect_access"
)

// MissType categorizes the dominant cause of misses at a site.
type MissType string

const (
	MissCompulsory     MissType = "compulsory"
	MissCapacity       MissType = "capacity"
	MissConflict       MissType = "conflict"
	MissCoherence      MissType = "coherence"
	MissPrefetchFailed MissType = "prefetch_failed"
)

// AntiPattern identifies a cache anti-pattern.
type AntiPattern string

const (
	// AntiHotspotReuse is repeated access to the same small region.
	AntiHotspotReuse AntiPattern = "hotspot_reuse"

	// AntiThrashing is a working set that exceeds cache capacity.
	AntiThrashing AntiPattern = "thrashing"

	// AntiFalseSharing is coherence traffic from co-located thread data.
	AntiFalseSharing AntiPattern = "false_sharing"

	// AntiIrregularGatherScatter is scattered access with poor locality.
	AntiIrregularGatherScatter AntiPattern = "irregular_gather_scatter"

	// AntiUncoalescedAccess is large-stride access wasting cache lines.
	AntiUncoalescedAccess AntiPattern = "uncoalesced_access"

	// AntiLoopCarriedDep is a dependency chain limiting reuse.
	AntiLoopCarriedDep AntiPattern = "loop_carried_dependency"

	// AntiStreamingEviction is a streaming scan evicting useful data.
	AntiStreamingEviction AntiPattern = "streaming_eviction"

	// AntiBankConflicts is power-of-two strides colliding on banks.
	AntiBankConflicts AntiPattern = "bank_conflicts"

	// AntiInstructionOverflow is an instruction working set exceeding L1i.
	AntiInstructionOverflow AntiPattern = "instruction_overflow"

	// AntiHighAssociativityPressure is set pressure beyond associativity.
	AntiHighAssociativityPressure AntiPattern = "high_associativity_pressure"
)

// OptimizationKind identifies a recommended transformation.
type OptimizationKind string

const (
	OptLoopTiling       OptimizationKind = "loop_tiling"
	OptDataLayoutChange OptimizationKind = "data_layout_change"
	OptPrefetchHints    OptimizationKind = "prefetch_hints"
	OptMemoryAlignment  OptimizationKind = "memory_alignment"
	OptMemoryPooling    OptimizationKind = "memory_pooling"
	OptAccessReorder    OptimizationKind = "access_reorder"
	OptLoopUnroll       OptimizationKind = "loop_unroll"
	OptCacheBlocking    OptimizationKind = "cache_blocking"
	OptNumaBinding      OptimizationKind = "numa_binding"
	OptLoopVectorize    OptimizationKind = "loop_vectorize"
)

// StaticPattern is a single memory reference recovered by AST inspection.
//
// Invariants: LoopDepth >= 0; Stride == 1 when Kind is sequential;
// |Stride| >= 2 when Kind is strided.
type StaticPattern struct {
	// Location is where the reference appears.
	Location SourceLocation `json:"location"`

	// Kind is the inferred access pattern.
	Kind AccessPattern `json:"kind"`

	// Stride is the element stride, when meaningful for Kind.
	Stride int `json:"stride"`

	// LoopDepth is the number of enclosing loops.
	LoopDepth int `json:"loop_depth"`

	// EstimatedFootprint is the bytes the reference is expected to touch.
	EstimatedFootprint uint64 `json:"estimated_footprint"`

	// HasDependencies reports a loop-carried read of prior results.
	HasDependencies bool `json:"has_dependencies"`

	// VariableName is the index or field identifier, when resolvable.
	VariableName string `json:"variable_name,omitempty"`

	// ArrayName is the subscripted array, when resolvable.
	ArrayName string `json:"array_name,omitempty"`

	// RecordName is the accessed record type, for field accesses.
	RecordName string `json:"record_name,omitempty"`

	// IsPointerAccess reports access through a dereference.
	IsPointerAccess bool `json:"is_pointer_access"`

	// IsRecordAccess reports a field access on a composite type.
	IsRecordAccess bool `json:"is_record_access"`

	// AccessCount is how many syntactic references were consolidated
	// into this pattern (1 for a plain reference).
	AccessCount int `json:"access_count"`
}

// Loop is one for-style loop recovered from the AST.
//
// NestLevel equals the number of enclosing loops plus one. Patterns holds
// only references whose immediate syntactic enclosure is this loop.
type Loop struct {
	Location SourceLocation `json:"location"`

	// InductionVar is the variable declared in the loop initializer.
	InductionVar string `json:"induction_var"`

	// InitExpr, CondExpr, and IncExpr are the loop header as source text.
	InitExpr string `json:"init_expr"`
	CondExpr string `json:"cond_expr"`
	IncExpr  string `json:"inc_expr"`

	// NestLevel is 1 for a top-level loop.
	NestLevel int `json:"nest_level"`

	// EstimatedIterations is the trip count when the condition compares
	// the induction variable against an integer literal, else 0.
	EstimatedIterations uint64 `json:"estimated_iterations"`

	// Stride is the induction-variable increment per iteration.
	Stride int `json:"stride"`

	HasNestedLoops   bool `json:"has_nested_loops"`
	HasFunctionCalls bool `json:"has_function_calls"`

	// Patterns are the references directly inside this loop body.
	Patterns []StaticPattern `json:"patterns,omitempty"`
}

// RecordField is one member of a RecordLayout.
type RecordField struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// RecordLayout describes a composite type's memory layout.
//
// Adjacent fields satisfy offset+size <= next offset; the difference
// between the field sizes' sum and TotalSize is padding.
type RecordLayout struct {
	Name     string         `json:"name"`
	Location SourceLocation `json:"location"`

	// TotalSize is the aggregate size including padding.
	TotalSize uint64 `json:"total_size"`

	Fields []RecordField `json:"fields"`

	HasPointerFields bool `json:"has_pointer_fields"`
	IsPacked         bool `json:"is_packed"`
}

// StaticResults bundles the three collections the static analyzer emits.
type StaticResults struct {
	Patterns []StaticPattern `json:"patterns"`
	Loops    []Loop          `json:"loops"`
	Records  []RecordLayout  `json:"records"`
}

// MissSample is one cache-miss event from the external sampler.
type MissSample struct {
	// InstructionAddr is the faulting instruction address.
	InstructionAddr uint64 `json:"instruction_addr"`

	// MemoryAddr is the data address that missed.
	MemoryAddr uint64 `json:"memory_addr"`

	// TimestampNS is the sample time in nanoseconds.
	TimestampNS uint64 `json:"timestamp_ns"`

	// Location is the resolved source position, when symbolization ran.
	Location SourceLocation `json:"location"`

	// CacheLevelMissed is the deepest level that missed, in 1..4.
	CacheLevelMissed int `json:"cache_level_missed"`

	CPUID    int `json:"cpu_id"`
	ThreadID int `json:"thread_id"`

	// AccessSize is the access width in bytes.
	AccessSize int `json:"access_size"`

	IsWrite bool `json:"is_write"`

	// LatencyCycles is the sampled load-to-use latency.
	LatencyCycles uint32 `json:"latency_cycles"`
}

// Hotspot aggregates all miss samples that share an aggregation key.
//
// # Invariants
//
//   - TotalMisses <= TotalAccesses
//   - sum(CacheLevelsAffected) == TotalMisses
//   - AddressRangeStart <= AddressRangeEnd once a sample has arrived
//
// A Hotspot is mutable only inside the collector; Finalize freezes it.
type Hotspot struct {
	Location SourceLocation `json:"location"`

	TotalAccesses uint64 `json:"total_accesses"`
	TotalMisses   uint64 `json:"total_misses"`

	// MissRate is TotalMisses/TotalAccesses, computed during Finalize.
	MissRate float64 `json:"miss_rate"`

	// AvgLatencyCycles is the running mean latency over stored samples.
	AvgLatencyCycles float64 `json:"avg_latency_cycles"`

	// DominantPattern is inferred from sorted address strides.
	DominantPattern AccessPattern `json:"dominant_pattern"`

	// AccessStride is the mean positive stride in bytes, when regular.
	AccessStride int `json:"access_stride"`

	AddressRangeStart uint64 `json:"address_range_start"`
	AddressRangeEnd   uint64 `json:"address_range_end"`

	// CacheLevelsAffected counts misses per level L1..L4.
	CacheLevelsAffected [4]uint64 `json:"cache_levels_affected"`

	IsFalseSharing bool `json:"is_false_sharing"`

	// Samples are the raw events behind the aggregate.
	Samples []MissSample `json:"-"`
}

// WorkingSetSize is the address span the hotspot touched.
func (h *Hotspot) WorkingSetSize() uint64 {
	if h.AddressRangeEnd < h.AddressRangeStart {
		return 0
	}
	return h.AddressRangeEnd - h.AddressRangeStart
}

// ClassifiedPattern tags a hotspot with an anti-pattern.
type ClassifiedPattern struct {
	// Hotspot is borrowed from the collector snapshot; never mutated here.
	Hotspot *Hotspot `json:"hotspot"`

	Kind AntiPattern `json:"kind"`

	// Severity is in [0,100].
	Severity float64 `json:"severity"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	PrimaryMissType MissType `json:"primary_miss_type"`

	// AffectedLevels is a bitset; bit i set means level i+1 saw misses.
	AffectedLevels uint8 `json:"affected_levels"`

	// PerformanceImpactPct is the estimated runtime share lost, in [0,90].
	PerformanceImpactPct float64 `json:"performance_impact_pct"`

	Description string `json:"description"`
	RootCause   string `json:"root_cause"`
}

// Recommendation is one ranked optimization suggestion.
type Recommendation struct {
	Kind OptimizationKind `json:"kind"`

	// Target is the classified pattern this advice addresses (borrowed).
	Target *ClassifiedPattern `json:"-"`

	ExpectedImprovementPct float64 `json:"expected_improvement_pct"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// Difficulty is in 1..10, higher is harder.
	Difficulty int `json:"difficulty"`

	// Priority is 1, 2, or 3; 1 sorts first.
	Priority int `json:"priority"`

	Rationale           string `json:"rationale"`
	ImplementationGuide string `json:"implementation_guide,omitempty"`
	CodeExample         string `json:"code_example,omitempty"`
	CompilerFlags       string `json:"compiler_flags,omitempty"`

	// IsAutomatic marks advice a tool could apply mechanically.
	IsAutomatic bool `json:"is_automatic"`
}

// String implementations keep log output stable.

func (p AccessPattern) String() string    { return string(p) }
func (m MissType) String() string         { return string(m) }
func (a AntiPattern) String() string      { return string(a) }
func (o OptimizationKind) String() string { return string(o) }
