// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package topology discovers and describes the cache hierarchy of the
// machine the analyzed program runs on.
//
// # Description
//
// Detection reads the Linux sysfs cache directories and falls back to a
// documented generic hierarchy when sysfs is unavailable. The resulting
// Info value is read-only input for the classifier and the recommendation
// engine; the core never mutates it.
package topology

// CacheType distinguishes what a cache level holds.
type CacheType string

const (
	CacheData        CacheType = "data"
	CacheInstruction CacheType = "instruction"
	CacheUnified     CacheType = "unified"
)

// MaxLevels bounds the hierarchy depth the model supports.
const MaxLevels = 8

// CacheLevel describes one level of the hierarchy.
type CacheLevel struct {
	// Level is 1 for the closest cache.
	Level int `json:"level"`

	// Size is the capacity in bytes.
	Size uint64 `json:"size"`

	// LineSize is the transfer unit in bytes.
	LineSize uint64 `json:"line_size"`

	// Associativity is the number of ways.
	Associativity int `json:"associativity"`

	Type CacheType `json:"type"`

	// LatencyCycles is the estimated access latency.
	LatencyCycles int `json:"latency_cycles"`

	// Sets is Size / (LineSize * Associativity) when derivable.
	Sets int `json:"sets"`

	// Shared reports whether multiple cores share this level.
	Shared bool `json:"shared"`

	// SharingCPUCount is how many CPUs share the level.
	SharingCPUCount int `json:"sharing_cpu_count"`
}

// Info is the complete hardware description the pipeline consumes.
type Info struct {
	Levels []CacheLevel `json:"levels"`

	NumCores   int `json:"num_cores"`
	NumThreads int `json:"num_threads"`

	// NUMANodes is 1 on single-socket machines.
	NUMANodes int `json:"numa_nodes"`

	CPUFrequencyGHz float64 `json:"cpu_frequency_ghz"`
	CPUModel        string  `json:"cpu_model,omitempty"`
	Arch            string  `json:"arch,omitempty"`

	// PageSize is the memory page size in bytes.
	PageSize int `json:"page_size"`

	// TotalMemory is system memory in bytes.
	TotalMemory uint64 `json:"total_memory"`
}

// DataLevel returns the cache at the given level that can hold data,
// preferring a data cache over a unified one. ok is false when absent.
func (t *Info) DataLevel(level int) (CacheLevel, bool) {
	var unified CacheLevel
	var haveUnified bool
	for _, l := range t.Levels {
		if l.Level != level {
			continue
		}
		switch l.Type {
		case CacheData:
			return l, true
		case CacheUnified:
			unified, haveUnified = l, true
		}
	}
	return unified, haveUnified
}

// LineSize returns the L1 data line size, defaulting to 64 bytes.
func (t *Info) LineSize() uint64 {
	if l, ok := t.DataLevel(1); ok && l.LineSize > 0 {
		return l.LineSize
	}
	return 64
}

// DataLevels returns the data-capable levels sorted by level, shallow first.
func (t *Info) DataLevels() []CacheLevel {
	out := make([]CacheLevel, 0, len(t.Levels))
	for lvl := 1; lvl <= MaxLevels; lvl++ {
		if l, ok := t.DataLevel(lvl); ok {
			out = append(out, l)
		}
	}
	return out
}
