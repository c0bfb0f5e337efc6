// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"sort"

	"github.com/milhud/cachesight/services/cachesight"
)

// LayoutReport summarizes how a record layout interacts with the cache.
type LayoutReport struct {
	Record string `json:"record"`

	// PaddingBytes is the alignment padding inside the record.
	PaddingBytes uint64 `json:"padding_bytes"`

	// ReorderedSize is the size achievable by sorting fields by
	// decreasing alignment; equal to TotalSize when already optimal.
	ReorderedSize uint64 `json:"reordered_size"`

	// LinesPerInstance is how many cache lines one instance straddles.
	LinesPerInstance uint64 `json:"lines_per_instance"`

	// FalseSharingRisk marks small records that pack several instances
	// into one cache line, the usual shape of per-thread counter arrays.
	FalseSharingRisk bool `json:"false_sharing_risk"`
}

// AnalyzeLayout inspects one record against the cache line size.
func AnalyzeLayout(rec cachesight.RecordLayout, lineSize uint64) LayoutReport {
	if lineSize == 0 {
		lineSize = 64
	}

	report := LayoutReport{Record: rec.Name}

	var fieldBytes uint64
	for _, f := range rec.Fields {
		fieldBytes += f.Size
	}
	if rec.TotalSize > fieldBytes {
		report.PaddingBytes = rec.TotalSize - fieldBytes
	}

	report.ReorderedSize = reorderedSize(rec)
	if rec.TotalSize > 0 {
		report.LinesPerInstance = (rec.TotalSize + lineSize - 1) / lineSize
	}
	report.FalseSharingRisk = rec.TotalSize > 0 && rec.TotalSize*2 <= lineSize

	return report
}

// reorderedSize lays the fields out largest-first with natural alignment,
// the standard padding-minimizing order.
func reorderedSize(rec cachesight.RecordLayout) uint64 {
	if len(rec.Fields) == 0 {
		return 0
	}

	sizes := make([]uint64, len(rec.Fields))
	for i, f := range rec.Fields {
		sizes[i] = f.Size
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] > sizes[j] })

	var offset, maxAlign uint64 = 0, 1
	for _, size := range sizes {
		align := naturalAlignment(size)
		if align > maxAlign {
			maxAlign = align
		}
		if rem := offset % align; rem != 0 {
			offset += align - rem
		}
		offset += size
	}
	if rem := offset % maxAlign; rem != 0 {
		offset += maxAlign - rem
	}
	return offset
}

func naturalAlignment(size uint64) uint64 {
	switch {
	case size >= 8:
		return 8
	case size >= 4:
		return 4
	case size >= 2:
		return 2
	default:
		return 1
	}
}
