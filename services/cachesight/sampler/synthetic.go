// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sampler

import (
	"context"
	"math/rand"

	"github.com/milhud/cachesight/services/cachesight"
)

// SyntheticSpec shapes one stream of generated samples.
type SyntheticSpec struct {
	// InstructionAddr is the shared faulting address of the stream.
	InstructionAddr uint64

	// BaseAddr anchors the generated data addresses.
	BaseAddr uint64

	// Pattern selects the address generator. Sequential walks the line
	// size, Strided walks StrideBytes, everything else draws uniformly
	// from [BaseAddr, BaseAddr+RangeBytes).
	Pattern cachesight.AccessPattern

	// StrideBytes is the step for strided streams.
	StrideBytes uint64

	// RangeBytes bounds random streams; zero means 16 MiB.
	RangeBytes uint64

	// Count is the number of samples to emit.
	Count int

	// CPUs spreads samples round-robin over this many CPUs (min 1).
	CPUs int

	// CacheLevel is the missed level recorded on every sample.
	CacheLevel int

	// LatencyCycles is the per-sample latency; zero means 100.
	LatencyCycles uint32

	// WriteEvery marks every Nth sample as a write; zero means reads
	// only.
	WriteEvery int

	// Location is stamped on every sample, standing in for
	// symbolization.
	Location cachesight.SourceLocation
}

// SyntheticSource deterministically generates miss samples from a list
// of stream specs. The same seed and specs always produce the same
// batches, which is what the pipeline tests depend on.
type SyntheticSource struct {
	seed      int64
	batchSize int
	specs     []SyntheticSpec
}

// NewSyntheticSource builds a source over the given streams.
func NewSyntheticSource(seed int64, batchSize int, specs ...SyntheticSpec) *SyntheticSource {
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}
	return &SyntheticSource{seed: seed, batchSize: batchSize, specs: specs}
}

// Run emits every stream in spec order, batch by batch.
func (s *SyntheticSource) Run(ctx context.Context, sink Sink) error {
	rng := rand.New(rand.NewSource(s.seed))

	batch := make([]cachesight.MissSample, 0, s.batchSize)
	ts := uint64(1)

	for _, spec := range s.specs {
		cpus := spec.CPUs
		if cpus < 1 {
			cpus = 1
		}
		latency := spec.LatencyCycles
		if latency == 0 {
			latency = 100
		}

		for i := 0; i < spec.Count; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			sample := cachesight.MissSample{
				InstructionAddr:  spec.InstructionAddr,
				MemoryAddr:       spec.address(rng, i),
				TimestampNS:      ts,
				Location:         spec.Location,
				CacheLevelMissed: spec.CacheLevel,
				CPUID:            i % cpus,
				ThreadID:         100 + i%cpus,
				AccessSize:       8,
				IsWrite:          spec.WriteEvery > 0 && i%spec.WriteEvery == 0,
				LatencyCycles:    latency,
			}
			ts += 1000

			batch = append(batch, sample)
			if len(batch) >= s.batchSize {
				if err := sink(ctx, batch); err != nil {
					return err
				}
				batch = make([]cachesight.MissSample, 0, s.batchSize)
			}
		}
	}

	if len(batch) > 0 {
		return sink(ctx, batch)
	}
	return nil
}

// Close is a no-op; the source holds no OS resources.
func (*SyntheticSource) Close() error { return nil }

// address produces the i-th data address of the stream.
func (spec *SyntheticSpec) address(rng *rand.Rand, i int) uint64 {
	switch spec.Pattern {
	case cachesight.AccessSequential:
		return spec.BaseAddr + uint64(i)*8
	case cachesight.AccessStrided, cachesight.AccessNestedLoop:
		stride := spec.StrideBytes
		if stride == 0 {
			stride = 64
		}
		return spec.BaseAddr + uint64(i)*stride
	default:
		span := spec.RangeBytes
		if span == 0 {
			span = 16 << 20
		}
		return spec.BaseAddr + uint64(rng.Int63n(int64(span)))
	}
}

var _ Source = (*SyntheticSource)(nil)
