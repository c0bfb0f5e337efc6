// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/topology"
)

// sampleRun builds n samples at one instruction with a fixed address step.
func sampleRun(instr, base uint64, n int, step uint64, level int) []cachesight.MissSample {
	out := make([]cachesight.MissSample, n)
	for i := range out {
		out[i] = cachesight.MissSample{
			InstructionAddr:  instr,
			MemoryAddr:       base + uint64(i)*step,
			TimestampNS:      uint64(i),
			CacheLevelMissed: level,
			AccessSize:       8,
			LatencyCycles:    100,
		}
	}
	return out
}

func newCollector(t *testing.T, mutate func(*cachesight.Options)) *Collector {
	t.Helper()

	opts := cachesight.DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	require.NoError(t, opts.Validate())
	return New(opts, topology.Default())
}

func TestAddSamplesAggregates(t *testing.T) {
	c := newCollector(t, nil)
	ctx := context.Background()

	require.NoError(t, c.AddSamples(ctx, sampleRun(0x4000, 0x10000, 20, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x4000, 0x10000+20*8, 20, 8, 2)))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	require.Len(t, hs, 1)

	h := hs[0]
	assert.Equal(t, uint64(40), h.TotalAccesses)
	assert.Equal(t, uint64(40), h.TotalMisses)
	assert.Equal(t, 1.0, h.MissRate)
	assert.Equal(t, uint64(0x10000), h.AddressRangeStart)
	assert.Equal(t, uint64(0x10000+39*8), h.AddressRangeEnd)
	assert.Equal(t, uint64(20), h.CacheLevelsAffected[0])
	assert.Equal(t, uint64(20), h.CacheLevelsAffected[1])
	assert.InDelta(t, 100.0, h.AvgLatencyCycles, 1e-9)
	assert.Equal(t, cachesight.AccessStrided, h.DominantPattern)
	assert.Equal(t, 8, h.AccessStride)
}

func TestAddSamplesEmptyBatch(t *testing.T) {
	c := newCollector(t, nil)
	assert.ErrorIs(t, c.AddSamples(context.Background(), nil), cachesight.ErrEmptyBatch)
}

func TestAddSamplesSkipsInvalidSamples(t *testing.T) {
	c := newCollector(t, nil)

	batch := sampleRun(0x4000, 0x10000, 13, 8, 1)
	batch[3].CacheLevelMissed = 0
	batch[7].CacheLevelMissed = 5
	batch[9].MemoryAddr = 0

	require.NoError(t, c.AddSamples(context.Background(), batch))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, uint64(10), hs[0].TotalMisses)
	assert.Equal(t, uint64(3), c.DroppedSamples())
}

func TestValidateSample(t *testing.T) {
	good := cachesight.MissSample{MemoryAddr: 0x1000, CacheLevelMissed: 1}
	assert.NoError(t, validateSample(good))

	noLevel := good
	noLevel.CacheLevelMissed = 0
	assert.ErrorIs(t, validateSample(noLevel), cachesight.ErrInvalidSample)

	noAddr := good
	noAddr.MemoryAddr = 0
	assert.ErrorIs(t, validateSample(noAddr), cachesight.ErrInvalidSample)
}

func TestFunctionGrainedAggregation(t *testing.T) {
	c := newCollector(t, func(o *cachesight.Options) {
		o.AggregateByFunction = true
	})
	ctx := context.Background()

	// Two instructions inside the same 4 KiB block share a bucket.
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x4010, 0x10000, 10, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x4abc, 0x20000, 10, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x8000, 0x30000, 10, 8, 1)))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, uint64(20), hs[0].TotalMisses)
	assert.Equal(t, uint64(10), hs[1].TotalMisses)
}

func TestHotspotCapDropsNewSites(t *testing.T) {
	c := newCollector(t, func(o *cachesight.Options) {
		o.MaxHotspots = 2
		o.MinSamplesPerHotspot = 1
	})
	ctx := context.Background()

	require.NoError(t, c.AddSamples(ctx, sampleRun(0x1000, 0x10000, 10, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x2000, 0x20000, 10, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x3000, 0x30000, 10, 8, 1)))

	// Existing sites still accept samples past the cap.
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x1000, 0x11000, 5, 8, 1)))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	assert.Len(t, hs, 2)
	assert.Equal(t, uint64(10), c.DroppedSamples())
}

func TestFinalizeIdempotence(t *testing.T) {
	c := newCollector(t, nil)
	require.NoError(t, c.AddSamples(context.Background(), sampleRun(0x1000, 0x10000, 10, 1, 1)))

	require.NoError(t, c.Finalize())
	first, err := c.Hotspots()
	require.NoError(t, err)

	// A second finalize is a no-op; the snapshot does not change.
	require.NoError(t, c.Finalize())
	second, err := c.Hotspots()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.ErrorIs(t,
		c.AddSamples(context.Background(), sampleRun(0x1000, 0x10000, 1, 1, 1)),
		cachesight.ErrFinalized)
}

func TestHotspotsBeforeFinalize(t *testing.T) {
	c := newCollector(t, nil)
	_, err := c.Hotspots()
	assert.ErrorIs(t, err, cachesight.ErrNotFinalized)
}

func TestDominantPatternDeterminism(t *testing.T) {
	base := sampleRun(0x1000, 0x10000, 64, 8, 1)

	shuffled := make([]cachesight.MissSample, len(base))
	copy(shuffled, base)
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	run := func(batch []cachesight.MissSample) *cachesight.Hotspot {
		c := newCollector(t, nil)
		require.NoError(t, c.AddSamples(context.Background(), batch))
		require.NoError(t, c.Finalize())
		hs, err := c.Hotspots()
		require.NoError(t, err)
		return hs[0]
	}

	a, b := run(base), run(shuffled)
	assert.Equal(t, a.DominantPattern, b.DominantPattern)
	assert.Equal(t, a.AccessStride, b.AccessStride)
	assert.Equal(t, cachesight.AccessStrided, a.DominantPattern)
}

func TestDominantPatternSequential(t *testing.T) {
	c := newCollector(t, nil)
	require.NoError(t, c.AddSamples(context.Background(), sampleRun(0x1000, 0x10000, 32, 1, 1)))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	assert.Equal(t, cachesight.AccessSequential, hs[0].DominantPattern)
	assert.Equal(t, 1, hs[0].AccessStride)
}

func TestDominantPatternRandomOnIrregularStrides(t *testing.T) {
	c := newCollector(t, nil)

	batch := make([]cachesight.MissSample, 0, 32)
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 32; i++ {
		batch = append(batch, cachesight.MissSample{
			InstructionAddr:  0x1000,
			MemoryAddr:       0x10000 + uint64(rng.Intn(1<<24))*4096,
			CacheLevelMissed: 1,
			LatencyCycles:    80,
		})
	}
	require.NoError(t, c.AddSamples(context.Background(), batch))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	assert.Equal(t, cachesight.AccessRandom, hs[0].DominantPattern)
}

func TestFalseSharingDetection(t *testing.T) {
	c := newCollector(t, nil)

	// Twelve samples from two CPUs inside a single cache line.
	batch := make([]cachesight.MissSample, 0, 12)
	for i := 0; i < 12; i++ {
		batch = append(batch, cachesight.MissSample{
			InstructionAddr:  0x1000,
			MemoryAddr:       0x20000 + uint64(i%8)*4,
			CacheLevelMissed: 1,
			CPUID:            i % 2,
			LatencyCycles:    200,
		})
	}
	require.NoError(t, c.AddSamples(context.Background(), batch))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	assert.True(t, hs[0].IsFalseSharing)
}

func TestFalseSharingRequiresMultipleCPUs(t *testing.T) {
	c := newCollector(t, nil)

	batch := make([]cachesight.MissSample, 0, 12)
	for i := 0; i < 12; i++ {
		batch = append(batch, cachesight.MissSample{
			InstructionAddr:  0x1000,
			MemoryAddr:       0x20000 + uint64(i%8)*4,
			CacheLevelMissed: 1,
			CPUID:            3,
			LatencyCycles:    200,
		})
	}
	require.NoError(t, c.AddSamples(context.Background(), batch))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	assert.False(t, hs[0].IsFalseSharing)
}

func TestHotspotsFilterAndOrder(t *testing.T) {
	c := newCollector(t, func(o *cachesight.Options) {
		o.MinSamplesPerHotspot = 10
	})
	ctx := context.Background()

	require.NoError(t, c.AddSamples(ctx, sampleRun(0x1000, 0x10000, 15, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x2000, 0x20000, 40, 8, 1)))
	require.NoError(t, c.AddSamples(ctx, sampleRun(0x3000, 0x30000, 5, 8, 1)))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, uint64(40), hs[0].TotalMisses)
	assert.Equal(t, uint64(15), hs[1].TotalMisses)
}

func TestHotspotsNoneQualify(t *testing.T) {
	c := newCollector(t, nil)
	require.NoError(t, c.AddSamples(context.Background(), sampleRun(0x1000, 0x10000, 3, 8, 1)))
	require.NoError(t, c.Finalize())

	_, err := c.Hotspots()
	assert.ErrorIs(t, err, cachesight.ErrNoHotspots)
}

func TestComputeStats(t *testing.T) {
	c := newCollector(t, nil)

	batch := sampleRun(0x1000, 0x10000, 20, 8, 1)
	for i := range batch {
		batch[i].CPUID = i % 4
		batch[i].ThreadID = 100 + i%2
		batch[i].IsWrite = i%2 == 0
	}
	require.NoError(t, c.AddSamples(context.Background(), batch))
	require.NoError(t, c.Finalize())

	hs, err := c.Hotspots()
	require.NoError(t, err)

	stats := ComputeStats(hs[0])
	assert.Equal(t, 4, stats.DistinctCPUs)
	assert.Equal(t, 2, stats.DistinctThreads)
	assert.Equal(t, 0.5, stats.WriteFraction)
	// A single fixed stride carries no entropy.
	assert.InDelta(t, 0.0, stats.StrideEntropy, 1e-9)
	assert.Equal(t, uint32(100), stats.P95LatencyCycles)
}
