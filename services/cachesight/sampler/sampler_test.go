// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milhud/cachesight/services/cachesight"
)

func collect(t *testing.T, src Source) []cachesight.MissSample {
	t.Helper()

	var all []cachesight.MissSample
	err := src.Run(context.Background(), func(_ context.Context, batch []cachesight.MissSample) error {
		all = append(all, batch...)
		return nil
	})
	require.NoError(t, err)
	return all
}

func TestSyntheticSequentialStream(t *testing.T) {
	src := NewSyntheticSource(1, 64, SyntheticSpec{
		InstructionAddr: 0x4000,
		BaseAddr:        0x10000,
		Pattern:         cachesight.AccessSequential,
		Count:           100,
		CacheLevel:      1,
	})

	samples := collect(t, src)
	require.Len(t, samples, 100)

	for i, s := range samples {
		assert.Equal(t, uint64(0x4000), s.InstructionAddr)
		assert.Equal(t, uint64(0x10000)+uint64(i)*8, s.MemoryAddr)
		assert.Equal(t, 1, s.CacheLevelMissed)
		assert.False(t, s.IsWrite)
	}

	// Timestamps strictly increase.
	for i := 1; i < len(samples); i++ {
		assert.Greater(t, samples[i].TimestampNS, samples[i-1].TimestampNS)
	}
}

func TestSyntheticStridedStream(t *testing.T) {
	src := NewSyntheticSource(1, 64, SyntheticSpec{
		BaseAddr:    0x10000,
		Pattern:     cachesight.AccessStrided,
		StrideBytes: 256,
		Count:       10,
		CacheLevel:  2,
	})

	samples := collect(t, src)
	require.Len(t, samples, 10)
	assert.Equal(t, uint64(256), samples[1].MemoryAddr-samples[0].MemoryAddr)
}

func TestSyntheticRandomStaysInRange(t *testing.T) {
	src := NewSyntheticSource(7, 64, SyntheticSpec{
		BaseAddr:   0x10000,
		Pattern:    cachesight.AccessRandom,
		RangeBytes: 96,
		Count:      50,
		CPUs:       4,
		CacheLevel: 1,
	})

	samples := collect(t, src)
	cpus := make(map[int]bool)
	for _, s := range samples {
		assert.GreaterOrEqual(t, s.MemoryAddr, uint64(0x10000))
		assert.Less(t, s.MemoryAddr, uint64(0x10000+96))
		cpus[s.CPUID] = true
	}
	assert.Len(t, cpus, 4)
}

func TestSyntheticDeterminism(t *testing.T) {
	spec := SyntheticSpec{
		BaseAddr:   0x10000,
		Pattern:    cachesight.AccessRandom,
		Count:      200,
		CacheLevel: 3,
		WriteEvery: 3,
	}

	a := collect(t, NewSyntheticSource(42, 32, spec))
	b := collect(t, NewSyntheticSource(42, 32, spec))
	assert.Equal(t, a, b)

	c := collect(t, NewSyntheticSource(43, 32, spec))
	assert.NotEqual(t, a, c)
}

func TestSyntheticBatching(t *testing.T) {
	src := NewSyntheticSource(1, 32, SyntheticSpec{
		Pattern:    cachesight.AccessSequential,
		Count:      100,
		CacheLevel: 1,
	})

	var sizes []int
	err := src.Run(context.Background(), func(_ context.Context, batch []cachesight.MissSample) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32, 32, 4}, sizes)
}

func TestSyntheticStopsOnSinkError(t *testing.T) {
	src := NewSyntheticSource(1, 10, SyntheticSpec{
		Pattern:    cachesight.AccessSequential,
		Count:      100,
		CacheLevel: 1,
	})

	calls := 0
	err := src.Run(context.Background(), func(_ context.Context, _ []cachesight.MissSample) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestSyntheticCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewSyntheticSource(1, 10, SyntheticSpec{
		Pattern:    cachesight.AccessSequential,
		Count:      100,
		CacheLevel: 1,
	})
	err := src.Run(ctx, func(_ context.Context, _ []cachesight.MissSample) error {
		t.Fatal("sink called after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyntheticWriteMarking(t *testing.T) {
	src := NewSyntheticSource(1, 64, SyntheticSpec{
		Pattern:    cachesight.AccessSequential,
		Count:      9,
		CacheLevel: 1,
		WriteEvery: 3,
	})

	samples := collect(t, src)
	writes := 0
	for _, s := range samples {
		if s.IsWrite {
			writes++
		}
	}
	assert.Equal(t, 3, writes)
}
