// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build linux

package sampler

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissLevel(t *testing.T) {
	assert.Equal(t, 1, missLevel(memLvlL1<<memLvlShift))
	assert.Equal(t, 1, missLevel(memLvlLFB<<memLvlShift))
	assert.Equal(t, 2, missLevel(memLvlL2<<memLvlShift))
	assert.Equal(t, 3, missLevel(memLvlL3<<memLvlShift))
	assert.Equal(t, 4, missLevel(0))
}

func TestDecodeSample(t *testing.T) {
	body := make([]byte, 56)
	binary.LittleEndian.PutUint64(body[0:8], 0x4010)      // ip
	binary.LittleEndian.PutUint32(body[8:12], 1234)       // pid
	binary.LittleEndian.PutUint32(body[12:16], 5678)      // tid
	binary.LittleEndian.PutUint64(body[16:24], 1_000_000) // time
	binary.LittleEndian.PutUint64(body[24:32], 0x7f0000)  // addr
	binary.LittleEndian.PutUint32(body[32:36], 3)         // cpu
	binary.LittleEndian.PutUint64(body[40:48], 250)       // weight
	binary.LittleEndian.PutUint64(body[48:56],
		memOpStore<<memOpShift|memLvlL2<<memLvlShift) // data_src

	sample, ok := decodeSample(body)
	require.True(t, ok)
	assert.Equal(t, uint64(0x4010), sample.InstructionAddr)
	assert.Equal(t, uint64(0x7f0000), sample.MemoryAddr)
	assert.Equal(t, uint64(1_000_000), sample.TimestampNS)
	assert.Equal(t, 2, sample.CacheLevelMissed)
	assert.Equal(t, 3, sample.CPUID)
	assert.Equal(t, 5678, sample.ThreadID)
	assert.True(t, sample.IsWrite)
	assert.Equal(t, uint32(250), sample.LatencyCycles)
}

func TestDecodeSampleRejectsShortOrNullAddr(t *testing.T) {
	_, ok := decodeSample(make([]byte, 40))
	assert.False(t, ok)

	body := make([]byte, 56)
	binary.LittleEndian.PutUint64(body[0:8], 0x4010)
	_, ok = decodeSample(body) // addr stays zero
	assert.False(t, ok)
}

func TestReadWrapped(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}

	assert.Equal(t, []byte{2, 3, 4}, readWrapped(data, 8, 2, 3))
	// Offsets past the size wrap around.
	assert.Equal(t, []byte{6, 7, 0, 1}, readWrapped(data, 8, 6, 4))
	assert.Equal(t, []byte{2, 3}, readWrapped(data, 8, 10, 2))
}
