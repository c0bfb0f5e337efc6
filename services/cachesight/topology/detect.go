// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/singleflight"
)

// ErrNoHierarchy indicates no cache information could be discovered.
var ErrNoHierarchy = errors.New("no cache hierarchy information available")

const sysfsCacheRoot = "/sys/devices/system/cpu/cpu0/cache"

// Detector discovers the machine topology.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Detect calls are collapsed into a
// single sysfs walk via singleflight.
type Detector struct {
	// SysfsRoot overrides the cache sysfs directory, for tests.
	SysfsRoot string

	// NodeRoot overrides the NUMA node directory, for tests.
	NodeRoot string

	group  singleflight.Group
	logger *slog.Logger
}

// NewDetector returns a detector reading the host sysfs.
func NewDetector() *Detector {
	return &Detector{
		SysfsRoot: sysfsCacheRoot,
		NodeRoot:  "/sys/devices/system/node",
		logger:    slog.Default().With("component", "topology"),
	}
}

// Detect reads the cache hierarchy, core counts, NUMA layout, and memory
// size. Missing sysfs entries degrade to the generic default hierarchy
// rather than failing; only a total absence of CPU information errors.
func (d *Detector) Detect(ctx context.Context) (*Info, error) {
	v, err, _ := d.group.Do("detect", func() (interface{}, error) {
		return d.detect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

func (d *Detector) detect(ctx context.Context) (*Info, error) {
	info := &Info{
		Arch:     runtime.GOARCH,
		PageSize: os.Getpagesize(),
	}

	levels, err := d.readSysfsLevels()
	if err != nil {
		d.logger.Warn("sysfs cache discovery failed, using generic hierarchy",
			"error", err)
		levels = Default().Levels
	}
	info.Levels = levels

	cores, err := cpu.CountsWithContext(ctx, false)
	if err != nil || cores == 0 {
		return nil, fmt.Errorf("count physical cores: %w", errOr(err, ErrNoHierarchy))
	}
	threads, err := cpu.CountsWithContext(ctx, true)
	if err != nil || threads == 0 {
		threads = cores
	}
	info.NumCores = cores
	info.NumThreads = threads

	if stats, err := cpu.InfoWithContext(ctx); err == nil && len(stats) > 0 {
		info.CPUModel = stats[0].ModelName
		info.CPUFrequencyGHz = stats[0].Mhz / 1000.0
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
	}

	info.NUMANodes = d.countNUMANodes()

	d.logger.Info("detected topology",
		"levels", len(info.Levels),
		"cores", info.NumCores,
		"threads", info.NumThreads,
		"numa_nodes", info.NUMANodes)

	return info, nil
}

// readSysfsLevels walks cpu0's cache index directories.
func (d *Detector) readSysfsLevels() ([]CacheLevel, error) {
	entries, err := os.ReadDir(d.SysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.SysfsRoot, err)
	}

	var levels []CacheLevel
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "index") {
			continue
		}
		dir := filepath.Join(d.SysfsRoot, e.Name())

		lvl, err := d.readIndexDir(dir)
		if err != nil {
			d.logger.Debug("skipping cache index", "dir", dir, "error", err)
			continue
		}
		levels = append(levels, lvl)
	}
	if len(levels) == 0 {
		return nil, ErrNoHierarchy
	}

	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Level != levels[j].Level {
			return levels[i].Level < levels[j].Level
		}
		return levels[i].Type < levels[j].Type
	})
	return levels, nil
}

func (d *Detector) readIndexDir(dir string) (CacheLevel, error) {
	var lvl CacheLevel

	level, err := readInt(filepath.Join(dir, "level"))
	if err != nil {
		return lvl, err
	}
	size, err := readSize(filepath.Join(dir, "size"))
	if err != nil {
		return lvl, err
	}

	lvl.Level = level
	lvl.Size = size
	lvl.LineSize, _ = readSizeDefault(filepath.Join(dir, "coherency_line_size"), 64)
	lvl.Associativity, _ = readInt(filepath.Join(dir, "ways_of_associativity"))
	lvl.Sets, _ = readInt(filepath.Join(dir, "number_of_sets"))
	lvl.LatencyCycles = estimateLatency(level)

	switch t, _ := readString(filepath.Join(dir, "type")); strings.ToLower(t) {
	case "data":
		lvl.Type = CacheData
	case "instruction":
		lvl.Type = CacheInstruction
	default:
		lvl.Type = CacheUnified
	}

	if shared, err := readString(filepath.Join(dir, "shared_cpu_list")); err == nil {
		n := countCPUList(shared)
		lvl.SharingCPUCount = n
		lvl.Shared = n > 1
	}
	return lvl, nil
}

func (d *Detector) countNUMANodes() int {
	entries, err := os.ReadDir(d.NodeRoot)
	if err != nil {
		return 1
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "node") {
			if _, err := strconv.Atoi(name[4:]); err == nil {
				n++
			}
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// Default returns a generic modern x86 hierarchy used when sysfs is
// unavailable: 32K L1d/L1i, 1M L2, 32M shared L3, 64-byte lines.
func Default() *Info {
	return &Info{
		Levels: []CacheLevel{
			{Level: 1, Size: 32 << 10, LineSize: 64, Associativity: 8, Type: CacheData, LatencyCycles: 4, Sets: 64},
			{Level: 1, Size: 32 << 10, LineSize: 64, Associativity: 8, Type: CacheInstruction, LatencyCycles: 4, Sets: 64},
			{Level: 2, Size: 1 << 20, LineSize: 64, Associativity: 16, Type: CacheUnified, LatencyCycles: 12, Sets: 1024},
			{Level: 3, Size: 32 << 20, LineSize: 64, Associativity: 16, Type: CacheUnified, LatencyCycles: 40, Sets: 32768, Shared: true, SharingCPUCount: 8},
		},
		NumCores:   1,
		NumThreads: 1,
		NUMANodes:  1,
		PageSize:   4096,
	}
}

// Save writes the topology as JSON so later runs can skip detection.
func Save(info *Info, path string) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write topology %s: %w", path, err)
	}
	return nil
}

// Load reads a topology previously written by Save.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	if len(info.Levels) == 0 {
		return nil, ErrNoHierarchy
	}
	return &info, nil
}

// estimateLatency maps a level to typical access cycles.
func estimateLatency(level int) int {
	switch level {
	case 1:
		return 4
	case 2:
		return 12
	case 3:
		return 40
	default:
		return 90
	}
}

// countCPUList counts CPUs in a sysfs list like "0-3,8-11".
func countCPUList(list string) int {
	n := 0
	for _, part := range strings.Split(strings.TrimSpace(list), ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 == nil && err2 == nil && b >= a {
				n += b - a + 1
			}
		} else {
			n++
		}
	}
	return n
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// readSize parses sysfs sizes like "32K" or "12288K".
func readSize(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return v * mult, nil
}

func readSizeDefault(path string, def uint64) (uint64, error) {
	v, err := readSize(path)
	if err != nil || v == 0 {
		return def, err
	}
	return v, nil
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
