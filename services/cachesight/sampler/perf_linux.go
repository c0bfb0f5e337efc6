// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build linux

package sampler

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/milhud/cachesight/services/cachesight"
)

// precise_ip=2 requests constant-skid samples so the recorded IP and
// data address belong to the same instruction.
const perfBitsPreciseIP2 = 2 << 15

const (
	// Data pages per ring buffer; must be a power of two.
	ringDataPages = 128

	pollTimeoutMs = 100
)

// data_src field layout (linux/perf_event.h).
const (
	memOpShift  = 0
	memOpStore  = 0x04
	memLvlShift = 5
	memLvlL1    = 0x08
	memLvlLFB   = 0x10
	memLvlL2    = 0x20
	memLvlL3    = 0x40
)

// perfRing is one CPU's event file descriptor plus its mmap'd buffer.
type perfRing struct {
	cpu  int
	fd   int
	mmap []byte
	meta *unix.PerfEventMmapPage
}

// PerfSource samples L1D read misses through perf_event_open, one ring
// buffer per CPU. Sample locations are left unresolved; symbolization
// is a separate concern of the caller.
type PerfSource struct {
	cfg    Config
	rings  []perfRing
	closed bool
	logger *slog.Logger
}

// NewPerfSource opens one sampling descriptor per CPU. It fails with a
// wrapped errno when the kernel refuses the event, which usually means
// perf_event_paranoid is too strict for the invoking user.
func NewPerfSource(cfg Config) (*PerfSource, error) {
	if cfg.SamplePeriod == 0 {
		cfg.SamplePeriod = DefaultConfig().SamplePeriod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	cpus := cfg.CPUs
	if len(cpus) == 0 {
		cpus = make([]int, runtime.NumCPU())
		for i := range cpus {
			cpus[i] = i
		}
	}

	s := &PerfSource{
		cfg:    cfg,
		logger: slog.Default().With("component", "sampler"),
	}
	for _, cpu := range cpus {
		ring, err := openRing(cfg, cpu)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.rings = append(s.rings, ring)
	}
	return s, nil
}

func openRing(cfg Config, cpu int) (perfRing, error) {
	attr := unix.PerfEventAttr{
		Type: unix.PERF_TYPE_HW_CACHE,
		Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: unix.PERF_COUNT_HW_CACHE_L1D |
			unix.PERF_COUNT_HW_CACHE_OP_READ<<8 |
			unix.PERF_COUNT_HW_CACHE_RESULT_MISS<<16,
		Sample: cfg.SamplePeriod,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID |
			unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ADDR |
			unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_WEIGHT |
			unix.PERF_SAMPLE_DATA_SRC,
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeHv | perfBitsPreciseIP2,
	}

	fd, err := unix.PerfEventOpen(&attr, cfg.PID, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return perfRing{}, fmt.Errorf(
			"perf_event_open cpu %d: %w (check kernel.perf_event_paranoid)", cpu, err)
	}

	pageSize := unix.Getpagesize()
	mmap, err := unix.Mmap(fd, 0, (1+ringDataPages)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return perfRing{}, fmt.Errorf("mmap perf ring cpu %d: %w", cpu, err)
	}

	return perfRing{
		cpu:  cpu,
		fd:   fd,
		mmap: mmap,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0])),
	}, nil
}

// Run enables every counter, drains the rings until the context is
// cancelled, then disables them and flushes the remainder.
func (s *PerfSource) Run(ctx context.Context, sink Sink) error {
	if s.closed {
		return ErrClosed
	}

	for _, r := range s.rings {
		if err := unix.IoctlSetInt(r.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("enable perf event cpu %d: %w", r.cpu, err)
		}
	}
	defer func() {
		for _, r := range s.rings {
			unix.IoctlSetInt(r.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		}
	}()

	samples := make(chan cachesight.MissSample, s.cfg.BatchSize*4)

	g, gctx := errgroup.WithContext(ctx)
	for i := range s.rings {
		ring := &s.rings[i]
		g.Go(func() error {
			return s.readRing(gctx, ring, samples)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(samples)
	}()

	batch := make([]cachesight.MissSample, 0, s.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := sink(ctx, batch)
		batch = batch[:0]
		return err
	}

	for sample := range samples {
		batch = append(batch, sample)
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if err := <-done; err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// readRing polls one ring until cancellation, pushing decoded samples.
func (s *PerfSource) readRing(ctx context.Context, ring *perfRing, out chan<- cachesight.MissSample) error {
	fds := []unix.PollFd{{Fd: int32(ring.fd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			s.drain(ctx, ring, out)
			return err
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll perf ring cpu %d: %w", ring.cpu, err)
		}
		if n > 0 {
			s.drain(ctx, ring, out)
		}
	}
}

// drain consumes every complete record currently in the ring.
func (s *PerfSource) drain(ctx context.Context, ring *perfRing, out chan<- cachesight.MissSample) {
	pageSize := uint64(unix.Getpagesize())
	dataSize := uint64(ringDataPages) * pageSize
	data := ring.mmap[pageSize:]

	head := atomic.LoadUint64(&ring.meta.Data_head)
	tail := ring.meta.Data_tail

	for tail < head {
		rec := readWrapped(data, dataSize, tail, 8)
		recType := binary.LittleEndian.Uint32(rec[0:4])
		recSize := uint64(binary.LittleEndian.Uint16(rec[6:8]))
		if recSize == 0 {
			break
		}

		if recType == unix.PERF_RECORD_SAMPLE {
			body := readWrapped(data, dataSize, tail+8, recSize-8)
			if sample, ok := decodeSample(body); ok {
				select {
				case out <- sample:
				case <-ctx.Done():
					atomic.StoreUint64(&ring.meta.Data_tail, tail)
					return
				}
			}
		} else if recType == unix.PERF_RECORD_LOST {
			s.logger.Warn("kernel dropped samples", "cpu", ring.cpu)
		}
		tail += recSize
	}

	atomic.StoreUint64(&ring.meta.Data_tail, tail)
}

// readWrapped copies n bytes starting at the ring offset, handling the
// wraparound at the buffer end.
func readWrapped(data []byte, size, off, n uint64) []byte {
	start := off % size
	if start+n <= size {
		return data[start : start+n]
	}

	out := make([]byte, n)
	first := size - start
	copy(out, data[start:])
	copy(out[first:], data[:n-first])
	return out
}

// decodeSample unpacks a PERF_RECORD_SAMPLE body in the field order
// fixed by our Sample_type mask: ip, pid/tid, time, addr, cpu, weight,
// data_src.
func decodeSample(body []byte) (cachesight.MissSample, bool) {
	const want = 8 + 8 + 8 + 8 + 8 + 8 + 8
	if len(body) < want {
		return cachesight.MissSample{}, false
	}

	ip := binary.LittleEndian.Uint64(body[0:8])
	tid := binary.LittleEndian.Uint32(body[12:16])
	ts := binary.LittleEndian.Uint64(body[16:24])
	addr := binary.LittleEndian.Uint64(body[24:32])
	cpu := binary.LittleEndian.Uint32(body[32:36])
	weight := binary.LittleEndian.Uint64(body[40:48])
	dataSrc := binary.LittleEndian.Uint64(body[48:56])

	if addr == 0 {
		return cachesight.MissSample{}, false
	}

	return cachesight.MissSample{
		InstructionAddr:  ip,
		MemoryAddr:       addr,
		TimestampNS:      ts,
		CacheLevelMissed: missLevel(dataSrc),
		CPUID:            int(cpu),
		ThreadID:         int(tid),
		AccessSize:       8,
		IsWrite:          dataSrc>>memOpShift&memOpStore != 0,
		LatencyCycles:    uint32(weight),
	}, true
}

// missLevel maps the data_src level bits onto the 1..4 hierarchy; a
// miss that left the cache hierarchy entirely counts as level 4.
func missLevel(dataSrc uint64) int {
	lvl := dataSrc >> memLvlShift
	switch {
	case lvl&(memLvlL1|memLvlLFB) != 0:
		return 1
	case lvl&memLvlL2 != 0:
		return 2
	case lvl&memLvlL3 != 0:
		return 3
	default:
		return 4
	}
}

// Close unmaps the rings and closes every descriptor.
func (s *PerfSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, r := range s.rings {
		if r.mmap != nil {
			if err := unix.Munmap(r.mmap); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.rings = nil
	return firstErr
}

var _ Source = (*PerfSource)(nil)
