// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sampler produces cache-miss samples for the collector.
//
// # Description
//
// A Source pushes batches of miss samples into a caller-supplied sink
// until its input is exhausted or the context is cancelled. Two sources
// exist: a Linux perf_event_open source reading hardware miss events,
// and a deterministic synthetic source used for tests and dry runs.
package sampler

import (
	"context"

	"github.com/milhud/cachesight/services/cachesight"
)

// Sink receives one batch of samples. A non-nil error stops the source.
type Sink func(ctx context.Context, batch []cachesight.MissSample) error

// Source pushes miss-sample batches into a sink.
type Source interface {
	// Run delivers batches until the source drains, the context is
	// cancelled, or the sink returns an error. Run returns the sink's
	// error unchanged.
	Run(ctx context.Context, sink Sink) error

	// Close releases any OS resources. Safe to call more than once.
	Close() error
}

// Config tunes a hardware sampling source.
type Config struct {
	// PID is the process to observe; 0 means the calling process and
	// -1 means every process on the sampled CPUs.
	PID int `yaml:"pid"`

	// SamplePeriod records one sample every N miss events.
	SamplePeriod uint64 `yaml:"sample_period"`

	// BatchSize is the number of samples delivered per sink call.
	BatchSize int `yaml:"batch_size"`

	// CPUs restricts sampling to the listed CPUs; empty means all.
	CPUs []int `yaml:"cpus"`
}

// DefaultConfig samples every 1000th L1D read miss in batches of 256.
func DefaultConfig() Config {
	return Config{
		PID:          -1,
		SamplePeriod: 1000,
		BatchSize:    256,
	}
}
