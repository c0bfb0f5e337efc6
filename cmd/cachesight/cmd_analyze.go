// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/history"
	"github.com/milhud/cachesight/services/cachesight/report"
	"github.com/milhud/cachesight/services/cachesight/sampler"
	"github.com/milhud/cachesight/services/cachesight/session"
	"github.com/milhud/cachesight/services/cachesight/topology"
)

func runAnalyze(cmd *cobra.Command, args []string) error {
	rep, err := runAnalysis(cmd.Context(), args)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if analyzeOutput != "" {
		f, err := os.Create(analyzeOutput)
		if err != nil {
			return fmt.Errorf("create output %s: %w", analyzeOutput, err)
		}
		defer f.Close()
		out = f
	}

	if analyzeJSON {
		if err := report.RenderJSON(out, rep); err != nil {
			return err
		}
	} else if err := report.RenderText(out, rep); err != nil {
		return err
	}

	if analyzeHistoryDir != "" {
		store, err := history.Open(history.Config{Path: analyzeHistoryDir})
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Put(cmd.Context(), rep); err != nil {
			return err
		}
		slog.Info("report archived", "session_id", rep.SessionID, "dir", analyzeHistoryDir)
	}
	return nil
}

// runAnalysis assembles and executes one session from the shared
// analyze/serve flags.
func runAnalysis(ctx context.Context, sources []string) (*cachesight.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}

	topo := detectTopology(ctx)
	sess, err := session.New(opts, topo)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	for _, path := range sources {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read source %s: %w", path, err)
		}
		if err := sess.AnalyzeSource(ctx, content, path); err != nil {
			return nil, fmt.Errorf("analyze %s: %w", path, err)
		}
	}

	if analyzeSamplesFile != "" {
		if err := ingestSamplesFile(ctx, sess, analyzeSamplesFile); err != nil {
			return nil, err
		}
	}

	source, cleanup, err := selectSource(ctx)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	return sess.Run(ctx, source)
}

// timedSource stops a hardware source after its sampling window; the
// deadline ending is the normal way a perf run finishes, not an error.
type timedSource struct {
	src      sampler.Source
	duration time.Duration
}

func (t timedSource) Run(ctx context.Context, sink sampler.Sink) error {
	sampleCtx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	err := t.src.Run(sampleCtx, sink)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

func (t timedSource) Close() error { return t.src.Close() }

// selectSource picks the sample source from the flags: synthetic
// workload, hardware counters, or none (samples file only).
func selectSource(ctx context.Context) (sampler.Source, func(), error) {
	switch {
	case analyzeSynthetic:
		return syntheticWorkload(analyzeSeed), nil, nil
	case analyzePerfDuration > 0:
		src, err := sampler.NewPerfSource(sampler.Config{
			PID:          analyzePID,
			SamplePeriod: analyzeSamplePeriod,
			BatchSize:    256,
		})
		if err != nil {
			return nil, nil, err
		}
		return timedSource{src: src, duration: analyzePerfDuration},
			func() { src.Close() }, nil
	default:
		return nil, nil, nil
	}
}

// syntheticWorkload is a deterministic mixed workload: a streaming
// scan, a page-strided walk, and a contended line shared by four CPUs.
func syntheticWorkload(seed int64) sampler.Source {
	return sampler.NewSyntheticSource(seed, 256,
		sampler.SyntheticSpec{
			InstructionAddr: 0x401000,
			BaseAddr:        0x1000_0000,
			Pattern:         cachesight.AccessSequential,
			Count:           4000,
			CacheLevel:      1,
			Location:        cachesight.SourceLocation{File: "demo.c", Line: 12, Function: "stream_sum"},
		},
		sampler.SyntheticSpec{
			InstructionAddr: 0x401200,
			BaseAddr:        0x2000_0000,
			Pattern:         cachesight.AccessStrided,
			StrideBytes:     4096,
			Count:           2000,
			CacheLevel:      2,
			Location:        cachesight.SourceLocation{File: "demo.c", Line: 27, Function: "column_walk"},
		},
		sampler.SyntheticSpec{
			InstructionAddr: 0x401400,
			BaseAddr:        0x3000_0000,
			Pattern:         cachesight.AccessRandom,
			RangeBytes:      96,
			Count:           1500,
			CPUs:            4,
			CacheLevel:      1,
			WriteEvery:      2,
			Location:        cachesight.SourceLocation{File: "demo.c", Line: 44, Function: "bump_counters"},
		},
	)
}

func ingestSamplesFile(ctx context.Context, sess *session.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read samples %s: %w", path, err)
	}

	var samples []cachesight.MissSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return fmt.Errorf("parse samples %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil
	}

	const batch = 1024
	for start := 0; start < len(samples); start += batch {
		end := start + batch
		if end > len(samples) {
			end = len(samples)
		}
		if err := sess.Ingest(ctx, samples[start:end]); err != nil {
			return err
		}
	}
	slog.Info("ingested recorded samples", "file", path, "count", len(samples))
	return nil
}

// detectTopology falls back to the generic hierarchy when sysfs is
// unavailable so analysis can still run.
func detectTopology(ctx context.Context) *topology.Info {
	detectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	topo, err := topology.NewDetector().Detect(detectCtx)
	if err != nil {
		slog.Warn("topology detection failed, using defaults", "error", err)
		return topology.Default()
	}
	return topo
}
