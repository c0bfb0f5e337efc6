// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns one end-to-end analysis run.
//
// # Description
//
// A Session ties a cache topology to the pipeline stages: static source
// analysis, sample collection, hotspot classification, static/dynamic
// correlation, and recommendation generation. Run drives the stages in
// order and produces a frozen Report. A stage that yields nothing
// (no qualified hotspots, no confident patterns) degrades the report
// instead of failing the run; only context cancellation and structural
// errors abort.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milhud/cachesight/services/cachesight"
	"github.com/milhud/cachesight/services/cachesight/classify"
	"github.com/milhud/cachesight/services/cachesight/collector"
	"github.com/milhud/cachesight/services/cachesight/recommend"
	"github.com/milhud/cachesight/services/cachesight/sampler"
	"github.com/milhud/cachesight/services/cachesight/static"
	"github.com/milhud/cachesight/services/cachesight/topology"
)

// Session is the aggregate owning every pipeline stage.
//
// # Thread Safety
//
// AnalyzeSource and Ingest may be called concurrently; Run must be
// called once, after producers are done or with a source that Run
// drives itself.
type Session struct {
	id   string
	opts cachesight.Options
	topo *topology.Info

	analyzer   *static.Analyzer
	coll       *collector.Collector
	classifier *classify.Classifier
	correlator *classify.Correlator
	engine     *recommend.Engine

	mu        sync.Mutex
	static    cachesight.StaticResults
	hasStatic bool
	ingested  uint64
	report    *cachesight.Report
	closed    bool

	logger *slog.Logger
}

// New validates the options and assembles the stages. A nil topology
// falls back to the generic default hierarchy.
func New(opts cachesight.Options, topo *topology.Info) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if topo == nil {
		topo = topology.Default()
	}

	id := uuid.NewString()
	return &Session{
		id:         id,
		opts:       opts,
		topo:       topo,
		analyzer:   static.NewAnalyzer(),
		coll:       collector.New(opts, topo),
		classifier: classify.NewClassifier(opts, topo),
		correlator: classify.NewCorrelator(opts),
		engine:     recommend.NewEngine(opts, topo),
		logger:     slog.Default().With("component", "session", "session_id", id),
	}, nil
}

// ID returns the session identifier used for reports and archiving.
func (s *Session) ID() string { return s.id }

// Topology returns the hierarchy the session runs against.
func (s *Session) Topology() *topology.Info { return s.topo }

// AnalyzeSource runs the static analyzer over one source file and
// accumulates the results for correlation.
func (s *Session) AnalyzeSource(ctx context.Context, content []byte, filePath string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return cachesight.ErrSessionClosed
	}

	results, err := s.analyzer.Analyze(ctx, content, filePath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.static.Patterns = append(s.static.Patterns, results.Patterns...)
	s.static.Loops = append(s.static.Loops, results.Loops...)
	s.static.Records = append(s.static.Records, results.Records...)
	s.hasStatic = true
	s.mu.Unlock()

	s.logger.Debug("analyzed source",
		"file", filePath,
		"patterns", len(results.Patterns),
		"loops", len(results.Loops))
	return nil
}

// Ingest feeds one sample batch into the collector. Its signature
// matches sampler.Sink so a Session can sit directly behind a Source.
func (s *Session) Ingest(ctx context.Context, batch []cachesight.MissSample) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return cachesight.ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.coll.AddSamples(ctx, batch); err != nil {
		return err
	}

	s.mu.Lock()
	s.ingested += uint64(len(batch))
	s.mu.Unlock()
	return nil
}

// Run executes the remaining stages and freezes the report. A non-nil
// source is drained into the collector first; a sampling failure is
// logged and analysis continues over whatever was collected.
func (s *Session) Run(ctx context.Context, source sampler.Source) (*cachesight.Report, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, cachesight.ErrSessionClosed
	}
	s.mu.Unlock()

	if source != nil {
		if err := source.Run(ctx, s.Ingest); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sampling failed, continuing with collected samples", "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.coll.Finalize(); err != nil {
		return nil, err
	}

	hotspots, err := s.coll.Hotspots()
	switch {
	case errors.Is(err, cachesight.ErrNoHotspots):
		s.logger.Info("no hotspots qualified")
		hotspots = nil
	case err != nil:
		return nil, err
	}

	var staticResults *cachesight.StaticResults
	s.mu.Lock()
	if s.hasStatic {
		snapshot := s.static
		staticResults = &snapshot
	}
	s.mu.Unlock()

	if staticResults != nil {
		s.correlator.RefineHotspots(hotspots, staticResults)
	}

	var patterns []cachesight.ClassifiedPattern
	if len(hotspots) > 0 {
		patterns, err = s.classifier.Classify(ctx, hotspots)
		if err != nil && !errors.Is(err, cachesight.ErrNoHotspots) {
			return nil, err
		}
	}
	if staticResults != nil {
		patterns = s.correlator.Correlate(patterns, staticResults)
	}

	recs, err := s.engine.Recommend(ctx, patterns)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = &cachesight.Report{
		SessionID:       s.id,
		GeneratedAt:     time.Now().UTC(),
		Topology:        s.topo,
		Static:          staticResults,
		Hotspots:        hotspots,
		Patterns:        patterns,
		Recommendations: recs,
		SamplesIngested: s.ingested,
		SamplesDropped:  s.coll.DroppedSamples(),
	}

	s.logger.Info("session complete",
		"hotspots", len(hotspots),
		"patterns", len(patterns),
		"recommendations", len(recs))
	return s.report, nil
}

// Report returns the last finished report, or nil before Run. It
// satisfies the report server's Provider interface.
func (s *Session) Report() *cachesight.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Close marks the session unusable; the frozen report stays readable.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
