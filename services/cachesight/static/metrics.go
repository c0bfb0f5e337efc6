// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package static

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for static analysis.
var (
	tracer = otel.Tracer("cachesight.static")
	meter  = otel.Meter("cachesight.static")
)

var (
	analyzeLatency    metric.Float64Histogram
	analyzeTotal      metric.Int64Counter
	patternsExtracted metric.Int64Histogram
	analyzeErrors     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analyzeLatency, err = meter.Float64Histogram(
			"static_analyze_duration_seconds",
			metric.WithDescription("Duration of static analysis runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeTotal, err = meter.Int64Counter(
			"static_analyze_total",
			metric.WithDescription("Total static analysis runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		patternsExtracted, err = meter.Int64Histogram(
			"static_patterns_extracted",
			metric.WithDescription("Access patterns extracted per run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeErrors, err = meter.Int64Counter(
			"static_analyze_errors_total",
			metric.WithDescription("Total static analysis failures"),
		)
	})
	return metricsErr
}

// recordAnalysis reports one completed run.
func recordAnalysis(ctx context.Context, start time.Time, patterns int, err error) {
	if initMetrics() != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("error", err != nil))
	analyzeTotal.Add(ctx, 1, attrs)
	analyzeLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		analyzeErrors.Add(ctx, 1)
		return
	}
	patternsExtracted.Record(ctx, int64(patterns))
}
