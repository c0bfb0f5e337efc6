// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("cachesight.classify")
	meter  = otel.Meter("cachesight.classify")
)

var (
	classifyLatency metric.Float64Histogram
	patternsEmitted metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		classifyLatency, err = meter.Float64Histogram(
			"classify_duration_seconds",
			metric.WithDescription("Duration of classification runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		patternsEmitted, err = meter.Int64Histogram(
			"classify_patterns_emitted",
			metric.WithDescription("Classified patterns emitted per run"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordClassification(ctx context.Context, start time.Time, emitted int) {
	if initMetrics() != nil {
		return
	}
	classifyLatency.Record(ctx, time.Since(start).Seconds())
	patternsEmitted.Record(ctx, int64(emitted))
}
