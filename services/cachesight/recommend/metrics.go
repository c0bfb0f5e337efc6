// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recommend

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("cachesight.recommend")
	meter  = otel.Meter("cachesight.recommend")
)

var (
	generateLatency metric.Float64Histogram
	emittedCount    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		generateLatency, err = meter.Float64Histogram(
			"recommend_duration_seconds",
			metric.WithDescription("Duration of recommendation generation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		emittedCount, err = meter.Int64Histogram(
			"recommend_emitted",
			metric.WithDescription("Recommendations emitted per run"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordGeneration(ctx context.Context, start time.Time, emitted int) {
	if initMetrics() != nil {
		return
	}
	generateLatency.Record(ctx, time.Since(start).Seconds())
	emittedCount.Record(ctx, int64(emitted))
}
