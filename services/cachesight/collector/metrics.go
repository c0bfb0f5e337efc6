// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cachesight_collector_samples_ingested_total",
		Help: "Miss samples accepted into hotspot buckets.",
	})

	samplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cachesight_collector_samples_dropped_total",
		Help: "Miss samples skipped for invalid fields or bucket caps.",
	})

	hotspotCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cachesight_collector_hotspots",
		Help: "Distinct aggregation keys currently tracked.",
	})
)

func recordIngest(accepted, dropped, buckets int) {
	samplesIngested.Add(float64(accepted))
	samplesDropped.Add(float64(dropped))
	hotspotCount.Set(float64(buckets))
}
