// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cachesight

import (
	"time"

	"github.com/milhud/cachesight/services/cachesight/topology"
)

// Report is the frozen output of one analysis session. Renderers and
// the history store consume it as an immutable value.
type Report struct {
	// SessionID identifies the producing session.
	SessionID string `json:"session_id"`

	// GeneratedAt is the wall-clock finalization time.
	GeneratedAt time.Time `json:"generated_at"`

	// Topology is the cache hierarchy the session ran against.
	Topology *topology.Info `json:"topology,omitempty"`

	// Static holds the source-analysis results, when sources were given.
	Static *StaticResults `json:"static,omitempty"`

	// Hotspots are the qualified, finalized hotspots in export order.
	Hotspots []*Hotspot `json:"hotspots"`

	// Patterns are the classified and correlated anti-patterns.
	Patterns []ClassifiedPattern `json:"patterns"`

	// Recommendations is the ranked advice list.
	Recommendations []Recommendation `json:"recommendations"`

	// SamplesIngested and SamplesDropped summarize collection.
	SamplesIngested uint64 `json:"samples_ingested"`
	SamplesDropped  uint64 `json:"samples_dropped"`
}
