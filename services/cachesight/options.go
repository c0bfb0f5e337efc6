// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cachesight

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options configures every stage of the pipeline.
//
// # Description
//
// Options is supplied once at session construction and treated as
// read-only afterwards. Zero values are not meaningful; start from
// DefaultOptions and override.
type Options struct {
	// MinSamplesPerHotspot drops hotspots with fewer samples from the
	// exported snapshot.
	MinSamplesPerHotspot int `yaml:"min_samples_per_hotspot"`

	// HotspotMissRateThreshold drops hotspots below this miss rate.
	HotspotMissRateThreshold float64 `yaml:"hotspot_miss_rate_threshold"`

	// AggregateByFunction keys hotspots by instruction address masked to
	// FunctionKeyAlignment instead of the exact address.
	AggregateByFunction bool `yaml:"aggregate_by_function"`

	// FunctionKeyAlignment is the mask granularity for function-grained
	// aggregation. Must be a power of two.
	FunctionKeyAlignment uint64 `yaml:"function_key_alignment"`

	// DetectFalseSharing enables the false-sharing flag during Finalize.
	DetectFalseSharing bool `yaml:"detect_false_sharing"`

	// MaxHotspots caps the number of distinct aggregation keys; samples
	// for new keys beyond the cap are dropped with a warning.
	MaxHotspots int `yaml:"max_hotspots"`

	// ClassifierMinConfidence filters classified patterns below this
	// confidence.
	ClassifierMinConfidence float64 `yaml:"classifier_min_confidence"`

	// StreamingRangeCutoff is the address-range size above which a
	// sequential high-miss pattern is considered streaming.
	StreamingRangeCutoff uint64 `yaml:"streaming_range_cutoff"`

	// EngineMinExpectedImprovement drops recommendations promising less
	// than this percentage.
	EngineMinExpectedImprovement float64 `yaml:"engine_min_expected_improvement"`

	// EngineMaxRecommendationsPerPattern caps advice per classified
	// pattern.
	EngineMaxRecommendationsPerPattern int `yaml:"engine_max_recommendations_per_pattern"`

	// EngineConsiderCompilerFlags attaches per-kind compiler flags.
	EngineConsiderCompilerFlags bool `yaml:"engine_consider_compiler_flags"`

	// CorrelatorLineWindowPatterns is the static-pattern proximity window
	// in source lines.
	CorrelatorLineWindowPatterns int `yaml:"correlator_line_window_patterns"`

	// CorrelatorLineWindowLoops is the static-loop proximity window in
	// source lines.
	CorrelatorLineWindowLoops int `yaml:"correlator_line_window_loops"`
}

// DefaultOptions reproduces the thresholds of the reference behavior.
func DefaultOptions() Options {
	return Options{
		MinSamplesPerHotspot:               10,
		HotspotMissRateThreshold:           0.01,
		AggregateByFunction:                false,
		FunctionKeyAlignment:               4096,
		DetectFalseSharing:                 true,
		MaxHotspots:                        1000,
		ClassifierMinConfidence:            0.6,
		StreamingRangeCutoff:               1 << 20,
		EngineMinExpectedImprovement:       10.0,
		EngineMaxRecommendationsPerPattern: 10,
		EngineConsiderCompilerFlags:        true,
		CorrelatorLineWindowPatterns:       10,
		CorrelatorLineWindowLoops:          20,
	}
}

// Validate reports the first structural problem in the options.
func (o Options) Validate() error {
	if o.MinSamplesPerHotspot < 0 {
		return fmt.Errorf("min_samples_per_hotspot must not be negative, got %d", o.MinSamplesPerHotspot)
	}
	if o.HotspotMissRateThreshold < 0 || o.HotspotMissRateThreshold > 1 {
		return fmt.Errorf("hotspot_miss_rate_threshold %f out of [0,1]", o.HotspotMissRateThreshold)
	}
	if o.MaxHotspots <= 0 {
		return fmt.Errorf("max_hotspots must be positive, got %d", o.MaxHotspots)
	}
	if o.FunctionKeyAlignment == 0 || o.FunctionKeyAlignment&(o.FunctionKeyAlignment-1) != 0 {
		return fmt.Errorf("function_key_alignment %d is not a power of two", o.FunctionKeyAlignment)
	}
	if o.ClassifierMinConfidence < 0 || o.ClassifierMinConfidence > 1 {
		return fmt.Errorf("classifier_min_confidence %f out of [0,1]", o.ClassifierMinConfidence)
	}
	if o.EngineMaxRecommendationsPerPattern <= 0 {
		return fmt.Errorf("engine_max_recommendations_per_pattern must be positive, got %d",
			o.EngineMaxRecommendationsPerPattern)
	}
	return nil
}

// LoadOptions reads YAML overrides on top of the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("validate options %s: %w", path, err)
	}
	return opts, nil
}
