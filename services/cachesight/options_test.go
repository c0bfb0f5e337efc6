// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cachesight

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		errSub string
	}{
		{
			name:   "negative min samples",
			mutate: func(o *Options) { o.MinSamplesPerHotspot = -1 },
			errSub: "min_samples_per_hotspot",
		},
		{
			name:   "miss rate above one",
			mutate: func(o *Options) { o.HotspotMissRateThreshold = 1.5 },
			errSub: "hotspot_miss_rate_threshold",
		},
		{
			name:   "zero max hotspots",
			mutate: func(o *Options) { o.MaxHotspots = 0 },
			errSub: "max_hotspots",
		},
		{
			name:   "alignment not a power of two",
			mutate: func(o *Options) { o.FunctionKeyAlignment = 3000 },
			errSub: "function_key_alignment",
		},
		{
			name:   "zero alignment",
			mutate: func(o *Options) { o.FunctionKeyAlignment = 0 },
			errSub: "function_key_alignment",
		},
		{
			name:   "confidence out of range",
			mutate: func(o *Options) { o.ClassifierMinConfidence = -0.1 },
			errSub: "classifier_min_confidence",
		},
		{
			name:   "zero recommendations cap",
			mutate: func(o *Options) { o.EngineMaxRecommendationsPerPattern = 0 },
			errSub: "engine_max_recommendations_per_pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestLoadOptionsOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_hotspots: 50\nclassifier_min_confidence: 0.8\n"), 0600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, 50, opts.MaxHotspots)
	assert.Equal(t, 0.8, opts.ClassifierMinConfidence)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint64(4096), opts.FunctionKeyAlignment)
	assert.Equal(t, 10, opts.MinSamplesPerHotspot)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadOptionsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_hotspots: -2\n"), 0600))

	_, err := LoadOptions(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_hotspots")
}
