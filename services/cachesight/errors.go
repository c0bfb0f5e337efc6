// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cachesight

import "errors"

// Sentinel errors for the analysis pipeline.
var (
	// ErrEmptyBatch indicates an AddSamples call with no samples.
	ErrEmptyBatch = errors.New("sample batch is empty")

	// ErrNotFinalized indicates a hotspot read before Finalize.
	ErrNotFinalized = errors.New("collector not finalized")

	// ErrFinalized indicates a mutation after Finalize.
	ErrFinalized = errors.New("collector already finalized")

	// ErrNoHotspots indicates classification was requested with no input.
	ErrNoHotspots = errors.New("no hotspots to classify")

	// ErrInvalidSample indicates a sample with an out-of-range field.
	ErrInvalidSample = errors.New("sample has invalid field values")

	// ErrSessionClosed indicates use of a session after Close.
	ErrSessionClosed = errors.New("session closed")
)
