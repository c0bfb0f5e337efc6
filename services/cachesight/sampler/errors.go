// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sampler

import "errors"

var (
	// ErrUnsupported is returned when hardware sampling is unavailable
	// on this platform or kernel configuration.
	ErrUnsupported = errors.New("hardware sampling not supported on this platform")

	// ErrClosed is returned by Run on a closed source.
	ErrClosed = errors.New("sampler source is closed")
)
