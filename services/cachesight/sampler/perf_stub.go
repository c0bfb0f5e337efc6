// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build !linux

package sampler

import "context"

// PerfSource is only implemented on Linux.
type PerfSource struct{}

// NewPerfSource always fails off Linux.
func NewPerfSource(Config) (*PerfSource, error) {
	return nil, ErrUnsupported
}

func (*PerfSource) Run(context.Context, Sink) error { return ErrUnsupported }

func (*PerfSource) Close() error { return nil }

var _ Source = (*PerfSource)(nil)
