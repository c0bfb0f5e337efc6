// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package static

import "errors"

// Sentinel errors for the static analyzer.
var (
	// ErrFileTooLarge is returned when input exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")

	// ErrInvalidUTF8 is returned for content that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("content is not valid UTF-8")

	// ErrParseFailed is returned when tree-sitter produces no tree.
	ErrParseFailed = errors.New("parse produced no syntax tree")
)
