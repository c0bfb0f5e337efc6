// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command cachesight diagnoses cache and memory-hierarchy problems.
//
// It combines static C source analysis with hardware (or synthetic)
// miss samples, classifies the observed access patterns, and emits
// ranked optimization recommendations.
//
// Usage:
//
//	cachesight topology
//	cachesight analyze --synthetic kernel.c
//	cachesight analyze --perf 10s --pid 1234 kernel.c
//	cachesight serve --synthetic --addr :8080 kernel.c
//	cachesight history list --dir ~/.cachesight
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
