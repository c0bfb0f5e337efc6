// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("cachesight %s (%s) %s/%s\n", version, commit, runtime.GOOS, runtime.GOARCH)
}
