// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package version holds build-time version metadata, populated via
// -ldflags at release build time.
package version

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the full version string shown in the command's long
// help text.
func String() string {
	return Version + " (" + Commit + ", built " + BuildTime + ")"
}
