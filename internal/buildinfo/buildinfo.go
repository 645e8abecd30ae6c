// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent on every outbound request that is not made on behalf of an extension.
var UserAgent = fmt.Sprintf("tsuki/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)

// String returns a one line description of the build.
func String() string {
	s := fmt.Sprintf("tsuki %s", Version)
	if Commit != "" {
		s += fmt.Sprintf(" (%s)", Commit)
	}
	if Date != "" {
		s += " built " + Date
	}
	return s
}
