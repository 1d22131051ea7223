/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version reports build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the current version of actuatord.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/actuator/internal/version.Version=X.Y.Z
var Version = "0.1.0"

// Commit is the VCS revision, when known.
var Commit = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information, falling back to the embedded VCS revision.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, GoVersion: runtime.Version()}
	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					info.Commit = s.Value[:7]
				}
			}
		}
	}
	return info
}

// String renders the build for the version command.
func (i Info) String() string {
	if i.Commit == "" {
		return fmt.Sprintf("actuatord %s (%s)", i.Version, i.GoVersion)
	}
	return fmt.Sprintf("actuatord %s+%s (%s)", i.Version, i.Commit, i.GoVersion)
}
