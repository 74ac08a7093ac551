/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at link time with -ldflags "-X".
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string `json:"version"`
	CommitHash string `json:"commitHash,omitempty"`
	BuildTime  string `json:"buildTimestamp,omitempty"`
	GoVersion  string `json:"goVersion"`
}

// Version reports the link-time version information. Values that were not set at link time
// are taken from the VCS data the Go toolchain embeds in the binary, if any.
func Version() VersionOutput {
	out := VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		BuildTime:  normalizeTimestamp(BuildTimestamp),
		GoVersion:  runtime.Version(),
	}
	if out.Version == "" {
		out.Version = DevelopmentVersion
	}

	if info, found := debug.ReadBuildInfo(); found {
		for _, setting := range info.Settings {
			switch {
			case setting.Key == "vcs.revision" && out.CommitHash == "":
				out.CommitHash = setting.Value
			case setting.Key == "vcs.time" && out.BuildTime == "":
				out.BuildTime = normalizeTimestamp(setting.Value)
			}
		}
	}

	return out
}

// normalizeTimestamp accepts Unix seconds or RFC 3339 and returns RFC 3339 (UTC), or "" if the value is not recognized.
func normalizeTimestamp(value string) string {
	if value == "" {
		return ""
	}
	if seconds, parseErr := strconv.ParseInt(value, 10, 64); parseErr == nil {
		return time.Unix(seconds, 0).UTC().Format(time.RFC3339)
	}
	if parsed, parseErr := time.Parse(time.RFC3339, value); parseErr == nil {
		return parsed.UTC().Format(time.RFC3339)
	}
	return ""
}
