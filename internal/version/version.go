/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package version holds the build information stamped into the binary with -ldflags -X.
package version

import (
	"bytes"
	"strconv"
	"time"
)

const DevelopmentVersion = "dev"

var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

// BuildTime serializes as an RFC 3339 string, or null when the build time is unknown.
type BuildTime struct {
	time.Time
}

func (t BuildTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.Format(time.RFC3339))), nil
}

func (t *BuildTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	unquoted, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, unquoted)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type Info struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash,omitempty"`
	BuildTime  BuildTime `json:"buildTimestamp"`
}

// Current returns the version information of the running binary.
// BuildTimestamp may be either Unix seconds or an RFC 3339 string.
func Current() Info {
	info := Info{Version: ProductVersion, CommitHash: CommitHash}
	if info.Version == "" {
		info.Version = DevelopmentVersion
	}

	if BuildTimestamp != "" {
		if seconds, err := strconv.ParseInt(BuildTimestamp, 10, 64); err == nil {
			info.BuildTime = BuildTime{time.Unix(seconds, 0).UTC()}
		} else if parsed, parseErr := time.Parse(time.RFC3339, BuildTimestamp); parseErr == nil {
			info.BuildTime = BuildTime{parsed}
		}
	}

	return info
}
