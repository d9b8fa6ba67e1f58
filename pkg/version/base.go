// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package version

// Version holds the engine version. It is set at build time with
// -ldflags "-X github.com/santemesh/hie/pkg/version.Version=1.2.3".
var Version = "0.0.0-devel"

// Commit is the git commit the binary was built from.
var Commit = ""

// Full returns the version string with the commit suffix when available.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}
