// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the version number of the running daemon.
package version

import (
	semversion "github.com/juju/version/v2"
)

const version = "0.9.2"

// Current is the version of the code that is currently running.
var Current = semversion.MustParse(version)
