// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testhelpers carries the suite scaffolding and timing
// constants shared by the test packages of this module.
package testhelpers

import (
	"github.com/juju/tc"
)

// IsolationSuite is the base suite for tests that must not leak state:
// it stacks cleanups and captures log output per test. Embed it and
// call through on any lifecycle methods you override.
type IsolationSuite struct {
	CleanupSuite
	LoggingSuite
}

func (s *IsolationSuite) SetUpSuite(c *tc.C) {
	s.CleanupSuite.SetUpSuite(c)
	s.LoggingSuite.SetUpSuite(c)
}

func (s *IsolationSuite) TearDownSuite(c *tc.C) {
	s.LoggingSuite.TearDownSuite(c)
	s.CleanupSuite.TearDownSuite(c)
}

func (s *IsolationSuite) SetUpTest(c *tc.C) {
	s.CleanupSuite.SetUpTest(c)
	s.LoggingSuite.SetUpTest(c)
}

func (s *IsolationSuite) TearDownTest(c *tc.C) {
	s.LoggingSuite.TearDownTest(c)
	s.CleanupSuite.TearDownTest(c)
}
