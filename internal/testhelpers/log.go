// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"fmt"
	"path/filepath"

	"github.com/juju/loggo/v2"
	"github.com/juju/tc"
)

const loggingSuiteWriterName = "test-output"

// LoggingSuite redirects the default logging context into the test log
// for the duration of each test, so that test failures carry the log
// lines that led up to them.
type LoggingSuite struct{}

type testWriter struct {
	c *tc.C
}

// Write implements loggo.Writer.
func (w testWriter) Write(entry loggo.Entry) {
	w.c.Logf("%s %s %s %s",
		entry.Level.String(),
		entry.Module,
		fmt.Sprintf("%s:%d", filepath.Base(entry.Filename), entry.Line),
		entry.Message,
	)
}

func (s *LoggingSuite) SetUpSuite(c *tc.C)    { s.reset(c) }
func (s *LoggingSuite) TearDownSuite(_ *tc.C) { s.teardown() }
func (s *LoggingSuite) SetUpTest(c *tc.C)     { s.reset(c) }
func (s *LoggingSuite) TearDownTest(_ *tc.C)  { s.teardown() }

func (s *LoggingSuite) reset(c *tc.C) {
	s.teardown()
	context := loggo.DefaultContext()
	context.ResetLoggerLevels()
	if err := context.AddWriter(loggingSuiteWriterName, testWriter{c: c}); err != nil {
		c.Logf("unable to redirect logging: %v", err)
	}
	if err := loggo.ConfigureLoggers("<root>=DEBUG"); err != nil {
		c.Logf("unable to configure logging: %v", err)
	}
}

func (s *LoggingSuite) teardown() {
	_, _ = loggo.RemoveWriter(loggingSuiteWriterName)
	loggo.DefaultContext().ResetLoggerLevels()
}
