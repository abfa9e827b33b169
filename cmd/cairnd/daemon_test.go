// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"
	"syscall"
	stdtesting "testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/tc"
	"go.uber.org/goleak"

	loggertesting "github.com/canonical/cairn/internal/logger/testing"
	"github.com/canonical/cairn/internal/testhelpers"
)

// daemonSuite runs the daemon whole: real engine, real loader, real
// exec operator, with only the signal channel under test control.
type daemonSuite struct {
	dataDir  string
	unitsDir string
	signals  chan os.Signal
}

func TestDaemonSuite(t *stdtesting.T) {
	defer goleak.VerifyNone(t)
	tc.Run(t, &daemonSuite{})
}

func (s *daemonSuite) SetUpTest(c *tc.C) {
	s.dataDir = c.MkDir()
	s.unitsDir = c.MkDir()
	s.signals = make(chan os.Signal, 8)
}

func (s *daemonSuite) writeUnit(c *tc.C, name, content string) {
	path := filepath.Join(s.unitsDir, name+".yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, tc.ErrorIsNil)
}

func (s *daemonSuite) startDaemon(c *tc.C) <-chan int {
	cfg := DefaultConfig()
	cfg.DataDir = s.dataDir
	cfg.UnitsDir = s.unitsDir
	c.Assert(cfg.Validate(), tc.ErrorIsNil)
	d := newDaemon(cfg, loggertesting.WrapCheckLog(c), clock.WallClock, s.signals)
	done := make(chan int, 1)
	go func() { done <- d.Run(c.Context()) }()
	return done
}

func (s *daemonSuite) waitExit(c *tc.C, done <-chan int) int {
	select {
	case code := <-done:
		return code
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for the daemon to exit")
	}
	return -1
}

func (s *daemonSuite) waitFile(c *tc.C, path string) {
	deadline := time.Now().Add(testhelpers.LongWait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for %s", path)
}

func (s *daemonSuite) TestRunBootsAndExitsOnSignal(c *tc.C) {
	sentinel := filepath.Join(c.MkDir(), "hello-ran")
	s.writeUnit(c, "default.target", `
description: Test Boot Target
dependencies:
  wants: [hello.service]
  after: [hello.service]
`)
	s.writeUnit(c, "hello.service", `
description: Boot Greeter
payload:
  type: oneshot
  exec-start: touch `+sentinel+`
`)

	done := s.startDaemon(c)
	s.waitFile(c, sentinel)

	// Housekeeping signals must leave the daemon running.
	s.signals <- syscall.SIGHUP
	s.signals <- syscall.SIGUSR2

	s.signals <- syscall.SIGTERM
	c.Check(s.waitExit(c, done), tc.Equals, 0)

	_, err := os.Stat(filepath.Join(s.dataDir, ledgerFile))
	c.Check(err, tc.ErrorIsNil)
}

func (s *daemonSuite) TestRunAgainAfterShutdown(c *tc.C) {
	sentinel := filepath.Join(c.MkDir(), "hello-ran")
	s.writeUnit(c, "default.target", `
dependencies:
  wants: [hello.service]
`)
	s.writeUnit(c, "hello.service", `
payload:
  type: oneshot
  exec-start: touch `+sentinel+`
`)

	done := s.startDaemon(c)
	s.waitFile(c, sentinel)
	s.signals <- syscall.SIGTERM
	c.Assert(s.waitExit(c, done), tc.Equals, 0)

	// The saved ledger recorded the exit target as reached. A second
	// run must still be able to leave on demand.
	done = s.startDaemon(c)
	s.signals <- syscall.SIGTERM
	c.Check(s.waitExit(c, done), tc.Equals, 0)
}

func (s *daemonSuite) TestRunForcedExit(c *tc.C) {
	s.writeUnit(c, "default.target", `
dependencies:
  wants: [doomed.service]
`)
	s.writeUnit(c, "doomed.service", `
payload:
  type: oneshot
  exec-start: "false"
failure-action: exit-force
`)

	done := s.startDaemon(c)
	c.Check(s.waitExit(c, done), tc.Equals, 0)

	// Forced exits leave without writing state.
	_, err := os.Stat(filepath.Join(s.dataDir, ledgerFile))
	c.Check(err, tc.ErrorIs, os.ErrNotExist)
}
