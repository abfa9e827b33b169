// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"os"
	"reflect"

	"github.com/juju/tc"
)

// CleanupFunc runs during test or suite teardown, in reverse order of
// registration.
type CleanupFunc func(*tc.C)

// CleanupSuite adds stacked cleanup support to a suite. Cleanups
// registered during a test run at TearDownTest; cleanups registered
// during SetUpSuite run at TearDownSuite.
type CleanupSuite struct {
	testStack  []CleanupFunc
	suiteStack []CleanupFunc
	inTest     bool
}

func (s *CleanupSuite) SetUpSuite(_ *tc.C) {
	s.suiteStack = nil
	s.inTest = false
}

func (s *CleanupSuite) TearDownSuite(c *tc.C) {
	s.callStack(c, s.suiteStack)
	s.suiteStack = nil
}

func (s *CleanupSuite) SetUpTest(_ *tc.C) {
	s.testStack = nil
	s.inTest = true
}

func (s *CleanupSuite) TearDownTest(c *tc.C) {
	s.inTest = false
	s.callStack(c, s.testStack)
	s.testStack = nil
}

func (s *CleanupSuite) callStack(c *tc.C, stack []CleanupFunc) {
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i](c)
	}
}

// AddCleanup pushes the cleanup function onto the stack of functions to
// be called during TearDownTest or TearDownSuite, whichever comes next.
func (s *CleanupSuite) AddCleanup(cleanup CleanupFunc) {
	if s.inTest {
		s.testStack = append(s.testStack, cleanup)
		return
	}
	s.suiteStack = append(s.suiteStack, cleanup)
}

// PatchValue sets the variable pointed to by dest to value for the
// duration of the current test, restoring the original afterwards. The
// two arguments must be assignment compatible or PatchValue panics.
func (s *CleanupSuite) PatchValue(dest, value interface{}) {
	rd := reflect.ValueOf(dest).Elem()
	old := reflect.New(rd.Type()).Elem()
	old.Set(rd)
	rd.Set(reflect.ValueOf(value))
	s.AddCleanup(func(*tc.C) {
		rd.Set(old)
	})
}

// PatchEnvironment sets an environment variable for the duration of the
// current test, restoring the previous value afterwards.
func (s *CleanupSuite) PatchEnvironment(name, value string) {
	old, existed := os.LookupEnv(name)
	_ = os.Setenv(name, value)
	s.AddCleanup(func(*tc.C) {
		if existed {
			_ = os.Setenv(name, old)
			return
		}
		_ = os.Unsetenv(name)
	})
}
