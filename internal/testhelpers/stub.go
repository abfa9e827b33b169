// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/tc"
)

// StubCall records the name of a called function and the passed args.
type StubCall struct {
	// FuncName is the name of the function that was called.
	FuncName string

	// Args is the set of arguments passed to the function. They are
	// in the same order as the function's parameters.
	Args []interface{}
}

// Stub is used in testing to stand in for some other value, to record
// all calls to stubbed methods/functions, and to allow users to set the
// values that are returned from those calls. Stub is intended to be
// embedded in another struct that will define the methods to track:
//
//	type stubConn struct {
//	    *testhelpers.Stub
//	    Response []byte
//	}
//
//	func (c *stubConn) Send(request string) ([]byte, error) {
//	    c.AddCall("Send", request)
//	    return c.Response, c.NextErr()
//	}
//
// As demonstrated in the example, embed a pointer to testhelpers.Stub.
// This allows a single Stub to be shared between multiple stubs.
//
// Error return values are set through Stub.SetErrors. Each call
// pops the next error off the queue; a nil entry means the
// corresponding call succeeds.
//
// To validate calls made to the stub in a test, call the CheckCalls
// (or CheckCall) method:
//
//	s.stub.CheckCalls(c, []testhelpers.StubCall{{
//	    FuncName: "Send",
//	    Args: []interface{}{
//	        expected,
//	    },
//	}})
type Stub struct {
	mu sync.Mutex

	// calls is the list of calls that have been registered on the stub
	// (i.e. made on the stub's methods), in the order that they were
	// made.
	calls []StubCall

	// errors holds the list of error return values to use for
	// successive calls to methods that return an error. Each call
	// pops the next error off the list.
	errors []error
}

// NextErr returns the error that should be returned on the nth call to
// any method on the stub. It should be called for the error return in
// all stubbed methods.
func (f *Stub) NextErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errors) == 0 {
		return nil
	}
	err := f.errors[0]
	f.errors = f.errors[1:]
	return err
}

// PopNoErr pops off the next error without returning it. If the error
// is not nil then PopNoErr will panic.
//
// PopNoErr is useful in stub methods that do not return an error.
func (f *Stub) PopNoErr() {
	if err := f.NextErr(); err != nil {
		panic(errors.Errorf("expected a nil error, got %v", err))
	}
}

// AddCall records a stubbed function call for later inspection using
// the CheckCalls method. All stubbed functions should call AddCall.
func (f *Stub) AddCall(funcName string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, StubCall{
		FuncName: funcName,
		Args:     args,
	})
}

// SetErrors sets the sequence of error returns for the stub. Each call
// to NextErr (thus each stub method call) pops an error off the front.
// So frontloading nil here will allow calls to pass, followed by a
// failure.
func (f *Stub) SetErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = errs
}

// Calls returns the list of calls that have been registered on the
// stub (i.e. made on the stub's methods), in the order that they were
// made.
func (f *Stub) Calls() []StubCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return nil
	}
	v := make([]StubCall, len(f.calls))
	copy(v, f.calls)
	return v
}

// ResetCalls erases the calls recorded by this Stub.
func (f *Stub) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// CheckCalls verifies that the history of calls on the stub's methods
// matches the expected calls.
func (f *Stub) CheckCalls(c *tc.C, expected []StubCall) {
	if !f.CheckCallNames(c, stubCallNames(expected...)...) {
		return
	}
	c.Check(f.Calls(), tc.DeepEquals, expected)
}

// CheckCall checks the recorded call at the given index against the
// provided values. If the index is out of bounds then the check fails.
func (f *Stub) CheckCall(c *tc.C, index int, funcName string, args ...interface{}) {
	calls := f.Calls()
	if !c.Check(index < len(calls), tc.IsTrue, tc.Commentf("calls index %d out of range", index)) {
		return
	}
	call := calls[index]
	expected := StubCall{
		FuncName: funcName,
		Args:     args,
	}
	c.Check(call, tc.DeepEquals, expected)
}

// CheckCallNames verifies that the in-order list of called method names
// matches the expected calls.
func (f *Stub) CheckCallNames(c *tc.C, expected ...string) bool {
	funcNames := stubCallNames(f.Calls()...)
	return c.Check(funcNames, tc.DeepEquals, expected)
}

// CheckNoCalls verifies that none of the stub's methods have been
// called.
func (f *Stub) CheckNoCalls(c *tc.C) {
	f.CheckCalls(c, nil)
}

func stubCallNames(calls ...StubCall) []string {
	var funcNames []string
	for _, call := range calls {
		funcNames = append(funcNames, call.FuncName)
	}
	return funcNames
}
