// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package execoperator_test

import (
	"context"
	"os"
	"path/filepath"
	stdtesting "testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/tc"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/goleak"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
	"github.com/canonical/cairn/internal/engine"
	loggertesting "github.com/canonical/cairn/internal/logger/testing"
	"github.com/canonical/cairn/internal/testhelpers"
	"github.com/canonical/cairn/internal/worker/execoperator"
)

// operatorSuite runs the operator against real host processes, with a
// recorder standing in for the engine.
type operatorSuite struct {
	clock    *testclock.Clock
	recorder *recorder
}

func TestOperatorSuite(t *stdtesting.T) {
	defer goleak.VerifyNone(t)
	tc.Run(t, &operatorSuite{})
}

func (s *operatorSuite) SetUpTest(c *tc.C) {
	s.clock = testclock.NewClock(time.Date(2030, 7, 14, 3, 14, 15, 0, time.UTC))
	s.recorder = newRecorder()
}

func (s *operatorSuite) getConfig(c *tc.C) execoperator.Config {
	return execoperator.Config{
		Logger: loggertesting.WrapCheckLog(c),
		Clock:  s.clock,
	}
}

func (s *operatorSuite) newOperator(c *tc.C) *execoperator.Operator {
	op, err := execoperator.New(s.getConfig(c))
	c.Assert(err, tc.ErrorIsNil)
	op.Bind(s.recorder)
	return op
}

func (s *operatorSuite) nextResult(c *tc.C) resultDelivery {
	select {
	case d := <-s.recorder.results:
		return d
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for a job result")
	}
	return resultDelivery{}
}

func (s *operatorSuite) nextState(c *tc.C) stateDelivery {
	select {
	case d := <-s.recorder.states:
		return d
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for a unit state")
	}
	return stateDelivery{}
}

func (s *operatorSuite) checkNoStates(c *tc.C) {
	select {
	case d := <-s.recorder.states:
		c.Fatalf("unexpected unit state %v", d)
	default:
	}
}

func serviceOp(id job.ID, name string, payload map[string]string) engine.Operation {
	return engine.Operation{
		Job:     id,
		Unit:    unit.Name(name),
		Type:    unit.TypeService,
		Payload: payload,
	}
}

func (s *operatorSuite) TestValidateConfig(c *tc.C) {
	cfg := s.getConfig(c)
	cfg.Logger = nil
	_, err := execoperator.New(cfg)
	c.Check(err, tc.ErrorIs, errors.NotValid)

	cfg = s.getConfig(c)
	cfg.Clock = nil
	_, err = execoperator.New(cfg)
	c.Check(err, tc.ErrorIs, errors.NotValid)
}

func (s *operatorSuite) TestStartSimple(c *tc.C) {
	op := s.newOperator(c)

	err := op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start": "sleep 60",
	}))
	c.Assert(err, tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})

	workertest.CleanKill(c, op)
	s.checkNoStates(c)
}

func (s *operatorSuite) TestSimpleExitReported(c *tc.C) {
	op := s.newOperator(c)

	start := serviceOp(1, "svc.service", map[string]string{"exec-start": "true"})
	start.InvocationID = "inv-1"
	c.Assert(op.Start(c.Context(), start), tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})
	c.Check(s.nextState(c), tc.DeepEquals, stateDelivery{
		unit: "svc.service", state: unit.Inactive, invocationID: "inv-1",
	})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestSimpleFailureReported(c *tc.C) {
	op := s.newOperator(c)

	start := serviceOp(1, "svc.service", map[string]string{"exec-start": "false"})
	start.InvocationID = "inv-2"
	c.Assert(op.Start(c.Context(), start), tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})
	c.Check(s.nextState(c), tc.DeepEquals, stateDelivery{
		unit: "svc.service", state: unit.Failed, invocationID: "inv-2",
	})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestStartMissingBinary(c *tc.C) {
	op := s.newOperator(c)

	err := op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start": "/no/such/binary",
	}))
	c.Assert(err, tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultFailed})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestStartMissingCommand(c *tc.C) {
	op := s.newOperator(c)
	defer workertest.CleanKill(c, op)

	err := op.Start(c.Context(), serviceOp(1, "svc.service", nil))
	c.Assert(err, tc.ErrorIs, errors.NotValid)
}

func (s *operatorSuite) TestStartUnknownServiceType(c *tc.C) {
	op := s.newOperator(c)
	defer workertest.CleanKill(c, op)

	err := op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start": "true",
		"type":       "forking",
	}))
	c.Assert(err, tc.ErrorIs, errors.NotSupported)
}

func (s *operatorSuite) TestStartBadRemainAfterExit(c *tc.C) {
	op := s.newOperator(c)
	defer workertest.CleanKill(c, op)

	err := op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start":        "true",
		"type":              "oneshot",
		"remain-after-exit": "maybe",
	}))
	c.Assert(err, tc.ErrorIs, errors.NotValid)
}

func (s *operatorSuite) TestOneshotDone(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Start(c.Context(), serviceOp(1, "task.service", map[string]string{
		"exec-start": "true",
		"type":       "oneshot",
	})), tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})
	c.Check(s.nextState(c), tc.DeepEquals, stateDelivery{
		unit: "task.service", state: unit.Inactive,
	})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestOneshotRemainAfterExit(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Start(c.Context(), serviceOp(1, "task.service", map[string]string{
		"exec-start":        "true",
		"type":              "oneshot",
		"remain-after-exit": "true",
	})), tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})

	workertest.CleanKill(c, op)
	s.checkNoStates(c)
}

func (s *operatorSuite) TestOneshotFailure(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Start(c.Context(), serviceOp(1, "task.service", map[string]string{
		"exec-start": "false",
		"type":       "oneshot",
	})), tc.ErrorIsNil)

	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultFailed})

	workertest.CleanKill(c, op)
	s.checkNoStates(c)
}

func (s *operatorSuite) TestStopTerminatesService(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start": "sleep 60",
	})), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})

	c.Assert(op.Stop(c.Context(), serviceOp(2, "svc.service", nil)), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 2, result: job.ResultDone})

	workertest.CleanKill(c, op)
	s.checkNoStates(c)
}

func (s *operatorSuite) TestStopWithoutProcess(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Stop(c.Context(), serviceOp(1, "svc.service", nil)), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestStopKillsAfterGrace(c *tc.C) {
	op := s.newOperator(c)

	script := s.writeStubbornScript(c)
	c.Assert(op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start": script.path + " " + script.sentinel,
	})), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})
	script.waitReady(c)

	c.Assert(op.Stop(c.Context(), serviceOp(2, "svc.service", nil)), tc.ErrorIsNil)

	// The service ignores SIGTERM; only the grace timer expiring gets
	// it killed.
	err := s.clock.WaitAdvance(10*time.Second, testhelpers.LongWait, 1)
	c.Assert(err, tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 2, result: job.ResultDone})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestCancelRunningStart(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Start(c.Context(), serviceOp(1, "svc.service", map[string]string{
		"exec-start": "sleep 60",
	})), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 1, result: job.ResultDone})

	c.Assert(op.Cancel(c.Context(), 1), tc.ErrorIsNil)
	c.Check(s.nextState(c), tc.DeepEquals, stateDelivery{
		unit: "svc.service", state: unit.Inactive,
	})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestCancelUnknownJob(c *tc.C) {
	op := s.newOperator(c)
	defer workertest.CleanKill(c, op)

	c.Assert(op.Cancel(c.Context(), 99), tc.ErrorIsNil)
}

func (s *operatorSuite) TestReload(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Reload(c.Context(), serviceOp(3, "svc.service", map[string]string{
		"exec-reload": "true",
	})), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 3, result: job.ResultDone})

	workertest.CleanKill(c, op)
	s.checkNoStates(c)
}

func (s *operatorSuite) TestReloadFailureSettlesActive(c *tc.C) {
	op := s.newOperator(c)

	c.Assert(op.Reload(c.Context(), serviceOp(3, "svc.service", map[string]string{
		"exec-reload": "false",
	})), tc.ErrorIsNil)
	c.Check(s.nextResult(c), tc.DeepEquals, resultDelivery{job: 3, result: job.ResultFailed})
	c.Check(s.nextState(c), tc.DeepEquals, stateDelivery{
		unit: "svc.service", state: unit.Active,
	})

	workertest.CleanKill(c, op)
}

func (s *operatorSuite) TestReloadMissingCommand(c *tc.C) {
	op := s.newOperator(c)
	defer workertest.CleanKill(c, op)

	err := op.Reload(c.Context(), serviceOp(3, "svc.service", nil))
	c.Assert(err, tc.ErrorIs, errors.NotValid)
}

// stubbornScript is a service that ignores SIGTERM, and signals
// through a sentinel file that the trap is installed.
type stubbornScript struct {
	path     string
	sentinel string
}

func (s *operatorSuite) writeStubbornScript(c *tc.C) stubbornScript {
	dir := c.MkDir()
	script := stubbornScript{
		path:     filepath.Join(dir, "stubborn.sh"),
		sentinel: filepath.Join(dir, "ready"),
	}
	body := "#!/bin/sh\ntrap '' TERM\n: > \"$1\"\nwhile :; do sleep 1; done\n"
	err := os.WriteFile(script.path, []byte(body), 0755)
	c.Assert(err, tc.ErrorIsNil)
	return script
}

func (s stubbornScript) waitReady(c *tc.C) {
	deadline := time.Now().Add(testhelpers.LongWait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.sentinel); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("service never installed its signal trap")
}

// recorder collects what the operator reports back to the engine.
type recorder struct {
	results chan resultDelivery
	states  chan stateDelivery
}

type resultDelivery struct {
	job    job.ID
	result job.Result
}

type stateDelivery struct {
	unit         unit.Name
	state        unit.ActiveState
	invocationID string
}

func newRecorder() *recorder {
	return &recorder{
		results: make(chan resultDelivery, 16),
		states:  make(chan stateDelivery, 16),
	}
}

func (r *recorder) DeliverJobResult(_ context.Context, id job.ID, result job.Result) error {
	r.results <- resultDelivery{job: id, result: result}
	return nil
}

func (r *recorder) DeliverUnitState(_ context.Context, name unit.Name, state unit.ActiveState, invocationID string) error {
	r.states <- stateDelivery{unit: name, state: state, invocationID: invocationID}
	return nil
}
