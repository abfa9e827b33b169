// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// jobsInOrder returns the queued jobs sorted by id, oldest first.
func (e *Engine) jobsInOrder() []*Job {
	out := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}

// dispatch runs every waiting job whose ordering constraints are met,
// repeating until a pass makes no progress. Jobs the engine can
// conclude by itself finish here; the rest go to their operator and
// finish when a result is delivered.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		progressed := false
		for _, j := range e.jobsInOrder() {
			if e.jobs[j.id] != j || j.state != job.Waiting {
				continue
			}
			if !e.runnable(j) {
				continue
			}
			jtype := j.jtype
			e.runJob(ctx, j)
			if e.jobs[j.id] != j || j.state != job.Waiting || j.jtype != jtype {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// runnable reports whether j's ordering predecessors are out of the
// way. A job that starts something waits for any job on the units it
// is ordered after; every job waits for deactivations on the units it
// is ordered before, so stops run ahead of starts between ordered
// pairs.
func (e *Engine) runnable(j *Job) bool {
	if j.jtype == job.TypeNop || j.ignoreOrder {
		return true
	}
	blocked := false
	if j.jtype == job.TypeStart || j.jtype == job.TypeVerifyActive || j.jtype == job.TypeReload {
		j.u.forEachDepAtom(unit.AtomAfter, func(k unit.Kind, target *Unit) bool {
			if target.j != nil {
				blocked = true
				return false
			}
			return true
		})
		if blocked {
			return false
		}
	}
	j.u.forEachDepAtom(unit.AtomBefore, func(k unit.Kind, target *Unit) bool {
		if target.j != nil && target.j.runsStopFirst() {
			blocked = true
			return false
		}
		return true
	})
	return !blocked
}

// runJob executes one waiting job. Depending on the job type and the
// unit's state this finishes the job immediately, hands an operation
// to the unit's operator, or leaves the job waiting for a state it can
// conclude from.
func (e *Engine) runJob(ctx context.Context, j *Job) {
	u := j.u
	switch j.jtype {
	case job.TypeNop:
		e.finishJob(ctx, j, job.ResultDone)

	case job.TypeVerifyActive:
		switch {
		case u.activeState.IsActive():
			e.finishJob(ctx, j, job.ResultDone)
		case u.activeState == unit.Activating:
			// Still on its way up; the verdict has to wait.
		default:
			e.finishJob(ctx, j, job.ResultInvalid)
		}

	case job.TypeStart:
		e.runStart(ctx, j)

	case job.TypeStop:
		e.runStop(ctx, j)

	case job.TypeReload:
		e.runReload(ctx, j)

	case job.TypeRestart:
		if u.activeState.IsDown() {
			// Nothing to stop; the job becomes its own second half.
			j.jtype = job.TypeStart
			e.runJob(ctx, j)
			return
		}
		e.runStop(ctx, j)
	}
}

func (e *Engine) runStart(ctx context.Context, j *Job) {
	u := j.u
	switch {
	case u.activeState.IsActive():
		e.finishJob(ctx, j, job.ResultDone)

	case u.onceOnly && u.everActive:
		e.logger.Infof(ctx, "refusing to start %q again", u.name)
		e.finishJob(ctx, j, job.ResultOnce)

	case !u.takeStartToken():
		e.logger.Warningf(ctx, "not starting %q: %v", u.name, ErrStartLimit)
		e.applyUnitState(ctx, u, unit.Failed, true)
		e.finishJob(ctx, j, job.ResultFailed)
		if u.startLimitAction != ActionNone {
			e.triggerAction(ctx, u.startLimitAction, fmt.Sprintf("start limit hit on %q", u.name))
		}

	case u.utype.Stateless():
		e.applyUnitState(ctx, u, unit.Active, true)
		e.finishJob(ctx, j, job.ResultDone)

	default:
		op, ok := e.operators[u.utype]
		if !ok {
			e.logger.Warningf(ctx, "no operator for %s unit %q", u.utype, u.name)
			e.finishJob(ctx, j, job.ResultUnsupported)
			return
		}
		u.invocationID = uuid.NewString()
		j.state = job.Running
		e.applyUnitState(ctx, u, unit.Activating, true)
		if err := op.Start(ctx, e.operation(j)); err != nil {
			e.logger.Errorf(ctx, "starting %q: %v", u.name, err)
			e.applyUnitState(ctx, u, unit.Failed, true)
			e.finishJob(ctx, j, job.ResultFailed)
		}
	}
}

// runStop drives the stop operation for stop jobs and for the first
// half of restart jobs.
func (e *Engine) runStop(ctx context.Context, j *Job) {
	u := j.u
	switch {
	case u.activeState.IsDown():
		e.finishJob(ctx, j, job.ResultDone)

	case u.utype.Stateless():
		e.applyUnitState(ctx, u, unit.Inactive, true)
		e.finishJob(ctx, j, job.ResultDone)

	default:
		op, ok := e.operators[u.utype]
		if !ok {
			e.logger.Warningf(ctx, "no operator for %s unit %q", u.utype, u.name)
			e.finishJob(ctx, j, job.ResultUnsupported)
			return
		}
		j.state = job.Running
		e.applyUnitState(ctx, u, unit.Deactivating, true)
		if err := op.Stop(ctx, e.operation(j)); err != nil {
			e.logger.Errorf(ctx, "stopping %q: %v", u.name, err)
			e.finishJob(ctx, j, job.ResultFailed)
		}
	}
}

func (e *Engine) runReload(ctx context.Context, j *Job) {
	u := j.u
	switch {
	case u.activeState.IsDown():
		e.finishJob(ctx, j, job.ResultSkipped)

	case u.activeState.Transitioning():
		// Wait for the unit to settle before deciding.

	default:
		op, ok := e.operators[u.utype]
		if !ok {
			e.logger.Warningf(ctx, "no operator for %s unit %q", u.utype, u.name)
			e.finishJob(ctx, j, job.ResultUnsupported)
			return
		}
		j.state = job.Running
		e.applyUnitState(ctx, u, unit.Reloading, true)
		if err := op.Reload(ctx, e.operation(j)); err != nil {
			e.logger.Errorf(ctx, "reloading %q: %v", u.name, err)
			e.finishJob(ctx, j, job.ResultFailed)
		}
	}
}

// operation builds the message handed to an operator for j.
func (e *Engine) operation(j *Job) Operation {
	return Operation{
		Job:          j.id,
		Unit:         j.u.name,
		Type:         j.u.utype,
		InvocationID: j.u.invocationID,
		Payload:      j.u.payload,
	}
}

// deliverJobResult applies an operator's verdict on a running job. A
// finished restart stop phase turns the job into its start half
// instead of completing it.
func (e *Engine) deliverJobResult(ctx context.Context, id job.ID, result job.Result) error {
	j, ok := e.jobs[id]
	if !ok {
		return errors.NotFoundf("job %d", id)
	}
	if j.state != job.Running {
		return errors.NotValidf("result for %s job %s", j.state, j)
	}
	u := j.u

	if j.jtype == job.TypeRestart && result == job.ResultDone {
		e.applyUnitState(ctx, u, unit.Inactive, true)
		j.jtype = job.TypeStart
		j.state = job.Waiting
		e.logger.Debugf(ctx, "job %s finished stopping, starting", j)
		return nil
	}

	switch {
	case result == job.ResultDone:
		switch j.jtype {
		case job.TypeStart, job.TypeReload:
			e.applyUnitState(ctx, u, unit.Active, true)
		case job.TypeStop:
			e.applyUnitState(ctx, u, unit.Inactive, true)
		}
	case result == job.ResultSkipped:
		// The operation was declined; the unit stays as it was.
	default:
		if j.jtype == job.TypeStart || j.jtype == job.TypeRestart {
			e.applyUnitState(ctx, u, unit.Failed, true)
		}
	}
	e.finishJob(ctx, j, result)
	return nil
}

// deliverUnitState applies a state observation that did not come from
// a job result, for example a service exiting on its own.
func (e *Engine) deliverUnitState(ctx context.Context, name unit.Name, state unit.ActiveState, invocationID string) error {
	if !state.Valid() {
		return errors.NotValidf("active state %q", state)
	}
	u, ok := e.registry.get(name)
	if !ok {
		return errors.NotFoundf("unit %q", name)
	}
	if invocationID != "" {
		u.invocationID = invocationID
	}
	e.applyUnitState(ctx, u, state, false)
	return nil
}

// cancelJob removes a queued job. The operator is told to abandon a
// running operation, but the unit keeps whatever state it had; the
// operator reports where it lands.
func (e *Engine) cancelJob(ctx context.Context, id job.ID) error {
	j, ok := e.jobs[id]
	if !ok {
		return errors.NotFoundf("job %d", id)
	}
	if j.state == job.Running {
		if op, ok := e.operators[j.u.utype]; ok {
			if err := op.Cancel(ctx, j.id); err != nil {
				e.logger.Warningf(ctx, "canceling job %s: %v", j, err)
			}
		}
	}
	e.finishJob(ctx, j, job.ResultCanceled)
	return nil
}

// finishJob takes j out of the queue with the given result and settles
// the queue-level consequences: waiting jobs that required j's success
// fail with a dependency result. Unit state consequences belong to
// applyUnitState and must already have been applied.
func (e *Engine) finishJob(ctx context.Context, j *Job, result job.Result) {
	if e.jobs[j.id] != j {
		return
	}
	delete(e.jobs, j.id)
	if j.u.j == j {
		j.u.j = nil
	}
	if result == job.ResultDone {
		e.logger.Debugf(ctx, "job %s finished, result %q", j, result)
	} else {
		e.logger.Infof(ctx, "job %s finished, result %q", j, result)
	}
	e.noteJobFinished(j, result)

	if !startClass(j.jtype) {
		return
	}
	if failsDependents(result) {
		e.failDependentStarts(ctx, j.u)
		return
	}
	if result == job.ResultDone && j.u.activeState == unit.Inactive {
		// The job succeeded but the unit did not come up, for example
		// a oneshot that exited again. Units bound to it treat that
		// as a failure.
		e.failBoundStarts(ctx, j.u)
	}
}

func startClass(t job.Type) bool {
	return t == job.TypeStart || t == job.TypeVerifyActive || t == job.TypeRestart
}

// failsDependents reports whether a start-class job ending with this
// result lets down the units that required it. Declined and collected
// jobs do not.
func failsDependents(r job.Result) bool {
	switch r {
	case job.ResultDone, job.ResultSkipped, job.ResultCollected:
		return false
	}
	return true
}

// failDependentStarts fails every waiting start-class job on units
// that required u to start. The cascade continues through finishJob.
func (e *Engine) failDependentStarts(ctx context.Context, u *Unit) {
	u.forEachDepAtom(unit.AtomPropagateStartFailure, func(k unit.Kind, target *Unit) bool {
		tj := target.j
		if tj != nil && tj.state == job.Waiting && startClass(tj.jtype) {
			e.logger.Infof(ctx, "job %s failed, %q did not start", tj, u.name)
			e.finishJob(ctx, tj, job.ResultDependency)
		}
		return true
	})
}

// failBoundStarts fails waiting start-class jobs on units that cannot
// run without u actually being up.
func (e *Engine) failBoundStarts(ctx context.Context, u *Unit) {
	u.forEachDepAtom(unit.AtomPropagateInactiveStartAsFailure, func(k unit.Kind, target *Unit) bool {
		tj := target.j
		if tj != nil && tj.state == job.Waiting && startClass(tj.jtype) {
			e.logger.Infof(ctx, "job %s failed, %q is not up", tj, u.name)
			e.finishJob(ctx, tj, job.ResultDependency)
		}
		return true
	})
}

// applyUnitState moves u to state ns and plays out every consequence
// the dependency graph attaches to that transition. byJob marks
// transitions the job machinery itself performs, which suppresses the
// repairs reserved for state changes that happen behind its back.
func (e *Engine) applyUnitState(ctx context.Context, u *Unit, ns unit.ActiveState, byJob bool) {
	os := u.activeState
	if os == ns {
		return
	}
	u.activeState = ns
	e.logger.Debugf(ctx, "unit %q changed %s -> %s", u.name, os, ns)
	e.noteUnitState(u, os, ns)

	if ns.IsActive() && !os.IsActive() {
		u.everActive = true
		u.onFailureFired = false
		e.stopIfBindingDown(ctx, u)
		e.startUpheld(ctx, u)
		if !byJob && u.j == nil {
			e.repairExternalStart(ctx, u)
		}
	}

	if ns == unit.Inactive {
		u.invocationID = ""
	}

	if ns.IsDown() && !os.IsDown() {
		if ns == unit.Failed {
			e.fireOnFailure(ctx, u)
			if u.failureAction != ActionNone {
				e.triggerAction(ctx, u.failureAction, fmt.Sprintf("unit %q failed", u.name))
			}
		} else if os != unit.Activating {
			e.fireOnSuccess(ctx, u)
			if u.successAction != ActionNone {
				e.triggerAction(ctx, u.successAction, fmt.Sprintf("unit %q finished", u.name))
			}
		}
		e.stopBoundTo(ctx, u)
		e.restartIfUpheld(ctx, u)
	}

	e.sweepUnneeded(ctx, u)
}

// repairExternalStart queues the jobs an externally observed
// activation implies: requirements come up with the unit, conflicting
// units go down.
func (e *Engine) repairExternalStart(ctx context.Context, u *Unit) {
	u.forEachDepAtom(unit.AtomRetroactiveStartStop, func(k unit.Kind, target *Unit) bool {
		if target.activeState.IsDown() && target.j == nil {
			e.logger.Infof(ctx, "starting %q, required by externally started %q", target.name, u.name)
			if _, err := e.runTransaction(ctx, target.name, job.TypeStart, job.ModeReplace, txnFlags{}); err != nil {
				e.logger.Warningf(ctx, "cannot start %q: %v", target.name, err)
			}
		}
		return true
	})
	u.forEachDepAtom(unit.AtomRetroactiveStopOnStart, func(k unit.Kind, target *Unit) bool {
		if !target.activeState.IsDownOrDeactivating() {
			e.logger.Infof(ctx, "stopping %q, conflicting with externally started %q", target.name, u.name)
			if _, err := e.runTransaction(ctx, target.name, job.TypeStop, job.ModeReplace, txnFlags{}); err != nil {
				e.logger.Warningf(ctx, "cannot stop %q: %v", target.name, err)
			}
		}
		return true
	})
}

// stopIfBindingDown stops u again when it reached an active state
// while something it cannot be active without is already down.
func (e *Engine) stopIfBindingDown(ctx context.Context, u *Unit) {
	stopped := false
	u.forEachDepAtom(unit.AtomCannotBeActiveWithout, func(k unit.Kind, target *Unit) bool {
		if target.activeState.IsDown() {
			e.logger.Infof(ctx, "stopping %q, bound unit %q is down", u.name, target.name)
			if _, err := e.runTransaction(ctx, u.name, job.TypeStop, job.ModeReplace, txnFlags{}); err != nil {
				e.logger.Warningf(ctx, "cannot stop %q: %v", u.name, err)
			}
			stopped = true
		}
		return !stopped
	})
}

// stopBoundTo stops every active unit that cannot be active without u
// now that u is down. Units with a job queued are left to it.
func (e *Engine) stopBoundTo(ctx context.Context, u *Unit) {
	for _, bound := range append([]*Unit(nil), u.depsFor(unit.KindBoundBy)...) {
		if bound.activeState.IsDownOrDeactivating() || bound.j != nil {
			continue
		}
		e.logger.Infof(ctx, "stopping %q, bound unit %q is down", bound.name, u.name)
		if _, err := e.runTransaction(ctx, bound.name, job.TypeStop, job.ModeReplace, txnFlags{}); err != nil {
			e.logger.Warningf(ctx, "cannot stop %q: %v", bound.name, err)
		}
	}
}

// startUpheld starts everything the freshly active u upholds that is
// down with no job queued.
func (e *Engine) startUpheld(ctx context.Context, u *Unit) {
	u.forEachDepAtom(unit.AtomStartSteadily, func(k unit.Kind, target *Unit) bool {
		if target.activeState.IsDown() && target.j == nil {
			e.logger.Infof(ctx, "starting %q, upheld by %q", target.name, u.name)
			if _, err := e.runTransaction(ctx, target.name, job.TypeStart, job.ModeReplace, txnFlags{}); err != nil {
				e.logger.Warningf(ctx, "cannot start %q: %v", target.name, err)
			}
		}
		return true
	})
}

// restartIfUpheld queues a fresh start for the now-down u when an
// active unit upholds it. Repeated failures run into u's start limit
// rather than looping freely.
func (e *Engine) restartIfUpheld(ctx context.Context, u *Unit) {
	if u.j != nil {
		return
	}
	started := false
	u.forEachDepAtom(unit.AtomStartWhenUpheld, func(k unit.Kind, target *Unit) bool {
		if target.activeState.IsActive() {
			e.logger.Infof(ctx, "starting %q, upheld by %q", u.name, target.name)
			if _, err := e.runTransaction(ctx, u.name, job.TypeStart, job.ModeReplace, txnFlags{}); err != nil {
				e.logger.Warningf(ctx, "cannot start %q: %v", u.name, err)
			}
			started = true
		}
		return !started
	})
}

// fireOnFailure starts the units subscribed to u's failure, once per
// failure episode: the subscription rearms when u next comes up.
func (e *Engine) fireOnFailure(ctx context.Context, u *Unit) {
	if u.onFailureFired {
		return
	}
	u.onFailureFired = true
	u.forEachDepAtom(unit.AtomOnFailure, func(k unit.Kind, target *Unit) bool {
		e.logger.Infof(ctx, "starting %q, triggered by failure of %q", target.name, u.name)
		if _, err := e.runTransaction(ctx, target.name, job.TypeStart, u.onFailureJobMode, txnFlags{}); err != nil {
			e.logger.Warningf(ctx, "cannot start %q: %v", target.name, err)
		}
		return true
	})
}

// fireOnSuccess starts the units subscribed to u's clean completion.
func (e *Engine) fireOnSuccess(ctx context.Context, u *Unit) {
	u.forEachDepAtom(unit.AtomOnSuccess, func(k unit.Kind, target *Unit) bool {
		e.logger.Infof(ctx, "starting %q, triggered by completion of %q", target.name, u.name)
		if _, err := e.runTransaction(ctx, target.name, job.TypeStart, job.ModeReplace, txnFlags{}); err != nil {
			e.logger.Warningf(ctx, "cannot start %q: %v", target.name, err)
		}
		return true
	})
}

// sweepUnneeded re-examines stop-when-unneeded units affected by a
// state change on u: u itself, and the requirement targets u may have
// been the last reason to keep up.
func (e *Engine) sweepUnneeded(ctx context.Context, u *Unit) {
	e.stopIfUnneeded(ctx, u)
	u.forEachDepAtom(unit.AtomStopWhenUnneededQueue, func(k unit.Kind, target *Unit) bool {
		e.stopIfUnneeded(ctx, target)
		return true
	})
}

func (e *Engine) stopIfUnneeded(ctx context.Context, u *Unit) {
	if !u.stopWhenUnneeded || u.perpetual || !u.activeState.IsActive() || u.j != nil {
		return
	}
	for _, k := range unit.Kinds() {
		if !k.Reverse().Atoms().HasAny(unit.AtomStopWhenUnneededQueue) {
			continue
		}
		for _, needer := range u.depsFor(k) {
			if neederKeepsUp(needer) {
				return
			}
		}
	}
	e.logger.Infof(ctx, "stopping %q, no longer needed", u.name)
	if _, err := e.runTransaction(ctx, u.name, job.TypeStop, job.ModeFail, txnFlags{}); err != nil {
		e.logger.Debugf(ctx, "cannot stop %q: %v", u.name, err)
	}
}

// neederKeepsUp reports whether a unit that requires another pins it
// up: it is up or on the way up, or queued to be.
func neederKeepsUp(needer *Unit) bool {
	if j := needer.j; j != nil {
		return j.jtype != job.TypeStop && j.jtype != job.TypeNop
	}
	return !needer.activeState.IsDown()
}

// expireJobs times out every job whose deadline has passed, returning
// how many it finished so the loop can settle the consequences.
func (e *Engine) expireJobs(ctx context.Context) int {
	now := e.clock.Now()
	expired := 0
	for _, j := range e.jobsInOrder() {
		if e.jobs[j.id] != j || j.deadline.IsZero() || j.deadline.After(now) {
			continue
		}
		u := j.u
		e.logger.Warningf(ctx, "job %s timed out", j)
		if j.jtype == job.TypeStart || j.jtype == job.TypeRestart {
			e.applyUnitState(ctx, u, unit.Failed, true)
		}
		e.finishJob(ctx, j, job.ResultTimeout)
		expired++
		if u.jobTimeoutAction != ActionNone {
			e.triggerAction(ctx, u.jobTimeoutAction, fmt.Sprintf("job timeout on %q", u.name))
		}
	}
	return expired
}

// nextDeadline returns the earliest pending job deadline.
func (e *Engine) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, j := range e.jobs {
		if j.deadline.IsZero() {
			continue
		}
		if next.IsZero() || j.deadline.Before(next) {
			next = j.deadline
		}
	}
	return next, !next.IsZero()
}
