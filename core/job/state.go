// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package job

// State is the lifecycle position of a queued job. There are exactly
// two: a job either waits for its ordering predecessors or is being
// executed. Completion removes the job from the queue, so "done" is a
// Result, not a State.
type State string

const (
	// Waiting means the job sits in the queue until every job it is
	// ordered after reaches a terminal result.
	Waiting State = "waiting"

	// Running means the job's operation has been handed to the
	// execution collaborator and awaits its completion event.
	Running State = "running"
)

func (s State) String() string {
	return string(s)
}

// Result is the terminal outcome of a job, reported exactly once when
// the job leaves the queue.
type Result string

const (
	// ResultDone means the requested transition completed.
	ResultDone Result = "done"

	// ResultFailed means the transition was attempted and failed.
	ResultFailed Result = "failed"

	// ResultCanceled means the job was removed before completion,
	// either replaced by a later transaction or cancelled by request.
	ResultCanceled Result = "canceled"

	// ResultDependency means a hard requirement of the job failed, so
	// the job never ran.
	ResultDependency Result = "dependency"

	// ResultTimeout means the job's deadline expired while running.
	ResultTimeout Result = "timeout"

	// ResultSkipped means the operation was not applicable when it came
	// up, for example a reload of a unit that had already stopped.
	ResultSkipped Result = "skipped"

	// ResultInvalid means the job's precondition did not hold, for
	// example verify-active on a unit that is down.
	ResultInvalid Result = "invalid"

	// ResultUnsupported means no operator can perform the operation for
	// the unit's type.
	ResultUnsupported Result = "unsupported"

	// ResultCollected means the job was garbage collected because
	// nothing could ever run it.
	ResultCollected Result = "collected"

	// ResultOnce means the job was refused because the unit only ever
	// activates once per manager lifetime.
	ResultOnce Result = "once"
)

func (r Result) String() string {
	return string(r)
}

// Succeeded reports whether the result is the successful one.
func (r Result) Succeeded() bool {
	return r == ResultDone
}
