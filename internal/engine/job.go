// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"fmt"
	"time"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// Job is one queued or running piece of work against a single unit.
// At most one job exists per unit at any time; conflicting requests
// are merged or rejected before installation.
type Job struct {
	id    job.ID
	u     *Unit
	jtype job.Type
	state job.State

	// irreversible marks jobs installed by a replace-irreversibly
	// transaction. Later transactions cannot replace them unless they
	// are irreversible themselves.
	irreversible bool

	// ignoreOrder releases the job from ordering constraints: it
	// becomes runnable as soon as it is installed.
	ignoreOrder bool

	// deadline is the instant at which the job times out. Zero when
	// the unit has job timeouts disabled.
	deadline time.Time
}

func (j *Job) String() string {
	return fmt.Sprintf("%d (%s %s)", j.id, j.jtype, j.u.name)
}

// runsStopFirst reports whether the job deactivates its unit before
// anything else, which is what the ordering rules care about when two
// jobs race on opposite ends of an After edge.
func (j *Job) runsStopFirst() bool {
	return j.jtype == job.TypeStop || j.jtype == job.TypeRestart
}

// JobInfo is a point-in-time description of a job, safe to hand to
// callers outside the engine loop.
type JobInfo struct {
	ID           job.ID
	Unit         unit.Name
	Type         job.Type
	State        job.State
	Irreversible bool
}

func (j *Job) info() *JobInfo {
	return &JobInfo{
		ID:           j.id,
		Unit:         j.u.name,
		Type:         j.jtype,
		State:        j.state,
		Irreversible: j.irreversible,
	}
}
