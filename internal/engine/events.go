// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// Topic names carried on the engine's event hub. Each topic publishes
// the message type of the same name.
const (
	TopicUnitState  = "engine.unit-state"
	TopicJobAdded   = "engine.job-added"
	TopicJobRemoved = "engine.job-removed"
	TopicEmergency  = "engine.emergency"
)

// UnitStateChange reports a unit moving between active states.
type UnitStateChange struct {
	Unit unit.Name
	Old  unit.ActiveState
	New  unit.ActiveState
}

// JobAdded reports a job entering the queue.
type JobAdded struct {
	Job JobInfo
}

// JobRemoved reports a job leaving the queue, with its result.
type JobRemoved struct {
	Job    JobInfo
	Result job.Result
}

// EmergencyActionChange reports an emergency action being carried out.
type EmergencyActionChange struct {
	Action Action
	Reason string
}

// publish forwards a message to the event hub, when one is configured.
// Delivery is asynchronous; the engine loop never waits on consumers.
func (e *Engine) publish(topic string, message interface{}) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(topic, message)
}

func (e *Engine) noteUnitState(u *Unit, old, new unit.ActiveState) {
	e.publish(TopicUnitState, UnitStateChange{Unit: u.name, Old: old, New: new})
}

func (e *Engine) noteJobAdded(j *Job) {
	e.metrics.jobAdded(j.jtype)
	e.publish(TopicJobAdded, JobAdded{Job: *j.info()})
}

func (e *Engine) noteJobFinished(j *Job, result job.Result) {
	e.metrics.jobFinished(result)
	e.publish(TopicJobRemoved, JobRemoved{Job: *j.info(), Result: result})
}

func (e *Engine) noteTransaction(mode job.Mode) {
	e.metrics.transaction(mode)
}

func (e *Engine) noteEmergency(a Action, reason string) {
	e.metrics.emergency(a)
	e.publish(TopicEmergency, EmergencyActionChange{Action: a, Reason: reason})
}

func (e *Engine) noteUnitCollected(u *Unit) {
	e.metrics.unitCollected()
}
