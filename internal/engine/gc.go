// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// collectGarbage removes units nothing keeps alive. A unit is kept
// when it is perpetual, not fully inactive, queued for real work, or
// referenced by a kept unit; keeping propagates along reference edges
// until the set stops growing. A waiting nop job does not keep its
// unit and is collected with it.
func (e *Engine) collectGarbage(ctx context.Context) {
	pinned := make(map[*Unit]bool)
	var queue []*Unit
	pin := func(u *Unit) {
		if !pinned[u] {
			pinned[u] = true
			queue = append(queue, u)
		}
	}

	for _, u := range e.registry.all() {
		if u.perpetual || u.activeState != unit.Inactive {
			pin(u)
			continue
		}
		if u.onceOnly && u.everActive {
			// Collecting the unit would lose the latch that enforces
			// its single activation.
			pin(u)
			continue
		}
		if u.j != nil && u.j.jtype != job.TypeNop {
			pin(u)
		}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		u.forEachDepAtom(unit.AtomReferences, func(k unit.Kind, target *Unit) bool {
			pin(target)
			return true
		})
	}

	for _, u := range e.registry.all() {
		if pinned[u] {
			continue
		}
		if j := u.j; j != nil {
			e.finishJob(ctx, j, job.ResultCollected)
		}
		e.logger.Debugf(ctx, "collecting unit %q", u.name)
		e.registry.remove(u)
		e.noteUnitCollected(u)
	}
}
