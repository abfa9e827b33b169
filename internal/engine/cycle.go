// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

const (
	colorWhite = iota
	colorGrey
	colorBlack
)

// breakCycles verifies the transaction's ordering graph, fixing every
// cycle it can before declaring a deadlock. A fix either deletes a
// dispensable job on the cycle or drops an ordering edge that only
// default dependencies created; hard requirements and the anchor are
// never touched. Each fix removes a job or an edge, so the loop runs
// out of graph before it runs out of fixes.
func (e *Engine) breakCycles(ctx context.Context, txn *transaction) error {
	for {
		cycle := txn.findCycle()
		if cycle == nil {
			return nil
		}
		desc := describeCycle(cycle)
		if p := deletableInCycle(txn, cycle); p != nil {
			e.logger.Warningf(ctx, "breaking ordering cycle %s by deleting the %s job for %q", desc, p.jtype, p.u.name)
			txn.deleteProposal(p)
			continue
		}
		if dependent, dependency, ok := droppableEdge(cycle); ok {
			e.logger.Warningf(ctx, "breaking ordering cycle %s by dropping the default ordering of %q after %q", desc, dependent.name, dependency.name)
			e.registry.dropDefaultOrdering(dependent, dependency)
			continue
		}
		return errors.Annotatef(ErrDeadlock, "%s", desc)
	}
}

// findCycle looks for a cycle in the transaction's ordering graph and
// returns its members in waiting order, each proposal ordered after
// its successor and the last closing back on the first. It returns nil
// when the graph is acyclic.
func (t *transaction) findCycle() []*proposal {
	color := make(map[*proposal]int, len(t.props))
	var stack []*proposal
	var cycle []*proposal

	var visit func(p *proposal) bool
	visit = func(p *proposal) bool {
		color[p] = colorGrey
		stack = append(stack, p)
		found := false
		t.orderedAfter(p, func(q *proposal) bool {
			switch color[q] {
			case colorGrey:
				for i, s := range stack {
					if s == q {
						cycle = append([]*proposal(nil), stack[i:]...)
						break
					}
				}
				found = true
				return false
			case colorWhite:
				if visit(q) {
					found = true
					return false
				}
			}
			return true
		})
		stack = stack[:len(stack)-1]
		color[p] = colorBlack
		return found
	}

	for _, p := range t.propsInOrder() {
		if color[p] == colorWhite && visit(p) {
			return cycle
		}
	}
	return nil
}

// orderedAfter calls fn for every transaction proposal whose job must
// complete before p's job may run, in declaration order. An anchor
// freed from ordering waits on nothing.
func (t *transaction) orderedAfter(p *proposal, fn func(q *proposal) bool) {
	if p == t.anchor && t.flags.IgnoreOrder {
		return
	}
	p.u.forEachDepAtom(unit.AtomAfter, func(k unit.Kind, target *Unit) bool {
		q, ok := t.props[target]
		if !ok {
			return true
		}
		return fn(q)
	})
}

// deletableInCycle picks the job whose deletion untangles the cycle:
// first one that would not change its unit's state anyway, then any
// optional one. The anchor is never a candidate.
func deletableInCycle(txn *transaction, cycle []*proposal) *proposal {
	for _, p := range cycle {
		if p != txn.anchor && jobRedundant(p.jtype, p.u.activeState) {
			return p
		}
	}
	for _, p := range cycle {
		if p != txn.anchor && !p.matters {
			return p
		}
	}
	return nil
}

// jobRedundant reports whether running the job would leave the unit in
// the state it is already in.
func jobRedundant(jtype job.Type, state unit.ActiveState) bool {
	switch jtype {
	case job.TypeNop:
		return true
	case job.TypeStart, job.TypeVerifyActive:
		return state.IsActive()
	case job.TypeStop:
		return state.IsDown()
	case job.TypeReload:
		return state == unit.Reloading
	}
	return false
}

// droppableEdge finds the oldest ordering edge on the cycle that only
// default dependencies put there.
func droppableEdge(cycle []*proposal) (dependent, dependency *Unit, ok bool) {
	var best depMeta
	for i, p := range cycle {
		q := cycle[(i+1)%len(cycle)]
		m, found := p.u.orderingMeta(unit.KindAfter, q.u)
		if !found || m.origins != originDefaultBit {
			continue
		}
		if !ok || m.serial < best.serial {
			dependent, dependency, best, ok = p.u, q.u, m, true
		}
	}
	return dependent, dependency, ok
}

func describeCycle(cycle []*proposal) string {
	var b strings.Builder
	for i, p := range cycle {
		if i > 0 {
			b.WriteString(" after ")
		}
		fmt.Fprintf(&b, "%s/%s", p.u.name, p.jtype)
	}
	fmt.Fprintf(&b, " after %s/%s", cycle[0].u.name, cycle[0].jtype)
	return b.String()
}
