// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"fmt"
	stdtesting "testing"

	"github.com/juju/tc"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

type cycleSuite struct{}

func TestCycleSuite(t *stdtesting.T) {
	tc.Run(t, &cycleSuite{})
}

func ring(f *fixture, names ...unit.Name) {
	for i, n := range names {
		next := names[(i+1)%len(names)]
		f.define(n, serviceDef(
			dep(unit.KindRequires, next),
			dep(unit.KindAfter, next),
		))
	}
}

func (s *cycleSuite) TestOrderingCycleDeadlocks(c *tc.C) {
	f := newFixture()
	ring(f, "a.service", "b.service", "c.service")
	e := f.newEngine(c)

	_, err := e.runTransaction(context.Background(), "a.service", job.TypeStart, job.ModeReplace, txnFlags{})
	c.Check(err, tc.ErrorIs, ErrDeadlock)
	c.Check(e.jobs, tc.HasLen, 0)
}

func (s *cycleSuite) TestCycleFixedByDeletingRedundantJob(c *tc.C) {
	f := newFixture()
	ring(f, "a.service", "b.service", "c.service")
	e := f.newEngine(c)

	// With c already up, its start job changes nothing and may be
	// deleted to untangle the cycle.
	uc, err := e.registry.getOrCreate("c.service")
	c.Assert(err, tc.ErrorIsNil)
	uc.activeState = unit.Active

	addJob(c, e, "a.service", job.TypeStart, job.ModeReplace)
	c.Check(queuedType(e, "a.service"), tc.Equals, job.TypeStart)
	c.Check(queuedType(e, "b.service"), tc.Equals, job.TypeStart)
	c.Check(queuedType(e, "c.service"), tc.Equals, job.Type(""))

	// b waits on no queued job, so it dispatches first.
	settle(e)
	f.stub.CheckCall(c, len(f.stub.Calls())-1, "Start", unit.Name("b.service"))
}

func (s *cycleSuite) TestCycleFixedByDroppingDefaultEdge(c *tc.C) {
	f := newFixture()
	f.define("a.service", serviceDef(
		dep(unit.KindRequires, "b.service"),
		dep(unit.KindAfter, "b.service"),
	))
	f.define("b.service", Definition{})
	e := f.newEngine(c)

	ua, err := e.registry.getOrCreate("a.service")
	c.Assert(err, tc.ErrorIsNil)
	ua, err = e.ensureLoaded(context.Background(), ua)
	c.Assert(err, tc.ErrorIsNil)
	ub, ok := e.registry.get("b.service")
	c.Assert(ok, tc.IsTrue)
	e.registry.addDependency(ub, unit.KindAfter, ua, OriginDefault)

	addJob(c, e, "a.service", job.TypeStart, job.ModeReplace)
	c.Check(queuedType(e, "a.service"), tc.Equals, job.TypeStart)
	c.Check(queuedType(e, "b.service"), tc.Equals, job.TypeStart)

	// The implicit edge is gone from the registry, not just skipped
	// for this transaction.
	c.Check(ub.hasDepAtomOn(unit.AtomAfter, ua), tc.IsFalse)
	c.Check(ua.hasDepAtomOn(unit.AtomAfter, ub), tc.IsTrue)

	settle(e)
	f.stub.CheckCall(c, len(f.stub.Calls())-1, "Start", unit.Name("b.service"))
}

func (s *cycleSuite) TestDeclaredEdgeNeverDropped(c *tc.C) {
	f := newFixture()
	f.define("a.service", serviceDef(
		dep(unit.KindRequires, "b.service"),
		dep(unit.KindAfter, "b.service"),
	))
	f.define("b.service", serviceDef(dep(unit.KindAfter, "a.service")))
	e := f.newEngine(c)

	_, err := e.runTransaction(context.Background(), "a.service", job.TypeStart, job.ModeReplace, txnFlags{})
	c.Check(err, tc.ErrorIs, ErrDeadlock)

	ua, _ := e.registry.get("a.service")
	ub, _ := e.registry.get("b.service")
	c.Check(ub.hasDepAtomOn(unit.AtomAfter, ua), tc.IsTrue)
	c.Check(ua.hasDepAtomOn(unit.AtomAfter, ub), tc.IsTrue)
}

func (s *cycleSuite) TestIndependentCyclesAllFixed(c *tc.C) {
	f := newFixture()
	var tops []DeclaredDependency
	for i := 1; i <= 3; i++ {
		a := unit.Name(fmt.Sprintf("a%d.service", i))
		b := unit.Name(fmt.Sprintf("b%d.service", i))
		f.define(a, serviceDef(
			dep(unit.KindWants, b),
			dep(unit.KindAfter, b),
		))
		f.define(b, serviceDef(dep(unit.KindAfter, a)))
		tops = append(tops, dep(unit.KindRequires, a))
	}
	f.define("top.target", Definition{Dependencies: tops})
	e := f.newEngine(c)

	// Each pair is a separate two-job cycle that costs one deleted
	// optional job; all three get fixed in the same transaction.
	_, err := e.runTransaction(context.Background(), "top.target", job.TypeStart, job.ModeReplace, txnFlags{})
	c.Assert(err, tc.ErrorIsNil)
	c.Check(e.jobs, tc.HasLen, 4)
	c.Check(queuedType(e, "top.target"), tc.Equals, job.TypeStart)
	for i := 1; i <= 3; i++ {
		a := unit.Name(fmt.Sprintf("a%d.service", i))
		b := unit.Name(fmt.Sprintf("b%d.service", i))
		c.Check(queuedType(e, a), tc.Equals, job.TypeStart)
		c.Check(queuedType(e, b), tc.Equals, job.Type(""))
	}
}

func (s *cycleSuite) TestCycleFixedByDeletingOptionalJob(c *tc.C) {
	f := newFixture()
	f.define("a.service", serviceDef(
		dep(unit.KindWants, "b.service"),
		dep(unit.KindAfter, "b.service"),
	))
	f.define("b.service", serviceDef(dep(unit.KindAfter, "a.service")))
	e := f.newEngine(c)

	// b's start is only wanted, so deleting it resolves the mutual
	// ordering.
	addJob(c, e, "a.service", job.TypeStart, job.ModeReplace)
	c.Check(queuedType(e, "a.service"), tc.Equals, job.TypeStart)
	c.Check(queuedType(e, "b.service"), tc.Equals, job.Type(""))
}
