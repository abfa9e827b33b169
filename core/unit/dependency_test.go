// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unit

import (
	stdtesting "testing"

	"github.com/juju/tc"
)

type dependencySuite struct{}

func TestDependencySuite(t *stdtesting.T) {
	tc.Run(t, &dependencySuite{})
}

func (s *dependencySuite) TestEveryKindHasAtoms(c *tc.C) {
	for _, k := range Kinds() {
		c.Logf("kind %s", k)
		c.Check(k.Valid(), tc.IsTrue)
		c.Check(k.Atoms() != 0, tc.IsTrue)
	}
}

func (s *dependencySuite) TestReverseIsInvolution(c *tc.C) {
	for _, k := range Kinds() {
		c.Logf("kind %s", k)
		c.Check(k.Reverse().Reverse(), tc.Equals, k)
	}
}

func (s *dependencySuite) TestReversePairs(c *tc.C) {
	c.Check(KindRequires.Reverse(), tc.Equals, KindRequiredBy)
	c.Check(KindWants.Reverse(), tc.Equals, KindWantedBy)
	c.Check(KindBindsTo.Reverse(), tc.Equals, KindBoundBy)
	c.Check(KindPartOf.Reverse(), tc.Equals, KindConsistsOf)
	c.Check(KindBefore.Reverse(), tc.Equals, KindAfter)
	c.Check(KindAfter.Reverse(), tc.Equals, KindBefore)
	c.Check(KindConflicts.Reverse(), tc.Equals, KindConflictedBy)
	c.Check(KindUpholds.Reverse(), tc.Equals, KindUpheldBy)
}

// TestRoundTripUnambiguous pins the contract of the atom table: a kind
// whose atom set has no strict superset among the other kinds must map
// back to itself, and a dominated set must not map back at all.
func (s *dependencySuite) TestRoundTripUnambiguous(c *tc.C) {
	for _, k := range Kinds() {
		a := k.Atoms()
		dominated := false
		for _, t := range Kinds() {
			if t == k {
				continue
			}
			ta := t.Atoms()
			if ta&a == a && ta != a {
				dominated = true
			}
		}
		got, ok := KindFromAtoms(a)
		c.Logf("kind %s dominated=%v resolved=%v", k, dominated, ok)
		if dominated {
			c.Check(ok, tc.IsFalse)
		} else {
			c.Check(ok, tc.IsTrue)
			c.Check(got, tc.Equals, k)
		}
	}
}

func (s *dependencySuite) TestRequiresIsDominated(c *tc.C) {
	// BindsTo implies everything Requires does and more, so the
	// Requires atom set must not resolve back to a single kind.
	c.Check(KindBindsTo.Atoms().HasAll(KindRequires.Atoms()), tc.IsTrue)
	_, ok := KindFromAtoms(KindRequires.Atoms())
	c.Check(ok, tc.IsFalse)
}

func (s *dependencySuite) TestOrderingAtoms(c *tc.C) {
	c.Check(KindBefore.Atoms(), tc.Equals, AtomBefore)
	c.Check(KindAfter.Atoms(), tc.Equals, AtomAfter)
}

func (s *dependencySuite) TestPullInAtoms(c *tc.C) {
	c.Check(KindRequires.Atoms().HasAny(AtomPullInStart), tc.IsTrue)
	c.Check(KindWants.Atoms().HasAny(AtomPullInStartIgnored), tc.IsTrue)
	c.Check(KindRequisite.Atoms().HasAny(AtomPullInVerify), tc.IsTrue)
	c.Check(KindConflicts.Atoms().HasAny(AtomPullInStopIgnored), tc.IsTrue)
	c.Check(KindConflicts.Atoms().HasAny(AtomPullInStart), tc.IsFalse)
	c.Check(KindPartOf.Atoms().HasAny(AtomPullInAny), tc.IsFalse)
}

func (s *dependencySuite) TestParseKind(c *tc.C) {
	for _, k := range Kinds() {
		got, ok := ParseKind(k.String())
		c.Check(ok, tc.IsTrue)
		c.Check(got, tc.Equals, k)
	}
	_, ok := ParseKind("NotAKind")
	c.Check(ok, tc.IsFalse)
}

func (s *dependencySuite) TestAtomMaskHelpers(c *tc.C) {
	m := AtomPullInStart | AtomBefore
	c.Check(m.HasAny(AtomBefore), tc.IsTrue)
	c.Check(m.HasAny(AtomAfter), tc.IsFalse)
	c.Check(m.HasAll(AtomPullInStart|AtomBefore), tc.IsTrue)
	c.Check(m.HasAll(AtomPullInStart|AtomAfter), tc.IsFalse)
	c.Check(m.Count(), tc.Equals, 2)
}
