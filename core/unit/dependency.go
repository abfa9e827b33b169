// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unit

import (
	"fmt"
	"math/bits"
	"strings"
)

// Kind enumerates the dependency kinds a unit may declare against
// another. Kinds come in forward/reverse pairs: recording a forward
// edge on one unit always records the reverse kind on the other, so
// both sides of a relation can be walked without scanning the registry.
type Kind int

const (
	KindRequires Kind = iota
	KindRequisite
	KindWants
	KindBindsTo
	KindPartOf
	KindUpholds
	KindConflicts
	KindBefore
	KindOnFailure
	KindOnSuccess
	KindTriggers
	KindPropagatesReloadTo
	KindReferences

	KindRequiredBy
	KindRequisiteOf
	KindWantedBy
	KindBoundBy
	KindConsistsOf
	KindUpheldBy
	KindConflictedBy
	KindAfter
	KindOnFailureOf
	KindOnSuccessOf
	KindTriggeredBy
	KindReloadPropagatedFrom
	KindReferencedBy

	kindMax
)

// Atom is a bitmask of the primitive behaviours the engine interprets.
// Dependency kinds are vocabulary; atoms are semantics. Every kind maps
// to a fixed, non-empty atom set, and all engine logic keys off atoms
// so that adding a kind never needs new traversal code.
type Atom uint64

const (
	// AtomPullInStart makes start-ish transactions enqueue a start job
	// for the target, failing the transaction if that is impossible.
	AtomPullInStart Atom = 1 << iota

	// AtomPullInStartIgnored is AtomPullInStart with enqueue failures
	// ignored.
	AtomPullInStartIgnored

	// AtomPullInVerify makes start-ish transactions enqueue a
	// verify-active job for the target.
	AtomPullInVerify

	// AtomPullInStopIgnored makes start-ish transactions enqueue a stop
	// job for the target, ignoring enqueue failures.
	AtomPullInStopIgnored

	// AtomReferences pins the target against garbage collection while
	// the source remains uncollectable.
	AtomReferences

	// AtomReferencedBy is the reverse view of AtomReferences, walked by
	// the collector to find pinning sources.
	AtomReferencedBy

	// AtomRetroactiveStartStop makes an unexpected activation of the
	// source retroactively enqueue starts for the targets.
	AtomRetroactiveStartStop

	// AtomRetroactiveStopOnStart makes an unexpected activation of the
	// source retroactively enqueue stops for the targets.
	AtomRetroactiveStopOnStart

	// AtomCannotBeActiveWithout stops the source once the target is
	// found down outside any job of the source's own.
	AtomCannotBeActiveWithout

	// AtomStopWhenUnneededQueue queues the targets for a
	// stop-when-unneeded sweep when the source goes down.
	AtomStopWhenUnneededQueue

	// AtomStartSteadily makes the sweep start targets that are down
	// while the source is up.
	AtomStartSteadily

	// AtomStartWhenUpheld marks the reverse view carried by the target
	// of an upholder, walked when the target goes down.
	AtomStartWhenUpheld

	// AtomPropagateStop extends stop transactions on the source to the
	// targets.
	AtomPropagateStop

	// AtomPropagateRestart extends restart transactions on the source
	// to the targets, as try-restart.
	AtomPropagateRestart

	// AtomPropagateStartFailure fails waiting start jobs on the targets
	// when a start job on the source fails.
	AtomPropagateStartFailure

	// AtomPropagateInactiveStartAsFailure additionally treats a start
	// of the source that lands in inactive as a failure for the
	// targets' waiting start jobs.
	AtomPropagateInactiveStartAsFailure

	// AtomPropagateReload extends reload transactions on the source to
	// the targets, as try-reload.
	AtomPropagateReload

	// AtomOnFailure starts the targets when the source enters failed.
	AtomOnFailure

	// AtomOnSuccess starts the targets when the source deactivates
	// cleanly.
	AtomOnSuccess

	// AtomBefore orders the source ahead of the target in start order.
	AtomBefore

	// AtomAfter orders the source behind the target in start order.
	AtomAfter
)

// AtomPullInAny covers every transaction pull-in behaviour.
const AtomPullInAny = AtomPullInStart | AtomPullInStartIgnored | AtomPullInVerify | AtomPullInStopIgnored

var kindNames = map[Kind]string{
	KindRequires:             "Requires",
	KindRequisite:            "Requisite",
	KindWants:                "Wants",
	KindBindsTo:              "BindsTo",
	KindPartOf:               "PartOf",
	KindUpholds:              "Upholds",
	KindConflicts:            "Conflicts",
	KindBefore:               "Before",
	KindOnFailure:            "OnFailure",
	KindOnSuccess:            "OnSuccess",
	KindTriggers:             "Triggers",
	KindPropagatesReloadTo:   "PropagatesReloadTo",
	KindReferences:           "References",
	KindRequiredBy:           "RequiredBy",
	KindRequisiteOf:          "RequisiteOf",
	KindWantedBy:             "WantedBy",
	KindBoundBy:              "BoundBy",
	KindConsistsOf:           "ConsistsOf",
	KindUpheldBy:             "UpheldBy",
	KindConflictedBy:         "ConflictedBy",
	KindAfter:                "After",
	KindOnFailureOf:          "OnFailureOf",
	KindOnSuccessOf:          "OnSuccessOf",
	KindTriggeredBy:          "TriggeredBy",
	KindReloadPropagatedFrom: "ReloadPropagatedFrom",
	KindReferencedBy:         "ReferencedBy",
}

var kindReverse = map[Kind]Kind{
	KindRequires:           KindRequiredBy,
	KindRequisite:          KindRequisiteOf,
	KindWants:              KindWantedBy,
	KindBindsTo:            KindBoundBy,
	KindPartOf:             KindConsistsOf,
	KindUpholds:            KindUpheldBy,
	KindConflicts:          KindConflictedBy,
	KindBefore:             KindAfter,
	KindOnFailure:          KindOnFailureOf,
	KindOnSuccess:          KindOnSuccessOf,
	KindTriggers:           KindTriggeredBy,
	KindPropagatesReloadTo: KindReloadPropagatedFrom,
	KindReferences:         KindReferencedBy,
}

// kindAtoms is the fixed kind to atom mapping. The mapping is audited
// by auditKindAtoms at package init; the invariants it enforces are
// what keep KindFromAtoms sound.
var kindAtoms = map[Kind]Atom{
	KindRequires:  AtomReferences | AtomPullInStart | AtomRetroactiveStartStop | AtomStopWhenUnneededQueue,
	KindRequisite: AtomReferences | AtomPullInVerify | AtomStopWhenUnneededQueue,
	KindWants:     AtomReferences | AtomPullInStartIgnored | AtomStopWhenUnneededQueue,
	KindBindsTo: AtomReferences | AtomPullInStart | AtomRetroactiveStartStop |
		AtomStopWhenUnneededQueue | AtomCannotBeActiveWithout,
	KindPartOf:             AtomReferences,
	KindUpholds:            AtomReferences | AtomPullInStartIgnored | AtomStartSteadily,
	KindConflicts:          AtomReferences | AtomPullInStopIgnored | AtomRetroactiveStopOnStart,
	KindBefore:             AtomBefore,
	KindOnFailure:          AtomReferences | AtomOnFailure,
	KindOnSuccess:          AtomReferences | AtomOnSuccess,
	KindTriggers:           AtomReferences,
	KindPropagatesReloadTo: AtomReferences | AtomPropagateReload,
	KindReferences:         AtomReferences,

	KindRequiredBy: AtomReferencedBy | AtomPropagateStop | AtomPropagateRestart | AtomPropagateStartFailure,
	KindRequisiteOf: AtomReferencedBy | AtomPropagateStop | AtomPropagateStartFailure,
	KindWantedBy:    AtomReferencedBy,
	KindBoundBy: AtomReferencedBy | AtomPropagateStop | AtomPropagateRestart |
		AtomPropagateStartFailure | AtomPropagateInactiveStartAsFailure,
	KindConsistsOf:           AtomReferencedBy | AtomPropagateStop | AtomPropagateRestart,
	KindUpheldBy:             AtomReferencedBy | AtomStartWhenUpheld,
	KindConflictedBy:         AtomReferencedBy | AtomPullInStopIgnored,
	KindAfter:                AtomAfter,
	KindOnFailureOf:          AtomReferencedBy,
	KindOnSuccessOf:          AtomReferencedBy,
	KindTriggeredBy:          AtomReferencedBy,
	KindReloadPropagatedFrom: AtomReferencedBy,
	KindReferencedBy:         AtomReferencedBy,
}

// atomToKind resolves an exact atom set back to the kind carrying it.
// Sets dominated by a strict superset kind stay unmapped on purpose:
// such a set is reachable through simpler kinds and naming one owner
// would be arbitrary.
var atomToKind map[Atom]Kind

func init() {
	atomToKind = auditKindAtoms()
}

// auditKindAtoms checks the structural invariants of the kind tables
// and derives the unambiguous reverse mapping. It panics on violation:
// a bad table is a programming error, not a runtime condition.
func auditKindAtoms() map[Atom]Kind {
	out := make(map[Atom]Kind)
	for k := Kind(0); k < kindMax; k++ {
		if _, ok := kindNames[k]; !ok {
			panic(fmt.Sprintf("dependency kind %d without name", k))
		}
		a, ok := kindAtoms[k]
		if !ok || a == 0 {
			panic(fmt.Sprintf("dependency kind %q without atoms", kindNames[k]))
		}
		if k.Reverse().Reverse() != k {
			panic(fmt.Sprintf("dependency kind %q with non-involutive reverse", kindNames[k]))
		}
		dominated := false
		for t := Kind(0); t < kindMax; t++ {
			if t == k {
				continue
			}
			ta := kindAtoms[t]
			if ta&a == a && ta != a {
				dominated = true
			}
		}
		if !dominated {
			if other, clash := out[a]; clash {
				panic(fmt.Sprintf("dependency kinds %q and %q sharing undominated atom set",
					kindNames[other], kindNames[k]))
			}
			out[a] = k
		}
	}
	return out
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind-%d", int(k))
}

// Valid reports whether the kind is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindMax
}

// Atoms returns the fixed atom set of the kind.
func (k Kind) Atoms() Atom {
	return kindAtoms[k]
}

// Reverse returns the paired kind recorded on the other unit of an
// edge. Reverse is an involution.
func (k Kind) Reverse() Kind {
	for f, r := range kindReverse {
		if f == k {
			return r
		}
		if r == k {
			return f
		}
	}
	return k
}

// Kinds returns every dependency kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, int(kindMax))
	for k := Kind(0); k < kindMax; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind resolves the string form of a kind, as used in ledgers and
// transient definitions.
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s || strings.EqualFold(n, s) {
			return k, true
		}
	}
	return kindMax, false
}

// KindFromAtoms maps an exact atom set back onto the kind that carries
// it. The second return is false when no kind carries the set, or when
// the set is ambiguous because a strict superset kind dominates it.
func KindFromAtoms(a Atom) (Kind, bool) {
	k, ok := atomToKind[a]
	return k, ok
}

// HasAny reports whether the mask shares at least one atom with other.
func (a Atom) HasAny(other Atom) bool {
	return a&other != 0
}

// HasAll reports whether the mask covers every atom in other.
func (a Atom) HasAll(other Atom) bool {
	return a&other == other
}

// Count returns the number of atoms set in the mask.
func (a Atom) Count() int {
	return bits.OnesCount64(uint64(a))
}
