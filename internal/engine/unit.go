// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/ratelimit"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// Unit is one node of the registry. All fields are owned by the engine
// loop; nothing outside the engine package may mutate them. The
// exported views are UnitInfo snapshots.
type Unit struct {
	name    unit.Name
	aliases set.Strings
	utype   unit.Type

	loadState   unit.LoadState
	activeState unit.ActiveState

	// loadErr remembers why loading failed, for reporting. Only set
	// for load states error and not-found.
	loadErr error

	description string
	transient   bool

	perpetual         bool
	ignoreOnIsolate   bool
	stopWhenUnneeded  bool
	allowIsolate      bool
	refuseManualStart bool
	refuseManualStop  bool
	onceOnly          bool

	onFailureJobMode job.Mode
	jobTimeout       time.Duration
	jobTimeoutAction Action
	startLimitAction Action
	failureAction    Action
	successAction    Action

	// startLimit throttles activation attempts; nil means unlimited.
	startLimit *ratelimit.Bucket

	payload map[string]string

	// deps holds the unit's edges per kind, in insertion order. Both
	// directions of every relation are recorded, each on its own side.
	deps map[unit.Kind]*depSet

	// declared keeps the dependency declarations per origin so they
	// can be re-applied across a definition reload.
	declared map[Origin][]DeclaredDependency

	// transientDef retains the definition of a transient unit, the one
	// kind with no file to reload it from.
	transientDef *Definition

	// j is a non-owning handle on the unit's queued job, if any. The
	// queue owns the job.
	j *Job

	// invocationID identifies the current or most recent activation.
	invocationID string

	// everActive latches once the unit has been up, for once-only
	// semantics.
	everActive bool

	// onFailureFired suppresses repeated failure fan-out while the
	// unit stays failed.
	onFailureFired bool
}

type depMeta struct {
	origins originMask
	serial  uint64
}

type originMask uint8

const (
	originDefinitionBit originMask = 1 << iota
	originDefaultBit
	originTransientBit
)

func originBit(o Origin) originMask {
	switch o {
	case OriginDefault:
		return originDefaultBit
	case OriginTransient:
		return originTransientBit
	}
	return originDefinitionBit
}

// depSet is an insertion-ordered set of edges of one kind.
type depSet struct {
	order []*Unit
	meta  map[*Unit]depMeta
}

func (d *depSet) add(target *Unit, origin Origin, serial uint64) bool {
	if m, ok := d.meta[target]; ok {
		m.origins |= originBit(origin)
		d.meta[target] = m
		return false
	}
	d.order = append(d.order, target)
	d.meta[target] = depMeta{origins: originBit(origin), serial: serial}
	return true
}

// addMask is add for a pre-built origin mask, used when edges are
// redirected across a merge without losing origin information.
func (d *depSet) addMask(target *Unit, origins originMask, serial uint64) {
	if m, ok := d.meta[target]; ok {
		m.origins |= origins
		d.meta[target] = m
		return
	}
	d.order = append(d.order, target)
	d.meta[target] = depMeta{origins: origins, serial: serial}
}

func (d *depSet) remove(target *Unit) {
	if _, ok := d.meta[target]; !ok {
		return
	}
	delete(d.meta, target)
	for i, u := range d.order {
		if u == target {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func newUnit(name unit.Name) *Unit {
	return &Unit{
		name:        name,
		aliases:     set.NewStrings(),
		utype:       name.Type(),
		loadState:   unit.LoadStub,
		activeState: unit.Inactive,
		deps:        make(map[unit.Kind]*depSet),
		declared:    make(map[Origin][]DeclaredDependency),
	}
}

func (u *Unit) depSetFor(k unit.Kind) *depSet {
	d, ok := u.deps[k]
	if !ok {
		d = &depSet{meta: make(map[*Unit]depMeta)}
		u.deps[k] = d
	}
	return d
}

// depsFor returns the unit's targets for one kind in insertion order.
// The returned slice is shared; callers must not mutate it.
func (u *Unit) depsFor(k unit.Kind) []*Unit {
	d, ok := u.deps[k]
	if !ok {
		return nil
	}
	return d.order
}

// forEachDepAtom visits every target reachable over a kind carrying
// any of the given atoms, kinds in declaration order and targets in
// insertion order. Visiting stops early when fn returns false.
func (u *Unit) forEachDepAtom(atoms unit.Atom, fn func(k unit.Kind, target *Unit) bool) {
	for _, k := range unit.Kinds() {
		if !k.Atoms().HasAny(atoms) {
			continue
		}
		for _, target := range u.depsFor(k) {
			if !fn(k, target) {
				return
			}
		}
	}
}

// hasDepAtomOn reports whether the unit reaches other over any kind
// carrying the given atoms.
func (u *Unit) hasDepAtomOn(atoms unit.Atom, other *Unit) bool {
	found := false
	u.forEachDepAtom(atoms, func(_ unit.Kind, target *Unit) bool {
		if target == other {
			found = true
			return false
		}
		return true
	})
	return found
}

// orderingMeta returns the edge metadata for the edge of kind k from
// u to other, used for deterministic cycle fix selection.
func (u *Unit) orderingMeta(k unit.Kind, other *Unit) (depMeta, bool) {
	d, ok := u.deps[k]
	if !ok {
		return depMeta{}, false
	}
	m, ok := d.meta[other]
	return m, ok
}

// applyDefinition copies a loaded definition onto the unit. Dependency
// edges are recorded separately by the registry.
func (u *Unit) applyDefinition(def Definition, cl clock.Clock, defaults engineDefaults) {
	u.description = def.Description
	u.perpetual = def.Perpetual
	u.ignoreOnIsolate = def.IgnoreOnIsolate
	u.stopWhenUnneeded = def.StopWhenUnneeded
	u.allowIsolate = def.AllowIsolate
	u.refuseManualStart = def.RefuseManualStart
	u.refuseManualStop = def.RefuseManualStop
	u.onceOnly = def.OnceOnly

	u.onFailureJobMode = def.OnFailureJobMode
	if u.onFailureJobMode == "" {
		u.onFailureJobMode = job.ModeReplace
	}
	u.jobTimeoutAction = normalizeAction(def.JobTimeoutAction)
	u.startLimitAction = normalizeAction(def.StartLimitAction)
	u.failureAction = normalizeAction(def.FailureAction)
	u.successAction = normalizeAction(def.SuccessAction)
	u.payload = def.Payload

	u.jobTimeout = def.JobTimeout
	if u.jobTimeout == 0 {
		u.jobTimeout = defaults.jobTimeout
	}

	interval, burst := def.StartLimitInterval, def.StartLimitBurst
	if interval == 0 {
		interval = defaults.startLimitInterval
	}
	if burst == 0 {
		burst = defaults.startLimitBurst
	}
	u.startLimit = newStartLimiter(cl, interval, burst)
}

// engineDefaults carries the engine-wide fallbacks applied to fields a
// definition leaves at zero.
type engineDefaults struct {
	jobTimeout         time.Duration
	startLimitInterval time.Duration
	startLimitBurst    int
}

// newStartLimiter builds the token bucket enforcing a start rate of at
// most burst activations per interval. A negative interval or burst
// disables limiting.
func newStartLimiter(cl clock.Clock, interval time.Duration, burst int) *ratelimit.Bucket {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	fill := interval / time.Duration(burst)
	if fill <= 0 {
		fill = time.Nanosecond
	}
	return ratelimit.NewBucketWithClock(fill, int64(burst), bucketClock{cl})
}

// takeStartToken consumes one activation token, reporting false when
// the unit's start rate limit is hit.
func (u *Unit) takeStartToken() bool {
	if u.startLimit == nil {
		return true
	}
	return u.startLimit.TakeAvailable(1) == 1
}

// bucketClock adapts a juju clock to the bucket's clock interface.
// Sleep never runs: the engine only ever polls for available tokens.
type bucketClock struct {
	clock.Clock
}

func (c bucketClock) Sleep(d time.Duration) {
	<-c.Clock.After(d)
}

// UnitInfo is the exported snapshot of a unit.
type UnitInfo struct {
	Name         unit.Name
	Aliases      []unit.Name
	Type         unit.Type
	LoadState    unit.LoadState
	ActiveState  unit.ActiveState
	Description  string
	InvocationID string
	Transient    bool
	Perpetual    bool
	Job          *JobInfo
}

func (u *Unit) info() UnitInfo {
	info := UnitInfo{
		Name:         u.name,
		Type:         u.utype,
		LoadState:    u.loadState,
		ActiveState:  u.activeState,
		Description:  u.description,
		InvocationID: u.invocationID,
		Transient:    u.transient,
		Perpetual:    u.perpetual,
	}
	for _, a := range u.aliases.SortedValues() {
		info.Aliases = append(info.Aliases, unit.Name(a))
	}
	if u.j != nil {
		info.Job = u.j.info()
	}
	return info
}
