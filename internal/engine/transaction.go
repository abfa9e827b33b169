// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// txnFlags adjust how a single transaction is built. They apply to the
// anchor job only, never to the jobs its dependencies pull in.
type txnFlags struct {
	// IgnoreOrder releases the anchor job from ordering constraints,
	// so it runs as soon as it is installed.
	IgnoreOrder bool

	// IgnoreRequirements skips dependency expansion for the anchor.
	IgnoreRequirements bool
}

// proposal is one candidate job inside a transaction being built.
type proposal struct {
	u     *Unit
	jtype job.Type

	// matters records that the anchor's goal depends on this job: a
	// hard requirement pulled it in, so it cannot be dropped to fix a
	// cycle or resolve a merge conflict.
	matters bool

	// pulls lists the proposals this one caused. Reachability from
	// the anchor along these links decides what survives garbage
	// collection.
	pulls []*proposal

	// expanded guards dependency expansion per requested type, which
	// keeps recursion finite on cyclic dependency graphs.
	expanded map[job.Type]bool

	deleted bool
}

func newProposal(u *Unit, jtype job.Type, matters bool) *proposal {
	return &proposal{
		u:        u,
		jtype:    jtype,
		matters:  matters,
		expanded: make(map[job.Type]bool),
	}
}

// transaction is a fully expanded job request that has not been
// installed yet. Building one never mutates the live job queue.
type transaction struct {
	anchor *proposal
	props  map[*Unit]*proposal
	mode   job.Mode
	flags  txnFlags
}

func (t *transaction) irreversible() bool {
	return t.mode == job.ModeReplaceIrreversibly
}

// propsInOrder returns the live proposals sorted by unit name, for
// deterministic installation and diagnostics.
func (t *transaction) propsInOrder() []*proposal {
	out := make([]*proposal, 0, len(t.props))
	for _, p := range t.props {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].u.name < out[j].u.name
	})
	return out
}

// collectGarbage drops every proposal that is no longer reachable from
// the anchor along pull links. Deleted proposals stop pulling, so one
// deletion can cascade through a whole subtree.
func (t *transaction) collectGarbage() {
	mark := make(map[*proposal]bool, len(t.props))
	var visit func(*proposal)
	visit = func(p *proposal) {
		if p == nil || p.deleted || mark[p] {
			return
		}
		mark[p] = true
		for _, q := range p.pulls {
			visit(q)
		}
	}
	visit(t.anchor)
	for u, p := range t.props {
		if !mark[p] {
			p.deleted = true
			delete(t.props, u)
		}
	}
}

// deleteProposal removes p and anything only it was pulling in.
func (t *transaction) deleteProposal(p *proposal) {
	p.deleted = true
	delete(t.props, p.u)
	t.collectGarbage()
}

// runTransaction expands, validates and installs a job request in one
// step, returning the anchor's installed job. This is the single entry
// point for every queued job, called only from the engine loop.
func (e *Engine) runTransaction(ctx context.Context, name unit.Name, jtype job.Type, mode job.Mode, flags txnFlags) (job.ID, error) {
	txn, err := e.buildTransaction(ctx, name, jtype, mode, flags)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if mode == job.ModeIsolate {
		e.addIsolateStops(ctx, txn)
	}
	txn.collectGarbage()
	if err := e.breakCycles(ctx, txn); err != nil {
		return 0, errors.Trace(err)
	}
	txn.collectGarbage()
	id, err := e.installTransaction(ctx, txn)
	if err != nil {
		return 0, errors.Trace(err)
	}
	e.noteTransaction(mode)
	e.logger.Debugf(ctx, "%s %s transaction on %q installed %d jobs", jtype, mode, name, len(txn.props))
	return id, nil
}

// buildTransaction expands a job request into a complete proposal set:
// the anchor job plus everything its unit's dependencies pull in,
// merged per unit and garbage collected. Ordering cycles are dealt
// with separately, and nothing is installed yet.
func (e *Engine) buildTransaction(ctx context.Context, name unit.Name, jtype job.Type, mode job.Mode, flags txnFlags) (*transaction, error) {
	if !jtype.Valid() {
		return nil, errors.NotValidf("job type %q", jtype)
	}
	if !mode.Valid() {
		return nil, errors.NotValidf("job mode %q", mode)
	}
	if mode == job.ModeIsolate && jtype != job.TypeStart {
		return nil, errors.NotValidf("isolating with %q job", jtype)
	}

	u, err := e.registry.getOrCreate(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if u, err = e.ensureLoaded(ctx, u); err != nil {
		return nil, errors.Trace(err)
	}
	if mode == job.ModeIsolate && !u.allowIsolate {
		return nil, errors.Annotatef(ErrIsolateRefused, "unit %q", u.name)
	}
	if err := refusesManually(u, jtype); err != nil {
		return nil, errors.Trace(err)
	}

	txn := &transaction{
		props: make(map[*Unit]*proposal),
		mode:  mode,
		flags: flags,
	}
	anchor, err := e.expand(ctx, txn, nil, u, jtype, true, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	txn.anchor = anchor
	txn.collectGarbage()
	return txn, nil
}

// refusesManually rejects directly requested jobs on units that opt
// out of manual operation. Jobs pulled in by dependencies are not
// manual and never pass through here.
func refusesManually(u *Unit, jtype job.Type) error {
	switch jtype {
	case job.TypeStart:
		if u.refuseManualStart {
			return errors.Annotatef(ErrRefuseManualStart, "unit %q", u.name)
		}
	case job.TypeStop:
		if u.refuseManualStop {
			return errors.Annotatef(ErrRefuseManualStop, "unit %q", u.name)
		}
	case job.TypeRestart, job.TypeTryRestart:
		if u.refuseManualStart {
			return errors.Annotatef(ErrRefuseManualStart, "unit %q", u.name)
		}
		if u.refuseManualStop {
			return errors.Annotatef(ErrRefuseManualStop, "unit %q", u.name)
		}
	case job.TypeReloadOrStart:
		if u.refuseManualStart && !u.activeState.IsActive() {
			return errors.Annotatef(ErrRefuseManualStart, "unit %q", u.name)
		}
	}
	return nil
}

// jobApplicable reports whether jtype can ever be queued against u.
// Stop and nop jobs apply regardless of load state; everything else
// needs a fully loaded, unmasked unit.
func jobApplicable(u *Unit, jtype job.Type) error {
	switch jtype {
	case job.TypeNop:
		return nil
	case job.TypeStop:
		if u.perpetual {
			return errors.NotSupportedf("stopping perpetual unit %q", u.name)
		}
		return nil
	}
	switch u.loadState {
	case unit.LoadLoaded:
	case unit.LoadMasked:
		return errors.Annotatef(ErrUnitMasked, "unit %q", u.name)
	default:
		if u.loadErr != nil {
			return errors.Annotatef(u.loadErr, "unit %q failed to load", u.name)
		}
		return errors.NotFoundf("unit %q", u.name)
	}
	if jtype == job.TypeReload && !u.utype.CanReload() {
		return errors.NotSupportedf("reloading %s unit %q", u.utype, u.name)
	}
	return nil
}

// expand ensures a proposal of type jtype exists for u, then walks the
// dependency atoms that jtype activates and recursively proposes jobs
// on the targets. hard marks requirements whose failure must abort the
// whole transaction; soft subtrees are dropped instead. top is true
// only for the anchor request itself.
func (e *Engine) expand(ctx context.Context, txn *transaction, from *proposal, u *Unit, jtype job.Type, hard, top bool) (*proposal, error) {
	u, err := e.ensureLoaded(ctx, u)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if jtype.Collapsible() {
		jtype = jtype.Collapse(u.activeState)
	}
	if err := jobApplicable(u, jtype); err != nil {
		if !hard {
			e.logger.Debugf(ctx, "dropping optional %s job on %q: %v", jtype, u.name, err)
			return nil, nil
		}
		return nil, errors.Trace(err)
	}

	p := txn.props[u]
	switch {
	case p == nil:
		p = newProposal(u, jtype, hard)
		txn.props[u] = p
	default:
		merged, ok := job.Merge(p.jtype, jtype)
		if !ok && !hard {
			return nil, nil
		}
		if !ok && p.matters {
			return nil, errors.Annotatef(ErrTransactionDependency,
				"conflicting %s and %s jobs for %q", p.jtype, jtype, u.name)
		}
		if !ok {
			// The existing proposal was optional, so the hard request
			// wins and the old subtree becomes garbage.
			p.deleted = true
			p = newProposal(u, jtype, true)
			txn.props[u] = p
			break
		}
		if merged.Collapsible() {
			merged = merged.Collapse(u.activeState)
		}
		p.jtype = merged
		p.matters = p.matters || hard
	}
	if from != nil {
		from.pulls = append(from.pulls, p)
	}

	if top && txn.flags.IgnoreRequirements {
		return p, nil
	}
	if p.expanded[jtype] {
		return p, nil
	}
	p.expanded[jtype] = true

	if jtype == job.TypeStart || jtype == job.TypeRestart {
		if err := e.expandStartDeps(ctx, txn, p); err != nil {
			return nil, errors.Trace(err)
		}
	}
	switch jtype {
	case job.TypeStop, job.TypeRestart:
		if err := e.expandStopDeps(ctx, txn, p, jtype); err != nil {
			return nil, errors.Trace(err)
		}
	case job.TypeReload:
		if err := e.expandReloadDeps(ctx, txn, p); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return p, nil
}

// expandDep proposes one pulled-in job and classifies the outcome.
// Soft pulls and jobs that are never applicable to their target are
// dropped with a log line; anything else that fails aborts the
// transaction.
func (e *Engine) expandDep(ctx context.Context, txn *transaction, from *proposal, k unit.Kind, target *Unit, jtype job.Type, hard bool) error {
	_, err := e.expand(ctx, txn, from, target, jtype, hard, false)
	if err == nil {
		return nil
	}
	if !hard || errors.Is(err, errors.NotSupported) {
		e.logger.Debugf(ctx, "ignoring %s dependency %q of %q: %v", k, target.name, from.u.name, err)
		return nil
	}
	return errors.Annotatef(err, "%s dependency of %q", k, from.u.name)
}

// expandStartDeps follows the pull-in atoms a start or restart job
// activates on its unit.
func (e *Engine) expandStartDeps(ctx context.Context, txn *transaction, p *proposal) error {
	walks := []struct {
		atoms unit.Atom
		jtype job.Type
		hard  bool
	}{
		{unit.AtomPullInStart, job.TypeStart, true},
		{unit.AtomPullInStartIgnored, job.TypeStart, false},
		{unit.AtomPullInVerify, job.TypeVerifyActive, true},
		{unit.AtomPullInStopIgnored, job.TypeStop, false},
	}
	for _, w := range walks {
		var failed error
		p.u.forEachDepAtom(w.atoms, func(k unit.Kind, target *Unit) bool {
			if w.jtype == job.TypeStop && target.activeState.IsDown() && target.j == nil {
				// A conflicting unit that is already down needs no
				// stop job.
				return true
			}
			if err := e.expandDep(ctx, txn, p, k, target, w.jtype, w.hard); err != nil {
				failed = err
				return false
			}
			return true
		})
		if failed != nil {
			return failed
		}
	}
	return nil
}

// expandStopDeps propagates the deactivating half of a stop or restart
// job to the units that depend on p's unit. Restart propagation runs
// first and claims its targets, so a unit both restarted and stopped
// through different edges is restarted.
func (e *Engine) expandStopDeps(ctx context.Context, txn *transaction, p *proposal, jtype job.Type) error {
	restarted := make(map[*Unit]bool)
	var failed error
	if jtype == job.TypeRestart {
		p.u.forEachDepAtom(unit.AtomPropagateRestart, func(k unit.Kind, target *Unit) bool {
			nt := job.TypeTryRestart.Collapse(target.activeState)
			if nt == job.TypeNop {
				return true
			}
			restarted[target] = true
			if err := e.expandDep(ctx, txn, p, k, target, nt, true); err != nil {
				failed = err
				return false
			}
			return true
		})
		if failed != nil {
			return failed
		}
	}
	p.u.forEachDepAtom(unit.AtomPropagateStop, func(k unit.Kind, target *Unit) bool {
		if restarted[target] {
			return true
		}
		if err := e.expandDep(ctx, txn, p, k, target, job.TypeStop, true); err != nil {
			failed = err
			return false
		}
		return true
	})
	return failed
}

// expandReloadDeps forwards a reload to units that subscribe to it.
// The forwarded jobs are optional and collapse away when the target is
// not running.
func (e *Engine) expandReloadDeps(ctx context.Context, txn *transaction, p *proposal) error {
	var failed error
	p.u.forEachDepAtom(unit.AtomPropagateReload, func(k unit.Kind, target *Unit) bool {
		nt := job.TypeTryReload.Collapse(target.activeState)
		if nt == job.TypeNop {
			return true
		}
		if err := e.expandDep(ctx, txn, p, k, target, nt, false); err != nil {
			failed = err
			return false
		}
		return true
	})
	return failed
}

// addIsolateStops adds a stop proposal for every unit the isolate
// sweep clears away: anything running or queued that the transaction
// does not already cover, unless the unit opts out. The stops are
// optional, so a unit that cannot be stopped is logged and left alone.
func (e *Engine) addIsolateStops(ctx context.Context, txn *transaction) {
	for _, v := range e.registry.all() {
		if v == txn.anchor.u || txn.props[v] != nil {
			continue
		}
		if v.ignoreOnIsolate || v.perpetual {
			continue
		}
		if v.activeState == unit.Inactive && v.j == nil {
			continue
		}
		if _, err := e.expand(ctx, txn, txn.anchor, v, job.TypeStop, false, false); err != nil {
			e.logger.Warningf(ctx, "cannot stop %q while isolating %q: %v", v.name, txn.anchor.u.name, err)
		}
	}
}

// installTransaction validates the transaction against the live job
// queue per its mode, then installs every surviving proposal, merging
// with or replacing queued jobs. The validation pass runs before any
// mutation, so a refused transaction leaves the queue untouched.
func (e *Engine) installTransaction(ctx context.Context, txn *transaction) (job.ID, error) {
	for _, p := range txn.propsInOrder() {
		cur := p.u.j
		if cur == nil {
			continue
		}
		if _, ok := job.Merge(cur.jtype, p.jtype); ok {
			continue
		}
		if txn.mode == job.ModeFail {
			return 0, errors.Annotatef(ErrUnitBusy, "unit %q has job %s", p.u.name, cur)
		}
		if cur.irreversible && !txn.irreversible() {
			return 0, errors.Annotatef(ErrIrreversible, "unit %q has job %s", p.u.name, cur)
		}
	}

	if txn.mode == job.ModeFlush {
		for _, j := range e.jobsInOrder() {
			e.finishJob(ctx, j, job.ResultCanceled)
		}
	}

	var anchorID job.ID
	for _, p := range txn.propsInOrder() {
		j := e.installProposal(ctx, txn, p)
		if p == txn.anchor {
			anchorID = j.id
		}
	}
	return anchorID, nil
}

// installProposal turns one proposal into an installed job. A queued
// job that merges cleanly absorbs the proposal and keeps its identity;
// anything else is canceled and replaced.
func (e *Engine) installProposal(ctx context.Context, txn *transaction, p *proposal) *Job {
	u := p.u
	if cur := u.j; cur != nil {
		merged, ok := job.Merge(cur.jtype, p.jtype)
		if ok && (cur.state == job.Waiting || merged == cur.jtype) {
			if merged.Collapsible() {
				merged = merged.Collapse(u.activeState)
			}
			cur.jtype = merged
			cur.irreversible = cur.irreversible || txn.irreversible()
			if p == txn.anchor {
				cur.ignoreOrder = cur.ignoreOrder || txn.flags.IgnoreOrder
			}
			e.logger.Debugf(ctx, "merged %s request into job %s", p.jtype, cur)
			return cur
		}
		e.finishJob(ctx, cur, job.ResultCanceled)
	}

	j := &Job{
		id:           e.nextJobID(),
		u:            u,
		jtype:        p.jtype,
		state:        job.Waiting,
		irreversible: txn.irreversible(),
		ignoreOrder:  p == txn.anchor && txn.flags.IgnoreOrder,
	}
	if u.jobTimeout > 0 {
		j.deadline = e.clock.Now().Add(u.jobTimeout)
	}
	u.j = j
	e.jobs[j.id] = j
	e.logger.Debugf(ctx, "installed job %s", j)
	e.noteJobAdded(j)
	return j
}
