// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"sort"

	"github.com/juju/errors"

	"github.com/canonical/cairn/core/unit"
)

// registry owns every unit node, keyed by canonical name and by every
// alias. It is private to the engine loop.
type registry struct {
	units map[unit.Name]*Unit

	// serial numbers dependency insertions, giving every edge a stable
	// age for deterministic tie-breaking.
	serial uint64
}

func newRegistry() *registry {
	return &registry{
		units: make(map[unit.Name]*Unit),
	}
}

// get returns the unit known under name, following aliases.
func (r *registry) get(name unit.Name) (*Unit, bool) {
	u, ok := r.units[name]
	return u, ok
}

// getOrCreate returns the unit known under name, registering a fresh
// stub when the name is unknown. Template names cannot be
// instantiated.
func (r *registry) getOrCreate(name unit.Name) (*Unit, error) {
	if err := name.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if name.IsTemplate() {
		return nil, errors.NotValidf("instantiating template %q", name)
	}
	if u, ok := r.units[name]; ok {
		return u, nil
	}
	u := newUnit(name)
	r.units[name] = u
	return u, nil
}

// addDependency records an edge of the given kind from src to dst, and
// the reverse kind from dst to src. Adding the same edge twice only
// widens its origin set. Self-edges are dropped silently: they carry
// no information the unit does not already have.
func (r *registry) addDependency(src *Unit, k unit.Kind, dst *Unit, origin Origin) {
	if src == dst {
		return
	}
	r.serial++
	src.depSetFor(k).add(dst, origin, r.serial)
	dst.depSetFor(k.Reverse()).add(src, origin, r.serial)
}

// removeDependenciesByOrigin strips origin from every edge recorded on
// u, removing edges whose origin set becomes empty, in both
// directions.
func (r *registry) removeDependenciesByOrigin(u *Unit, origin Origin) {
	bit := originBit(origin)
	for k, d := range u.deps {
		for _, target := range append([]*Unit(nil), d.order...) {
			m := d.meta[target]
			m.origins &^= bit
			if m.origins != 0 {
				d.meta[target] = m
				continue
			}
			d.remove(target)
			if rd, ok := target.deps[k.Reverse()]; ok {
				rm := rd.meta[u]
				rm.origins &^= bit
				if rm.origins != 0 {
					rd.meta[u] = rm
				} else {
					rd.remove(u)
				}
			}
		}
	}
	delete(u.declared, origin)
}

// merge folds the stub from into the unit into: every edge and name of
// from is redirected onto into, and from is discarded. Only stubs can
// be merged; two independently loaded units conflict.
func (r *registry) merge(into, from *Unit) error {
	if into == from {
		return nil
	}
	if from.loadState != unit.LoadStub {
		return errors.AlreadyExistsf("unit %q, cannot alias it to %q", from.name, into.name)
	}
	if from.j != nil {
		return errors.Errorf("unit %q has a queued job, cannot merge it into %q", from.name, into.name)
	}

	for k, d := range from.deps {
		for _, target := range d.order {
			m := d.meta[target]
			if rd, ok := target.deps[k.Reverse()]; ok {
				rd.remove(from)
			}
			if target == into {
				continue
			}
			into.depSetFor(k).addMask(target, m.origins, m.serial)
			target.depSetFor(k.Reverse()).addMask(into, m.origins, m.serial)
		}
	}
	from.deps = nil

	into.aliases.Add(from.name.String())
	for _, a := range from.aliases.Values() {
		into.aliases.Add(a)
	}
	r.units[from.name] = into
	for _, a := range from.aliases.Values() {
		r.units[unit.Name(a)] = into
	}
	from.loadState = unit.LoadMerged
	return nil
}

// dropDefaultOrdering removes the ordering edge putting dependent
// after dependency, provided only default dependencies put it there.
// Both directions of the edge go.
func (r *registry) dropDefaultOrdering(dependent, dependency *Unit) bool {
	d, ok := dependent.deps[unit.KindAfter]
	if !ok {
		return false
	}
	m, ok := d.meta[dependency]
	if !ok || m.origins != originDefaultBit {
		return false
	}
	d.remove(dependency)
	if rd, ok := dependency.deps[unit.KindBefore]; ok {
		rd.remove(dependent)
	}
	return true
}

// remove detaches u from the graph entirely and forgets its names.
// Callers must have established that nothing references it.
func (r *registry) remove(u *Unit) {
	for k, d := range u.deps {
		for _, target := range d.order {
			if rd, ok := target.deps[k.Reverse()]; ok {
				rd.remove(u)
			}
		}
		delete(u.deps, k)
	}
	delete(r.units, u.name)
	for _, a := range u.aliases.Values() {
		if r.units[unit.Name(a)] == u {
			delete(r.units, unit.Name(a))
		}
	}
}

// all returns every distinct unit sorted by canonical name.
func (r *registry) all() []*Unit {
	seen := make(map[*Unit]bool, len(r.units))
	out := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].name < out[j].name
	})
	return out
}

// ofType returns every distinct unit of the given type, sorted by
// canonical name.
func (r *registry) ofType(t unit.Type) []*Unit {
	var out []*Unit
	for _, u := range r.all() {
		if u.utype == t {
			out = append(out, u)
		}
	}
	return out
}

// size returns the number of distinct units.
func (r *registry) size() int {
	seen := make(map[*Unit]bool, len(r.units))
	for _, u := range r.units {
		seen[u] = true
	}
	return len(seen)
}
