// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unit

// LoadState describes how far the definition of a unit has been
// resolved. Units enter the registry as stubs and settle into one of
// the other states once a loader has been consulted.
type LoadState string

const (
	// LoadStub marks a unit that has been referenced by name but whose
	// definition has not been resolved yet.
	LoadStub LoadState = "stub"

	// LoadLoaded marks a unit whose definition resolved successfully.
	LoadLoaded LoadState = "loaded"

	// LoadNotFound marks a unit whose definition could not be found.
	// Such units are kept while something references them, so that the
	// reference failure is reportable.
	LoadNotFound LoadState = "not-found"

	// LoadError marks a unit whose definition failed to resolve for a
	// reason other than absence.
	LoadError LoadState = "error"

	// LoadMerged marks a unit that turned out to be an alias of
	// another; the surviving unit carries the state.
	LoadMerged LoadState = "merged"

	// LoadMasked marks a unit explicitly masked from activation.
	LoadMasked LoadState = "masked"
)

func (s LoadState) String() string {
	return string(s)
}

// Resolved reports whether loading has been attempted, successfully or
// not. Stub units still need a loader pass before jobs can run on them.
func (s LoadState) Resolved() bool {
	return s != LoadStub
}

// Loadable reports whether jobs other than stop may operate on a unit
// in this load state.
func (s LoadState) Loadable() bool {
	return s == LoadLoaded
}

// ActiveState is the generic activity projection every unit type must
// map its private substates onto.
type ActiveState string

const (
	// Active means the unit is up.
	Active ActiveState = "active"

	// Reloading means the unit is up and re-reading its definition.
	Reloading ActiveState = "reloading"

	// Inactive means the unit is down, with no failure recorded.
	Inactive ActiveState = "inactive"

	// Failed means the unit is down and the last transition failed.
	Failed ActiveState = "failed"

	// Activating means the unit is on its way up.
	Activating ActiveState = "activating"

	// Deactivating means the unit is on its way down.
	Deactivating ActiveState = "deactivating"
)

func (s ActiveState) String() string {
	return string(s)
}

// Valid reports whether s is one of the known active states.
func (s ActiveState) Valid() bool {
	switch s {
	case Active, Reloading, Inactive, Failed, Activating, Deactivating:
		return true
	}
	return false
}

// IsActive reports whether the unit is up, reloading included.
func (s ActiveState) IsActive() bool {
	return s == Active || s == Reloading
}

// IsDown reports whether the unit is fully down, failed included.
func (s ActiveState) IsDown() bool {
	return s == Inactive || s == Failed
}

// IsDownOrDeactivating reports whether the unit is down or on its way
// down.
func (s ActiveState) IsDownOrDeactivating() bool {
	return s.IsDown() || s == Deactivating
}

// Transitioning reports whether the unit is between steady states.
func (s ActiveState) Transitioning() bool {
	return s == Activating || s == Deactivating
}
