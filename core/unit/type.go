// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unit

// Type enumerates the unit types the engine can carry. The engine never
// interprets type specific behaviour itself; it dispatches state
// transitions to the operator registered for the type and only consults
// the capability methods below.
type Type string

const (
	// TypeInvalid is returned for unrecognised type suffixes.
	TypeInvalid Type = ""

	TypeService   Type = "service"
	TypeSocket    Type = "socket"
	TypeTarget    Type = "target"
	TypeDevice    Type = "device"
	TypeMount     Type = "mount"
	TypeAutomount Type = "automount"
	TypeSwap      Type = "swap"
	TypeTimer     Type = "timer"
	TypePath      Type = "path"
	TypeSlice     Type = "slice"
	TypeScope     Type = "scope"
)

// knownTypes lists every valid type once, in suffix order used for
// deterministic iteration.
var knownTypes = []Type{
	TypeService,
	TypeSocket,
	TypeTarget,
	TypeDevice,
	TypeMount,
	TypeAutomount,
	TypeSwap,
	TypeTimer,
	TypePath,
	TypeSlice,
	TypeScope,
}

// ParseType maps a name suffix onto a Type, returning TypeInvalid for
// anything unknown.
func ParseType(s string) Type {
	for _, t := range knownTypes {
		if string(t) == s {
			return t
		}
	}
	return TypeInvalid
}

// Types returns all valid unit types in deterministic order.
func Types() []Type {
	out := make([]Type, len(knownTypes))
	copy(out, knownTypes)
	return out
}

func (t Type) String() string {
	return string(t)
}

// Valid reports whether the type is one of the known unit types.
func (t Type) Valid() bool {
	return ParseType(string(t)) != TypeInvalid
}

// CanReload reports whether reload jobs are applicable to the type.
// Only types whose payload can be re-read in place support reloading;
// everything else collapses reload requests away or refuses them.
func (t Type) CanReload() bool {
	switch t {
	case TypeService, TypeMount:
		return true
	}
	return false
}

// Stateless reports whether units of the type reach their active state
// without external work. The engine completes their jobs internally
// instead of involving an operator.
func (t Type) Stateless() bool {
	switch t {
	case TypeTarget, TypeSlice:
		return true
	}
	return false
}
