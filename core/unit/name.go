// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package unit holds the core vocabulary of the unit graph: unit names,
// unit types, load and active states, and the dependency kind and atom
// tables that the engine interprets.
package unit

import (
	"strings"

	"github.com/juju/errors"
)

const (
	// maxNameLength bounds the full unit name, type suffix included.
	maxNameLength = 255

	nameRunes = "abcdefghijklmnopqrstuvwxyz" +
		"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
		"0123456789" +
		":-_."
)

// Name identifies a unit uniquely within a registry. A name is a prefix
// followed by a mandatory type suffix ("getty.service"), optionally with
// an instance part between "@" and the suffix ("getty@tty1.service").
// A name with an empty instance part ("getty@.service") is a template
// and cannot be instantiated in the registry directly.
type Name string

// String is a convenience for callers formatting names.
func (n Name) String() string {
	return string(n)
}

// Validate returns an error if the name is not a well formed unit name.
func (n Name) Validate() error {
	s := string(n)
	if s == "" {
		return errors.NotValidf("empty unit name")
	}
	if len(s) > maxNameLength {
		return errors.NotValidf("unit name %q over %d characters", s, maxNameLength)
	}
	i := strings.LastIndexByte(s, '.')
	if i <= 0 {
		return errors.NotValidf("unit name %q without type suffix", s)
	}
	if ParseType(s[i+1:]) == TypeInvalid {
		return errors.NotValidf("unit name %q with unknown type suffix %q", s, s[i+1:])
	}
	body := s[:i]
	for _, r := range body {
		if !strings.ContainsRune(nameRunes, r) && r != '@' {
			return errors.NotValidf("unit name %q containing %q", s, r)
		}
	}
	if strings.Count(body, "@") > 1 {
		return errors.NotValidf("unit name %q with repeated instance separator", s)
	}
	if strings.HasPrefix(body, "@") {
		return errors.NotValidf("unit name %q without prefix", s)
	}
	return nil
}

// Type returns the unit type encoded in the name suffix, or TypeInvalid
// when the name carries no recognisable suffix.
func (n Name) Type() Type {
	s := string(n)
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return TypeInvalid
	}
	return ParseType(s[i+1:])
}

// Prefix returns the name body before any instance part and before the
// type suffix. For "getty@tty1.service" the prefix is "getty".
func (n Name) Prefix() string {
	body := n.body()
	if i := strings.IndexByte(body, '@'); i >= 0 {
		return body[:i]
	}
	return body
}

// Instance returns the instance part of the name, and false when the
// name has no instance separator at all.
func (n Name) Instance() (string, bool) {
	body := n.body()
	i := strings.IndexByte(body, '@')
	if i < 0 {
		return "", false
	}
	return body[i+1:], true
}

// IsTemplate reports whether the name is a template, carrying an
// instance separator with an empty instance part.
func (n Name) IsTemplate() bool {
	inst, ok := n.Instance()
	return ok && inst == ""
}

// IsInstance reports whether the name was instantiated from a template.
func (n Name) IsInstance() bool {
	inst, ok := n.Instance()
	return ok && inst != ""
}

// Template reduces an instance name to its template name. Names without
// an instance part are returned unchanged.
func (n Name) Template() Name {
	inst, ok := n.Instance()
	if !ok || inst == "" {
		return n
	}
	return Name(n.Prefix() + "@." + n.Type().String())
}

func (n Name) body() string {
	s := string(n)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// JoinName assembles a validated unit name from its parts. The instance
// may be empty for plain, non-template names.
func JoinName(prefix, instance string, t Type) (Name, error) {
	var b strings.Builder
	b.WriteString(prefix)
	if instance != "" {
		b.WriteByte('@')
		b.WriteString(instance)
	}
	b.WriteByte('.')
	b.WriteString(t.String())
	n := Name(b.String())
	if err := n.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	return n, nil
}
