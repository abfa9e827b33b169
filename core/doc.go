// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds concepts and pure logic pertaining to cairn's domain.
Unit names, dependency kinds, job types, and the rules for combining
them all live under here.

When adding to core:

  - it's fine to import from any subpackage of "github.com/canonical/cairn/core"
  - but never import from any other subpackage of "github.com/canonical/cairn"
  - don't introduce mutable global state

Anything that spawns processes or knows about persistence formats
belongs under internal, not here.
*/
package core
